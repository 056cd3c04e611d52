package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"wisefido-energy/internal/models"

	"go.uber.org/zap"
)

// ProfileRepo service energy profiles in Postgres
type ProfileRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewProfileRepo(db *sql.DB, logger *zap.Logger) *ProfileRepo {
	return &ProfileRepo{db: db, logger: logger}
}

const profileColumns = `
	system_id::text, equipment_id::text, service_id::text, sample_count,
	energy_per_minute_mean, energy_per_minute_m2, duration_mean, duration_m2, updated_at`

func scanProfile(row interface{ Scan(...any) error }) (*models.ServiceEnergyProfile, error) {
	var p models.ServiceEnergyProfile
	if err := row.Scan(&p.SystemID, &p.EquipmentID, &p.ServiceID, &p.SampleCount,
		&p.EnergyPerMinuteMean, &p.EnergyPerMinuteM2, &p.DurationMean, &p.DurationM2, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *ProfileRepo) GetProfile(ctx context.Context, systemID, equipmentID, serviceID string) (*models.ServiceEnergyProfile, error) {
	query := `SELECT ` + profileColumns + `
		FROM energy_service_profiles
		WHERE system_id = $1 AND equipment_id = $2 AND service_id = $3`
	p, err := scanProfile(r.db.QueryRowContext(ctx, query, systemID, equipmentID, serviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile %s/%s: %w", equipmentID, serviceID, err)
	}
	return p, nil
}

// SaveProfile upserts the profile. The sample count never decreases, so a
// stale writer cannot roll statistics back.
func (r *ProfileRepo) SaveProfile(ctx context.Context, p *models.ServiceEnergyProfile) error {
	if p.SystemID == "" {
		return fmt.Errorf("system_id is required")
	}
	query := `
		INSERT INTO energy_service_profiles (
			system_id, equipment_id, service_id, sample_count,
			energy_per_minute_mean, energy_per_minute_m2, duration_mean, duration_m2, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (system_id, equipment_id, service_id) DO UPDATE SET
			sample_count = EXCLUDED.sample_count,
			energy_per_minute_mean = EXCLUDED.energy_per_minute_mean,
			energy_per_minute_m2 = EXCLUDED.energy_per_minute_m2,
			duration_mean = EXCLUDED.duration_mean,
			duration_m2 = EXCLUDED.duration_m2,
			updated_at = EXCLUDED.updated_at
		WHERE energy_service_profiles.sample_count <= EXCLUDED.sample_count`
	_, err := r.db.ExecContext(ctx, query,
		p.SystemID, p.EquipmentID, p.ServiceID, p.SampleCount,
		p.EnergyPerMinuteMean, p.EnergyPerMinuteM2, p.DurationMean, p.DurationM2, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save profile %s/%s: %w", p.EquipmentID, p.ServiceID, err)
	}
	return nil
}

func (r *ProfileRepo) ListProfiles(ctx context.Context, systemID string, minSamples int64) ([]*models.ServiceEnergyProfile, error) {
	if systemID == "" {
		return nil, fmt.Errorf("system_id is required")
	}
	query := `SELECT ` + profileColumns + `
		FROM energy_service_profiles
		WHERE system_id = $1 AND sample_count >= $2
		ORDER BY equipment_id, service_id`
	rows, err := r.db.QueryContext(ctx, query, systemID, minSamples)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	out := make([]*models.ServiceEnergyProfile, 0)
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
