package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"wisefido-energy/internal/models"

	"go.uber.org/zap"
)

// AssignmentRepo reads device assignments joined with their equipment
type AssignmentRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewAssignmentRepo(db *sql.DB, logger *zap.Logger) *AssignmentRepo {
	return &AssignmentRepo{db: db, logger: logger}
}

const assignmentColumns = `
	a.assignment_id::text,
	a.system_id::text,
	a.clinic_id::text,
	a.device_id,
	a.equipment_id::text,
	a.device_kind,
	COALESCE(a.endpoint, ''),
	a.power_threshold,
	a.auto_shutdown_enabled,
	a.active,
	COALESCE(e.usage_hours, 0)`

const assignmentFrom = `
	FROM energy_device_assignments a
	LEFT JOIN energy_equipment e ON e.equipment_id = a.equipment_id`

func scanAssignment(row interface{ Scan(...any) error }) (*models.DeviceAssignment, error) {
	var a models.DeviceAssignment
	var threshold sql.NullString
	if err := row.Scan(
		&a.AssignmentID, &a.SystemID, &a.ClinicID, &a.DeviceID, &a.EquipmentID,
		&a.DeviceKind, &a.Endpoint, &threshold, &a.AutoShutdownEnabled, &a.Active,
		&a.EquipmentUsageHours,
	); err != nil {
		return nil, err
	}
	if threshold.Valid {
		v := threshold.String
		a.PowerThreshold = &v
	}
	return &a, nil
}

func (r *AssignmentRepo) GetAssignment(ctx context.Context, assignmentID string) (*models.DeviceAssignment, error) {
	query := `SELECT ` + assignmentColumns + assignmentFrom + ` WHERE a.assignment_id = $1`
	a, err := scanAssignment(r.db.QueryRowContext(ctx, query, assignmentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownDevice, assignmentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment %s: %w", assignmentID, err)
	}
	return a, nil
}

func (r *AssignmentRepo) GetAssignmentByDevice(ctx context.Context, deviceID string) (*models.DeviceAssignment, error) {
	query := `SELECT ` + assignmentColumns + assignmentFrom + ` WHERE a.device_id = $1 AND a.active LIMIT 1`
	a, err := scanAssignment(r.db.QueryRowContext(ctx, query, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: device %s", models.ErrUnknownDevice, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment for device %s: %w", deviceID, err)
	}
	return a, nil
}

func (r *AssignmentRepo) ListAssignmentsByClinic(ctx context.Context, systemID, clinicID string) ([]*models.DeviceAssignment, error) {
	if systemID == "" {
		return nil, fmt.Errorf("system_id is required")
	}
	query := `SELECT ` + assignmentColumns + assignmentFrom + `
		WHERE a.system_id = $1 AND a.clinic_id = $2 AND a.active
		ORDER BY a.assignment_id`
	return r.list(ctx, query, systemID, clinicID)
}

func (r *AssignmentRepo) ListActiveAssignments(ctx context.Context) ([]*models.DeviceAssignment, error) {
	query := `SELECT ` + assignmentColumns + assignmentFrom + ` WHERE a.active ORDER BY a.assignment_id`
	return r.list(ctx, query)
}

func (r *AssignmentRepo) list(ctx context.Context, query string, args ...any) ([]*models.DeviceAssignment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	defer rows.Close()

	out := make([]*models.DeviceAssignment, 0)
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
