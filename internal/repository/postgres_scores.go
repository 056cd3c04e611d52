package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"wisefido-energy/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ScoreRepo client and employee risk records in Postgres
type ScoreRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewScoreRepo(db *sql.DB, logger *zap.Logger) *ScoreRepo {
	return &ScoreRepo{db: db, logger: logger}
}

type scoreTable struct {
	table  string
	legacy string
	entity string
}

var scoreTables = map[models.EntityKind]scoreTable{
	models.EntityClient:   {table: "energy_client_anomaly_scores", legacy: "energy_client_anomaly_scores_legacy", entity: "client_id"},
	models.EntityEmployee: {table: "energy_employee_anomaly_scores", legacy: "energy_employee_anomaly_scores_legacy", entity: "employee_id"},
}

func tableFor(kind models.EntityKind) (scoreTable, error) {
	t, ok := scoreTables[kind]
	if !ok {
		return scoreTable{}, fmt.Errorf("unknown entity kind %q", kind)
	}
	return t, nil
}

func scoreColumns(entity string) string {
	return `id::text, system_id::text, ` + entity + `::text, COALESCE(clinic_id::text, ''),
		total_services, total_anomalies, anomaly_rate, avg_deviation_percent, max_deviation_percent,
		risk_score, risk_level, counterparts, patterns, time_buckets, indicators,
		last_anomaly_date, last_calculated, avg_efficiency, consistency_score`
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func scanScore(kind models.EntityKind, row interface{ Scan(...any) error }) (*models.AnomalyScore, error) {
	s := models.NewAnomalyScore(kind, "", "")
	var level string
	var counterparts, patterns, buckets, indicators []byte
	var lastAnomaly sql.NullTime
	var efficiency, consistency sql.NullFloat64
	if err := row.Scan(&s.ID, &s.SystemID, &s.EntityID, &s.ClinicID,
		&s.TotalServices, &s.TotalAnomalies, &s.AnomalyRate, &s.AvgDeviationPercent, &s.MaxDeviationPercent,
		&s.RiskScore, &level, &counterparts, &patterns, &buckets, &indicators,
		&lastAnomaly, &s.LastCalculated, &efficiency, &consistency); err != nil {
		return nil, err
	}
	s.AvgEfficiency = floatPtr(efficiency)
	s.ConsistencyScore = floatPtr(consistency)
	s.RiskLevel = models.RiskLevel(level)
	s.LastAnomalyDate = timePtr(lastAnomaly)
	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{counterparts, &s.Counterparts},
		{patterns, &s.Patterns},
		{buckets, &s.TimeBuckets},
		{indicators, &s.Indicators},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode score %s: %w", s.ID, err)
		}
	}
	return s, nil
}

func (r *ScoreRepo) GetScore(ctx context.Context, kind models.EntityKind, systemID, entityID string) (*models.AnomalyScore, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE system_id = $1 AND %s = $2`, scoreColumns(t.entity), t.table, t.entity)
	s, err := scanScore(kind, r.db.QueryRowContext(ctx, query, systemID, entityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s score %s: %w", kind, entityID, err)
	}
	return s, nil
}

// SaveScore upserts on (system_id, entity). Clinic is descriptive only.
func (r *ScoreRepo) SaveScore(ctx context.Context, s *models.AnomalyScore) error {
	return saveScore(ctx, r.db, s)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func saveScore(ctx context.Context, db execer, s *models.AnomalyScore) error {
	if s.SystemID == "" {
		return fmt.Errorf("system_id is required")
	}
	t, err := tableFor(s.Kind)
	if err != nil {
		return err
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	counterparts, err := json.Marshal(s.Counterparts)
	if err != nil {
		return err
	}
	patterns, err := json.Marshal(s.Patterns)
	if err != nil {
		return err
	}
	buckets, err := json.Marshal(s.TimeBuckets)
	if err != nil {
		return err
	}
	indicators, err := json.Marshal(s.Indicators)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (
			id, system_id, %[2]s, clinic_id,
			total_services, total_anomalies, anomaly_rate, avg_deviation_percent, max_deviation_percent,
			risk_score, risk_level, counterparts, patterns, time_buckets, indicators,
			last_anomaly_date, last_calculated, avg_efficiency, consistency_score
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (system_id, %[2]s) DO UPDATE SET
			clinic_id = EXCLUDED.clinic_id,
			total_services = EXCLUDED.total_services,
			total_anomalies = EXCLUDED.total_anomalies,
			anomaly_rate = EXCLUDED.anomaly_rate,
			avg_deviation_percent = EXCLUDED.avg_deviation_percent,
			max_deviation_percent = EXCLUDED.max_deviation_percent,
			risk_score = EXCLUDED.risk_score,
			risk_level = EXCLUDED.risk_level,
			counterparts = EXCLUDED.counterparts,
			patterns = EXCLUDED.patterns,
			time_buckets = EXCLUDED.time_buckets,
			indicators = EXCLUDED.indicators,
			last_anomaly_date = EXCLUDED.last_anomaly_date,
			last_calculated = EXCLUDED.last_calculated,
			avg_efficiency = EXCLUDED.avg_efficiency,
			consistency_score = EXCLUDED.consistency_score`, t.table, t.entity)

	_, err = db.ExecContext(ctx, query,
		s.ID, s.SystemID, s.EntityID, nullString(s.ClinicID),
		s.TotalServices, s.TotalAnomalies, s.AnomalyRate, s.AvgDeviationPercent, s.MaxDeviationPercent,
		s.RiskScore, string(s.RiskLevel), counterparts, patterns, buckets, indicators,
		s.LastAnomalyDate, s.LastCalculated, s.AvgEfficiency, s.ConsistencyScore,
	)
	if err != nil {
		return fmt.Errorf("failed to save %s score %s: %w", s.Kind, s.EntityID, err)
	}
	return nil
}

func (r *ScoreRepo) ListScores(ctx context.Context, kind models.EntityKind, systemID string) ([]*models.AnomalyScore, error) {
	if systemID == "" {
		return nil, fmt.Errorf("system_id is required")
	}
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE system_id = $1 ORDER BY risk_score DESC, %s`,
		scoreColumns(t.entity), t.table, t.entity)
	rows, err := r.db.QueryContext(ctx, query, systemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s scores: %w", kind, err)
	}
	defer rows.Close()

	out := make([]*models.AnomalyScore, 0)
	for rows.Next() {
		s, err := scanScore(kind, rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s score: %w", kind, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ConsolidateLegacy merges the per-clinic legacy rows in one transaction
func (r *ScoreRepo) ConsolidateLegacy(ctx context.Context, kind models.EntityKind, systemID string, merge MergeFunc) (int, error) {
	if systemID == "" {
		return 0, fmt.Errorf("system_id is required")
	}
	t, err := tableFor(kind)
	if err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin consolidation: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE system_id = $1 ORDER BY %s FOR UPDATE`,
		scoreColumns(t.entity), t.legacy, t.entity)
	rows, err := tx.QueryContext(ctx, query, systemID)
	if err != nil {
		return 0, fmt.Errorf("failed to load legacy %s scores: %w", kind, err)
	}
	groups := map[string][]*models.AnomalyScore{}
	var order []string
	for rows.Next() {
		s, err := scanScore(kind, rows)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan legacy %s score: %w", kind, err)
		}
		if _, ok := groups[s.EntityID]; !ok {
			order = append(order, s.EntityID)
		}
		groups[s.EntityID] = append(groups[s.EntityID], s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	currentQuery := fmt.Sprintf(`SELECT %s FROM %s WHERE system_id = $1 AND %s = $2 FOR UPDATE`,
		scoreColumns(t.entity), t.table, t.entity)
	deleteQuery := fmt.Sprintf(`DELETE FROM %s WHERE system_id = $1 AND %s = $2`, t.legacy, t.entity)

	for _, entityID := range order {
		current, err := scanScore(kind, tx.QueryRowContext(ctx, currentQuery, systemID, entityID))
		if errors.Is(err, sql.ErrNoRows) {
			current = nil
		} else if err != nil {
			return 0, fmt.Errorf("failed to load %s score %s: %w", kind, entityID, err)
		}

		merged := merge(current, groups[entityID])
		merged.Kind, merged.SystemID, merged.EntityID = kind, systemID, entityID
		if current != nil {
			merged.ID = current.ID
		}
		if err := saveScore(ctx, tx, merged); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, deleteQuery, systemID, entityID); err != nil {
			return 0, fmt.Errorf("failed to delete legacy rows of %s: %w", entityID, err)
		}
		r.logger.Info("Consolidated legacy score rows",
			zap.String("kind", string(kind)),
			zap.String("system_id", systemID),
			zap.String("entity_id", entityID),
			zap.Int("rows", len(groups[entityID])),
		)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit consolidation: %w", err)
	}
	return len(order), nil
}
