package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wisefido-energy/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// SessionRepo device usage sessions in Postgres. Partial unique indexes on
// (device_assignment_id) and (appointment_id, equipment_id) WHERE status IN
// ('ACTIVE','PAUSED') back the single-owner invariants.
type SessionRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

const openAppointmentEquipmentIndex = "uq_energy_sessions_open_appointment_equipment"

func NewSessionRepo(db *sql.DB, logger *zap.Logger) *SessionRepo {
	return &SessionRepo{db: db, logger: logger}
}

const sessionColumns = `
	session_id::text, system_id::text, clinic_id::text, appointment_id::text,
	appointment_service_id::text, service_id::text, device_assignment_id::text,
	equipment_id::text, COALESCE(client_id::text, ''), COALESCE(employee_id::text, ''),
	status, started_at, paused_at, ended_at, last_active_at,
	accumulated_active_minutes, energy_consumed_kwh, energy_known,
	last_sample_at, last_power_w, last_counter_wh,
	baseline_usage_hours, expected_minutes,
	COALESCE(pause_reason, ''), COALESCE(outcome_reason, ''),
	created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*models.DeviceUsageSession, error) {
	var s models.DeviceUsageSession
	var status string
	var pausedAt, endedAt, lastActiveAt, lastSampleAt sql.NullTime
	var lastCounter sql.NullFloat64
	if err := row.Scan(
		&s.SessionID, &s.SystemID, &s.ClinicID, &s.AppointmentID,
		&s.AppointmentServiceID, &s.ServiceID, &s.DeviceAssignmentID,
		&s.EquipmentID, &s.ClientID, &s.EmployeeID,
		&status, &s.StartedAt, &pausedAt, &endedAt, &lastActiveAt,
		&s.AccumulatedActiveMinutes, &s.EnergyConsumedKWh, &s.EnergyKnown,
		&lastSampleAt, &s.LastPowerW, &lastCounter,
		&s.BaselineUsageHours, &s.ExpectedMinutes,
		&s.PauseReason, &s.OutcomeReason,
		&s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.Status = models.SessionStatus(status)
	s.PausedAt = timePtr(pausedAt)
	s.EndedAt = timePtr(endedAt)
	s.LastActiveAt = timePtr(lastActiveAt)
	s.LastSampleAt = timePtr(lastSampleAt)
	if lastCounter.Valid {
		v := lastCounter.Float64
		s.LastCounterWh = &v
	}
	return &s, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (r *SessionRepo) CreateSession(ctx context.Context, s *models.DeviceUsageSession) error {
	if s.SystemID == "" {
		return fmt.Errorf("system_id is required")
	}
	query := `
		INSERT INTO energy_device_usage_sessions (
			session_id, system_id, clinic_id, appointment_id,
			appointment_service_id, service_id, device_assignment_id,
			equipment_id, client_id, employee_id,
			status, started_at, paused_at, ended_at, last_active_at,
			accumulated_active_minutes, energy_consumed_kwh, energy_known,
			last_sample_at, last_power_w, last_counter_wh,
			baseline_usage_hours, expected_minutes,
			pause_reason, outcome_reason, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)`
	_, err := r.db.ExecContext(ctx, query,
		s.SessionID, s.SystemID, s.ClinicID, s.AppointmentID,
		s.AppointmentServiceID, s.ServiceID, s.DeviceAssignmentID,
		s.EquipmentID, nullString(s.ClientID), nullString(s.EmployeeID),
		string(s.Status), s.StartedAt, s.PausedAt, s.EndedAt, s.LastActiveAt,
		s.AccumulatedActiveMinutes, s.EnergyConsumedKWh, s.EnergyKnown,
		s.LastSampleAt, s.LastPowerW, s.LastCounterWh,
		s.BaselineUsageHours, s.ExpectedMinutes,
		nullString(s.PauseReason), nullString(s.OutcomeReason), s.CreatedAt, s.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		if pqErr.Constraint == openAppointmentEquipmentIndex {
			return fmt.Errorf("%w: appointment %s already runs equipment %s", models.ErrDeviceBusy, s.AppointmentID, s.EquipmentID)
		}
		return fmt.Errorf("%w: assignment %s already has an open session", models.ErrDeviceBusy, s.DeviceAssignmentID)
	}
	if err != nil {
		return fmt.Errorf("failed to create session %s: %w", s.SessionID, err)
	}
	return nil
}

// UpdateSession writes the mutable fields. Completed sessions are immutable.
func (r *SessionRepo) UpdateSession(ctx context.Context, s *models.DeviceUsageSession) error {
	query := `
		UPDATE energy_device_usage_sessions SET
			status = $2, paused_at = $3, ended_at = $4, last_active_at = $5,
			accumulated_active_minutes = $6, energy_consumed_kwh = $7, energy_known = $8,
			last_sample_at = $9, last_power_w = $10, last_counter_wh = $11,
			pause_reason = $12, outcome_reason = $13, updated_at = $14
		WHERE session_id = $1 AND status <> 'COMPLETED'`
	res, err := r.db.ExecContext(ctx, query,
		s.SessionID, string(s.Status), s.PausedAt, s.EndedAt, s.LastActiveAt,
		s.AccumulatedActiveMinutes, s.EnergyConsumedKWh, s.EnergyKnown,
		s.LastSampleAt, s.LastPowerW, s.LastCounterWh,
		nullString(s.PauseReason), nullString(s.OutcomeReason), s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", s.SessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", s.SessionID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: session %s is missing or completed", models.ErrInvalidTransition, s.SessionID)
	}
	return nil
}

func (r *SessionRepo) GetSession(ctx context.Context, sessionID string) (*models.DeviceUsageSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM energy_device_usage_sessions WHERE session_id = $1`
	s, err := scanSession(r.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownSession, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}
	return s, nil
}

func (r *SessionRepo) FindOpenByAssignment(ctx context.Context, assignmentID string) (*models.DeviceUsageSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM energy_device_usage_sessions
		WHERE device_assignment_id = $1 AND status IN ('ACTIVE', 'PAUSED')
		LIMIT 1`
	return r.findOne(ctx, query, assignmentID)
}

func (r *SessionRepo) FindOpenByAppointmentEquipment(ctx context.Context, appointmentID, equipmentID string) (*models.DeviceUsageSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM energy_device_usage_sessions
		WHERE appointment_id = $1 AND equipment_id = $2 AND status IN ('ACTIVE', 'PAUSED')
		LIMIT 1`
	return r.findOne(ctx, query, appointmentID, equipmentID)
}

func (r *SessionRepo) FindCompleted(ctx context.Context, appointmentID, assignmentID string) (*models.DeviceUsageSession, error) {
	query := `SELECT ` + sessionColumns + `
		FROM energy_device_usage_sessions
		WHERE appointment_id = $1 AND device_assignment_id = $2 AND status = 'COMPLETED'
		ORDER BY ended_at DESC
		LIMIT 1`
	return r.findOne(ctx, query, appointmentID, assignmentID)
}

func (r *SessionRepo) findOne(ctx context.Context, query string, args ...any) (*models.DeviceUsageSession, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return s, nil
}
