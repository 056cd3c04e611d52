package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"wisefido-energy/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockSessionDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *SessionRepo) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, NewSessionRepo(db, zap.NewNop())
}

var sessionColumnNames = []string{
	"session_id", "system_id", "clinic_id", "appointment_id",
	"appointment_service_id", "service_id", "device_assignment_id",
	"equipment_id", "client_id", "employee_id",
	"status", "started_at", "paused_at", "ended_at", "last_active_at",
	"accumulated_active_minutes", "energy_consumed_kwh", "energy_known",
	"last_sample_at", "last_power_w", "last_counter_wh",
	"baseline_usage_hours", "expected_minutes",
	"pause_reason", "outcome_reason", "created_at", "updated_at",
}

func newTestSession() *models.DeviceUsageSession {
	now := time.Now().UTC()
	return &models.DeviceUsageSession{
		SessionID:            uuid.New().String(),
		SystemID:             uuid.New().String(),
		ClinicID:             uuid.New().String(),
		AppointmentID:        uuid.New().String(),
		AppointmentServiceID: uuid.New().String(),
		ServiceID:            uuid.New().String(),
		DeviceAssignmentID:   uuid.New().String(),
		EquipmentID:          uuid.New().String(),
		Status:               models.SessionActive,
		StartedAt:            now,
		LastActiveAt:         &now,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func TestCreateSession_Success(t *testing.T) {
	db, mock, repo := setupMockSessionDB(t)
	defer db.Close()

	s := newTestSession()
	mock.ExpectExec(`INSERT INTO energy_device_usage_sessions`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.CreateSession(context.Background(), s))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSession_UniqueViolationIsBusy(t *testing.T) {
	db, mock, repo := setupMockSessionDB(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO energy_device_usage_sessions`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := repo.CreateSession(context.Background(), newTestSession())
	assert.ErrorIs(t, err, models.ErrDeviceBusy)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSession_AppointmentEquipmentViolationIsBusy(t *testing.T) {
	db, mock, repo := setupMockSessionDB(t)
	defer db.Close()

	s := newTestSession()
	mock.ExpectExec(`INSERT INTO energy_device_usage_sessions`).
		WillReturnError(&pq.Error{
			Code:       "23505",
			Message:    "duplicate key value violates unique constraint",
			Constraint: "uq_energy_sessions_open_appointment_equipment",
		})

	err := repo.CreateSession(context.Background(), s)
	assert.ErrorIs(t, err, models.ErrDeviceBusy)
	assert.Contains(t, err.Error(), s.EquipmentID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSession_RequiresSystemID(t *testing.T) {
	db, _, repo := setupMockSessionDB(t)
	defer db.Close()

	s := newTestSession()
	s.SystemID = ""
	assert.EqualError(t, repo.CreateSession(context.Background(), s), "system_id is required")
}

func TestUpdateSession_CompletedIsImmutable(t *testing.T) {
	db, mock, repo := setupMockSessionDB(t)
	defer db.Close()

	s := newTestSession()
	mock.ExpectExec(`UPDATE energy_device_usage_sessions SET`).
		WithArgs(s.SessionID, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateSession(context.Background(), s)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSession_Success(t *testing.T) {
	db, mock, repo := setupMockSessionDB(t)
	defer db.Close()

	s := newTestSession()
	ended := s.StartedAt.Add(30 * time.Minute)
	rows := sqlmock.NewRows(sessionColumnNames).AddRow(
		s.SessionID, s.SystemID, s.ClinicID, s.AppointmentID,
		s.AppointmentServiceID, s.ServiceID, s.DeviceAssignmentID,
		s.EquipmentID, "client-1", "employee-1",
		"COMPLETED", s.StartedAt, nil, ended, nil,
		30.0, 1.25, true,
		ended, 850.0, 1234.5,
		120.5, 25.0,
		"", "done", s.CreatedAt, ended,
	)
	mock.ExpectQuery(`SELECT .* FROM energy_device_usage_sessions WHERE session_id = \$1`).
		WithArgs(s.SessionID).
		WillReturnRows(rows)

	got, err := repo.GetSession(context.Background(), s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, got.Status)
	assert.Equal(t, "client-1", got.ClientID)
	require.NotNil(t, got.EndedAt)
	assert.Nil(t, got.PausedAt)
	require.NotNil(t, got.LastCounterWh)
	assert.Equal(t, 1234.5, *got.LastCounterWh)
	assert.Equal(t, "done", got.OutcomeReason)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSession_NotFound(t *testing.T) {
	db, mock, repo := setupMockSessionDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT`).WithArgs("missing").WillReturnError(sql.ErrNoRows)

	_, err := repo.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrUnknownSession)
}

func TestFindOpenByAssignment_None(t *testing.T) {
	db, mock, repo := setupMockSessionDB(t)
	defer db.Close()

	mock.ExpectQuery(`status IN \('ACTIVE', 'PAUSED'\)`).
		WithArgs("assignment-1").
		WillReturnRows(sqlmock.NewRows(sessionColumnNames))

	s, err := repo.FindOpenByAssignment(context.Background(), "assignment-1")
	require.NoError(t, err)
	assert.Nil(t, s)
	require.NoError(t, mock.ExpectationsWereMet())
}
