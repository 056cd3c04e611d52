package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"wisefido-energy/internal/models"

	"go.uber.org/zap"
)

// AppointmentRepo reads the appointment read model maintained by the scheduling domain
type AppointmentRepo struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewAppointmentRepo(db *sql.DB, logger *zap.Logger) *AppointmentRepo {
	return &AppointmentRepo{db: db, logger: logger}
}

func (r *AppointmentRepo) GetAppointment(ctx context.Context, appointmentID string) (*models.Appointment, error) {
	query := `
		SELECT appointment_id::text, system_id::text, clinic_id::text,
		       client_id::text, employee_id::text, scheduled_at
		FROM energy_appointments
		WHERE appointment_id = $1`
	var a models.Appointment
	err := r.db.QueryRowContext(ctx, query, appointmentID).Scan(
		&a.AppointmentID, &a.SystemID, &a.ClinicID, &a.ClientID, &a.EmployeeID, &a.ScheduledAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: appointment %s", models.ErrUnknownAppointment, appointmentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get appointment %s: %w", appointmentID, err)
	}
	return &a, nil
}

const appointmentServiceColumns = `
	appointment_service_id::text, appointment_id::text, service_id::text,
	COALESCE(equipment_id::text, ''),
	COALESCE(treatment_duration_minutes, 0), COALESCE(duration_minutes, 0)`

func scanAppointmentService(row interface{ Scan(...any) error }) (*models.AppointmentService, error) {
	var s models.AppointmentService
	if err := row.Scan(&s.AppointmentServiceID, &s.AppointmentID, &s.ServiceID, &s.EquipmentID,
		&s.TreatmentDurationMinutes, &s.DurationMinutes); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *AppointmentRepo) GetAppointmentService(ctx context.Context, appointmentServiceID string) (*models.AppointmentService, error) {
	query := `SELECT ` + appointmentServiceColumns + ` FROM energy_appointment_services WHERE appointment_service_id = $1`
	s, err := scanAppointmentService(r.db.QueryRowContext(ctx, query, appointmentServiceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownAppointment, appointmentServiceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get appointment service %s: %w", appointmentServiceID, err)
	}
	return s, nil
}

func (r *AppointmentRepo) ListServicesForEquipment(ctx context.Context, appointmentID, equipmentID string) ([]models.AppointmentService, error) {
	query := `SELECT ` + appointmentServiceColumns + `
		FROM energy_appointment_services
		WHERE appointment_id = $1 AND equipment_id = $2
		ORDER BY appointment_service_id`
	rows, err := r.db.QueryContext(ctx, query, appointmentID, equipmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list services of appointment %s: %w", appointmentID, err)
	}
	defer rows.Close()

	out := make([]models.AppointmentService, 0)
	for rows.Next() {
		s, err := scanAppointmentService(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan appointment service: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}
