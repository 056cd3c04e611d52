package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wisefido-energy/internal/broadcast"
	"wisefido-energy/internal/control"
	"wisefido-energy/internal/keylock"
	"wisefido-energy/internal/metrics"
	"wisefido-energy/internal/models"
	"wisefido-energy/internal/repository"
	"wisefido-energy/internal/telemetry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// overrunHighMinutes overrun beyond which a compliance alert is HIGH
const overrunHighMinutes = 30.0

// StartRequest an appointment-service asking to power a device assignment
type StartRequest struct {
	AppointmentServiceID string `json:"appointment_service_id"`
	DeviceAssignmentID   string `json:"device_assignment_id"`
}

// Manager owns device usage sessions. Commands and telemetry for one device
// assignment are serialized on that assignment; different assignments run in
// parallel. Persistence happens under the lock, relay commands and broadcasts
// after it is released.
type Manager struct {
	assignments  repository.AssignmentRepository
	appointments repository.AppointmentRepository
	sessions     repository.SessionRepository
	tracker      *telemetry.Tracker
	controller   control.Controller
	publisher    broadcast.Publisher
	locks        *keylock.Map
	logger       *zap.Logger
	metrics      *metrics.Metrics
	now          func() time.Time

	mu   sync.Mutex
	last map[string]models.Classification // last broadcast classification per assignment
}

func NewManager(
	assignments repository.AssignmentRepository,
	appointments repository.AppointmentRepository,
	sessions repository.SessionRepository,
	tracker *telemetry.Tracker,
	controller control.Controller,
	publisher broadcast.Publisher,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Manager {
	return &Manager{
		assignments:  assignments,
		appointments: appointments,
		sessions:     sessions,
		tracker:      tracker,
		controller:   controller,
		publisher:    publisher,
		locks:        keylock.New(),
		logger:       logger,
		metrics:      m,
		now:          time.Now,
		last:         make(map[string]models.Classification),
	}
}

// RequestStart opens an ACTIVE session for the appointment-service on the
// device assignment. Checks run in order: offline, busy, already completed.
func (m *Manager) RequestStart(ctx context.Context, req StartRequest) (*models.DeviceUsageSession, error) {
	a, err := m.assignments.GetAssignment(ctx, req.DeviceAssignmentID)
	if err != nil {
		return nil, m.reject("start", err)
	}
	if !a.Active {
		return nil, m.reject("start", fmt.Errorf("%w: assignment %s is inactive", models.ErrUnknownDevice, a.AssignmentID))
	}
	svc, err := m.appointments.GetAppointmentService(ctx, req.AppointmentServiceID)
	if err != nil {
		return nil, m.reject("start", err)
	}
	appt, err := m.appointments.GetAppointment(ctx, svc.AppointmentID)
	if err != nil {
		return nil, m.reject("start", err)
	}
	if appt.SystemID != a.SystemID {
		return nil, m.reject("start", fmt.Errorf("%w: assignment %s is not visible to appointment %s",
			models.ErrUnknownDevice, a.AssignmentID, appt.AppointmentID))
	}
	if svc.EquipmentID != "" && svc.EquipmentID != a.EquipmentID {
		return nil, m.reject("start", fmt.Errorf("%w: service %s runs on equipment %s, assignment %s powers %s",
			models.ErrUnknownDevice, svc.AppointmentServiceID, svc.EquipmentID, a.AssignmentID, a.EquipmentID))
	}
	if _, err := a.Threshold(); err != nil {
		return nil, m.reject("start", err)
	}

	s, err := m.startLocked(ctx, a, appt, svc)
	if err != nil {
		return nil, m.reject("start", err)
	}

	m.metrics.Transition("start")
	m.logger.Info("Session started",
		zap.String("session_id", s.SessionID),
		zap.String("device_assignment_id", a.AssignmentID),
		zap.String("appointment_id", appt.AppointmentID),
		zap.String("service_id", svc.ServiceID),
	)
	m.setRelay(ctx, a, true)
	m.emit(ctx, a, models.StatusStarted, s, "")
	return s, nil
}

func (m *Manager) startLocked(ctx context.Context, a *models.DeviceAssignment, appt *models.Appointment, svc *models.AppointmentService) (*models.DeviceUsageSession, error) {
	unlock := m.locks.Lock(a.AssignmentID)
	defer unlock()
	// always taken after the assignment lock
	unlockEquipment := m.locks.Lock("appointment|" + appt.AppointmentID + "|" + a.EquipmentID)
	defer unlockEquipment()

	now := m.now()
	if m.tracker.IsStale(a.DeviceID, now) {
		return nil, fmt.Errorf("%w: device %s", models.ErrDeviceOffline, a.DeviceID)
	}

	open, err := m.sessions.FindOpenByAssignment(ctx, a.AssignmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to check open session: %w", err)
	}
	if open != nil {
		return nil, fmt.Errorf("%w: assignment %s owned by session %s", models.ErrDeviceBusy, a.AssignmentID, open.SessionID)
	}
	open, err = m.sessions.FindOpenByAppointmentEquipment(ctx, appt.AppointmentID, a.EquipmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to check appointment sessions: %w", err)
	}
	if open != nil {
		return nil, fmt.Errorf("%w: appointment %s already runs equipment %s in session %s",
			models.ErrDeviceBusy, appt.AppointmentID, a.EquipmentID, open.SessionID)
	}

	if a.AutoShutdownEnabled {
		done, err := m.sessions.FindCompleted(ctx, appt.AppointmentID, a.AssignmentID)
		if err != nil {
			return nil, fmt.Errorf("failed to check completed sessions: %w", err)
		}
		if done != nil {
			return nil, fmt.Errorf("%w: session %s", models.ErrAlreadyCompleted, done.SessionID)
		}
	}

	started := now
	s := &models.DeviceUsageSession{
		SessionID:            uuid.New().String(),
		SystemID:             a.SystemID,
		ClinicID:             a.ClinicID,
		AppointmentID:        appt.AppointmentID,
		AppointmentServiceID: svc.AppointmentServiceID,
		ServiceID:            svc.ServiceID,
		DeviceAssignmentID:   a.AssignmentID,
		EquipmentID:          a.EquipmentID,
		ClientID:             appt.ClientID,
		EmployeeID:           appt.EmployeeID,
		Status:               models.SessionActive,
		StartedAt:            now,
		LastActiveAt:         &started,
		BaselineUsageHours:   a.EquipmentUsageHours,
		ExpectedMinutes:      svc.EffectiveMinutes(),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := m.sessions.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Pause valid only from ACTIVE; folds the open interval into the accumulated minutes
func (m *Manager) Pause(ctx context.Context, sessionID, reason string) (*models.DeviceUsageSession, error) {
	s, a, err := m.transition(ctx, sessionID, func(s *models.DeviceUsageSession, now time.Time) error {
		if s.Status != models.SessionActive {
			return fmt.Errorf("%w: cannot pause %s session %s", models.ErrInvalidTransition, s.Status, s.SessionID)
		}
		paused := now
		s.AccumulatedActiveMinutes = s.ActiveMinutesAt(now)
		s.Status = models.SessionPaused
		s.PausedAt = &paused
		s.LastActiveAt = nil
		s.PauseReason = reason
		telemetry.ResetIntegration(s)
		return nil
	})
	if err != nil {
		return nil, m.reject("pause", err)
	}

	m.metrics.Transition("pause")
	m.logger.Info("Session paused",
		zap.String("session_id", s.SessionID),
		zap.String("reason", reason),
		zap.Float64("active_minutes", s.AccumulatedActiveMinutes),
	)
	m.setRelay(ctx, a, false)
	m.emit(ctx, a, models.StatusPaused, s, reason)
	return s, nil
}

// Resume valid only from PAUSED
func (m *Manager) Resume(ctx context.Context, sessionID string) (*models.DeviceUsageSession, error) {
	s, a, err := m.transition(ctx, sessionID, func(s *models.DeviceUsageSession, now time.Time) error {
		if s.Status != models.SessionPaused {
			return fmt.Errorf("%w: cannot resume %s session %s", models.ErrInvalidTransition, s.Status, s.SessionID)
		}
		resumed := now
		s.Status = models.SessionActive
		s.PausedAt = nil
		s.LastActiveAt = &resumed
		s.PauseReason = ""
		telemetry.ResetIntegration(s)
		return nil
	})
	if err != nil {
		return nil, m.reject("resume", err)
	}

	m.metrics.Transition("resume")
	m.logger.Info("Session resumed", zap.String("session_id", s.SessionID))
	m.setRelay(ctx, a, true)
	m.emit(ctx, a, models.StatusResumed, s, "")
	return s, nil
}

// Finish valid from ACTIVE or PAUSED. Emits the completion that feeds the
// energy profiles and the anomaly scores.
func (m *Manager) Finish(ctx context.Context, sessionID, reason string) (*models.DeviceUsageSession, error) {
	s, a, err := m.transition(ctx, sessionID, func(s *models.DeviceUsageSession, now time.Time) error {
		if !s.Status.IsOpen() {
			return fmt.Errorf("%w: session %s is already %s", models.ErrInvalidTransition, s.SessionID, s.Status)
		}
		ended := now
		telemetry.CloseIntegration(s, now, m.tracker.StaleAfter())
		s.AccumulatedActiveMinutes = s.ActiveMinutesAt(now)
		s.Status = models.SessionCompleted
		s.EndedAt = &ended
		s.PausedAt = nil
		s.LastActiveAt = nil
		s.OutcomeReason = reason
		return nil
	})
	if err != nil {
		return nil, m.reject("finish", err)
	}

	m.metrics.Transition("finish")
	m.logger.Info("Session finished",
		zap.String("session_id", s.SessionID),
		zap.String("reason", reason),
		zap.Float64("active_minutes", s.AccumulatedActiveMinutes),
		zap.Float64("energy_kwh", s.EnergyConsumedKWh),
		zap.Bool("energy_known", s.EnergyKnown),
	)
	if a.AutoShutdownEnabled {
		m.setRelay(ctx, a, false)
	}
	m.emit(ctx, a, models.StatusCompleted, s, reason)
	m.checkCompliance(ctx, a, s)
	m.publishCompletion(ctx, s)
	return s, nil
}

// transition applies fn to the session under its assignment lock and persists it
func (m *Manager) transition(
	ctx context.Context,
	sessionID string,
	fn func(s *models.DeviceUsageSession, now time.Time) error,
) (*models.DeviceUsageSession, *models.DeviceAssignment, error) {
	s, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	a, err := m.assignments.GetAssignment(ctx, s.DeviceAssignmentID)
	if err != nil {
		return nil, nil, err
	}

	unlock := m.locks.Lock(s.DeviceAssignmentID)
	defer unlock()

	// re-read under the lock so a concurrent command or sample is not overwritten
	s, err = m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	now := m.now()
	if err := fn(s, now); err != nil {
		return nil, nil, err
	}
	s.UpdatedAt = now
	if err := m.sessions.UpdateSession(ctx, s); err != nil {
		return nil, nil, err
	}
	return s, a, nil
}

func (m *Manager) checkCompliance(ctx context.Context, a *models.DeviceAssignment, s *models.DeviceUsageSession) {
	if s.ExpectedMinutes <= 0 || s.AccumulatedActiveMinutes <= s.ExpectedMinutes {
		return
	}
	overrun := s.AccumulatedActiveMinutes - s.ExpectedMinutes
	severity := "MEDIUM"
	if overrun > overrunHighMinutes {
		severity = "HIGH"
	}
	m.logger.Warn("Treatment exceeded expected duration",
		zap.String("session_id", s.SessionID),
		zap.String("employee_id", s.EmployeeID),
		zap.Float64("expected_minutes", s.ExpectedMinutes),
		zap.Float64("actual_minutes", s.AccumulatedActiveMinutes),
		zap.String("severity", severity),
	)
	evt := m.statusEvent(a, models.StatusFraudAlert, s, "duration_overrun")
	evt.Classification = m.lastClassification(a.AssignmentID)
	evt.Alert = &models.ComplianceAlert{
		ExpectedMinutes: s.ExpectedMinutes,
		ActualMinutes:   s.AccumulatedActiveMinutes,
		OverrunMinutes:  overrun,
		Severity:        severity,
	}
	if err := m.publisher.Publish(ctx, evt); err != nil {
		m.logger.Warn("Failed to publish compliance alert", zap.String("session_id", s.SessionID), zap.Error(err))
	}
}

func (m *Manager) publishCompletion(ctx context.Context, s *models.DeviceUsageSession) {
	evt := models.SessionCompletedEvent{
		SessionID:            s.SessionID,
		SystemID:             s.SystemID,
		ClinicID:             s.ClinicID,
		AppointmentID:        s.AppointmentID,
		AppointmentServiceID: s.AppointmentServiceID,
		DeviceAssignmentID:   s.DeviceAssignmentID,
		EquipmentID:          s.EquipmentID,
		ServiceID:            s.ServiceID,
		ClientID:             s.ClientID,
		EmployeeID:           s.EmployeeID,
		ActiveMinutes:        s.AccumulatedActiveMinutes,
		ExpectedMinutes:      s.ExpectedMinutes,
		StartedAt:            s.StartedAt,
		Reason:               s.OutcomeReason,
	}
	if s.EndedAt != nil {
		evt.EndedAt = *s.EndedAt
	}
	if s.EnergyKnown {
		kwh := s.EnergyConsumedKWh
		evt.EnergyConsumed = &kwh
	}

	services, err := m.appointments.ListServicesForEquipment(ctx, s.AppointmentID, s.EquipmentID)
	if err != nil {
		m.logger.Warn("Failed to list services sharing the session",
			zap.String("session_id", s.SessionID),
			zap.Error(err),
		)
	}
	for _, svc := range services {
		evt.Services = append(evt.Services, models.ServiceShare{ServiceID: svc.ServiceID, EffectiveMinutes: svc.EffectiveMinutes()})
	}

	if err := m.publisher.PublishCompletion(ctx, evt); err != nil {
		m.logger.Error("Failed to publish session completion",
			zap.String("session_id", s.SessionID),
			zap.Error(err),
		)
	}
}

func (m *Manager) setRelay(ctx context.Context, a *models.DeviceAssignment, on bool) {
	if m.controller == nil {
		return
	}
	if err := m.controller.SetRelay(ctx, a, on); err != nil {
		m.logger.Warn("Relay command failed, state will be reconciled from telemetry",
			zap.String("device_assignment_id", a.AssignmentID),
			zap.String("device_id", a.DeviceID),
			zap.Bool("on", on),
			zap.Error(err),
		)
	}
}

// reject counts business-rule rejections by reason and passes err through
func (m *Manager) reject(command string, err error) error {
	m.metrics.Rejected(command, Reason(err))
	m.logger.Debug("Command rejected", zap.String("command", command), zap.Error(err))
	return err
}

// Reason short label for a rejection
func Reason(err error) string {
	switch {
	case errors.Is(err, models.ErrDeviceOffline):
		return "offline"
	case errors.Is(err, models.ErrDeviceBusy):
		return "busy"
	case errors.Is(err, models.ErrAlreadyCompleted):
		return "already_completed"
	case errors.Is(err, models.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, models.ErrUnknownDevice):
		return "unknown_device"
	case errors.Is(err, models.ErrUnknownSession):
		return "unknown_session"
	case errors.Is(err, models.ErrUnknownAppointment):
		return "unknown_appointment"
	case errors.Is(err, models.ErrConfigurationInvalid):
		return "misconfigured"
	default:
		return "error"
	}
}
