package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wisefido-energy/internal/models"
	"wisefido-energy/internal/telemetry"

	"go.uber.org/zap"
)

// ApplyTelemetry records a device sample, integrates energy into the
// assignment's active session and broadcasts classification changes.
// Samples from devices without an active assignment only update the tracker.
func (m *Manager) ApplyTelemetry(ctx context.Context, evt models.TelemetryEvent, receivedAt time.Time) error {
	m.tracker.Observe(evt, receivedAt)

	a, err := m.assignments.GetAssignmentByDevice(ctx, evt.DeviceID)
	if errors.Is(err, models.ErrUnknownDevice) {
		m.metrics.TelemetryReceived("unassigned")
		return nil
	}
	if err != nil {
		return err
	}

	if err := m.integrate(ctx, a, evt); err != nil {
		return err
	}
	m.metrics.TelemetryReceived("applied")
	m.refresh(ctx, a)
	return nil
}

func (m *Manager) integrate(ctx context.Context, a *models.DeviceAssignment, evt models.TelemetryEvent) error {
	unlock := m.locks.Lock(a.AssignmentID)
	defer unlock()

	s, err := m.sessions.FindOpenByAssignment(ctx, a.AssignmentID)
	if err != nil {
		return fmt.Errorf("failed to load open session: %w", err)
	}
	if s == nil || s.Status != models.SessionActive {
		return nil
	}

	before := s.LastSampleAt
	telemetry.Integrate(s, evt, m.tracker.StaleAfter())
	if s.LastSampleAt == before {
		return nil
	}
	s.UpdatedAt = m.now()
	if err := m.sessions.UpdateSession(ctx, s); err != nil {
		return fmt.Errorf("failed to save session energy: %w", err)
	}
	m.logger.Debug("Session energy integrated",
		zap.String("session_id", s.SessionID),
		zap.Float64("energy_kwh", s.EnergyConsumedKWh),
		zap.Float64("current_power", evt.CurrentPower),
	)
	return nil
}
