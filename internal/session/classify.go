package session

import (
	"context"
	"time"

	"wisefido-energy/internal/models"

	"go.uber.org/zap"
)

// Classify display status of one assignment as seen by appointmentID.
// An empty appointmentID gives the dashboard view, where every open session
// is occupied and the completed lock never applies.
func (m *Manager) Classify(ctx context.Context, assignmentID, appointmentID string) (models.DeviceStatus, error) {
	a, err := m.assignments.GetAssignment(ctx, assignmentID)
	if err != nil {
		return models.DeviceStatus{}, err
	}
	return m.classify(ctx, a, appointmentID), nil
}

// ClassifyForAppointment classifies every active assignment in the appointment's clinic
func (m *Manager) ClassifyForAppointment(ctx context.Context, appointmentID string) ([]models.DeviceStatus, error) {
	appt, err := m.appointments.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	assignments, err := m.assignments.ListAssignmentsByClinic(ctx, appt.SystemID, appt.ClinicID)
	if err != nil {
		return nil, err
	}
	out := make([]models.DeviceStatus, 0, len(assignments))
	for _, a := range assignments {
		out = append(out, m.classify(ctx, a, appointmentID))
	}
	return out, nil
}

// classify walks the priority list: misconfigured, offline, completed,
// in use by this appointment, occupied, unauthorized use, available.
// Lookup failures resolve to offline, never to available.
func (m *Manager) classify(ctx context.Context, a *models.DeviceAssignment, appointmentID string) models.DeviceStatus {
	now := m.now()
	st := models.DeviceStatus{
		DeviceAssignmentID: a.AssignmentID,
		DeviceID:           a.DeviceID,
		EquipmentID:        a.EquipmentID,
	}
	latest, seen := m.tracker.Latest(a.DeviceID)
	if seen {
		st.CurrentPower = latest.CurrentPower
		st.Since = m.tracker.LastSeen(a.DeviceID)
	}

	threshold, err := a.Threshold()
	if err != nil {
		st.Classification = models.ClassificationMisconfigured
		m.logger.Debug("Device assignment misconfigured",
			zap.String("device_assignment_id", a.AssignmentID),
			zap.Error(err),
		)
		return st
	}

	if m.tracker.IsStale(a.DeviceID, now) {
		st.Classification = models.ClassificationOffline
		return st
	}

	offline := func(err error) models.DeviceStatus {
		m.logger.Error("Classification lookup failed, reporting offline",
			zap.String("device_assignment_id", a.AssignmentID),
			zap.Error(err),
		)
		st.Classification = models.ClassificationOffline
		return st
	}

	if appointmentID != "" && a.AutoShutdownEnabled {
		done, err := m.sessions.FindCompleted(ctx, appointmentID, a.AssignmentID)
		if err != nil {
			return offline(err)
		}
		if done != nil {
			st.Classification = models.ClassificationCompleted
			st.SessionID = done.SessionID
			st.OwnerAppointmentID = done.AppointmentID
			st.Since = done.Since()
			return st
		}
	}

	open, err := m.sessions.FindOpenByAssignment(ctx, a.AssignmentID)
	if err != nil {
		return offline(err)
	}
	if open != nil {
		st.Classification = models.ClassificationOccupied
		if appointmentID != "" && open.AppointmentID == appointmentID {
			st.Classification = models.ClassificationInUseThisAppointment
		}
		st.SessionID = open.SessionID
		st.OwnerAppointmentID = open.AppointmentID
		st.Since = open.Since()
		return st
	}

	if latest.CurrentPower > threshold {
		st.Classification = models.ClassificationUnauthorizedUse
		return st
	}

	st.Classification = models.ClassificationAvailable
	return st
}

func (m *Manager) statusEvent(a *models.DeviceAssignment, kind models.StatusEventKind, s *models.DeviceUsageSession, reason string) models.StatusEvent {
	evt := models.StatusEvent{
		Kind:               kind,
		SystemID:           a.SystemID,
		DeviceAssignmentID: a.AssignmentID,
		DeviceID:           a.DeviceID,
		Reason:             reason,
		Since:              m.now(),
	}
	if s != nil {
		evt.SessionID = s.SessionID
		evt.AppointmentID = s.AppointmentID
		evt.Since = s.Since()
	}
	return evt
}

// emit publishes a transition with the assignment's dashboard classification
// and records that classification so the sweeper does not repeat it
func (m *Manager) emit(ctx context.Context, a *models.DeviceAssignment, kind models.StatusEventKind, s *models.DeviceUsageSession, reason string) {
	st := m.classify(ctx, a, "")
	m.remember(a.AssignmentID, st.Classification)

	evt := m.statusEvent(a, kind, s, reason)
	evt.Classification = st.Classification
	if err := m.publisher.Publish(ctx, evt); err != nil {
		m.logger.Warn("Failed to publish status event",
			zap.String("device_assignment_id", a.AssignmentID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
}

// refresh publishes a classification event when the dashboard classification changed
func (m *Manager) refresh(ctx context.Context, a *models.DeviceAssignment) {
	st := m.classify(ctx, a, "")
	if !m.remember(a.AssignmentID, st.Classification) {
		return
	}
	switch st.Classification {
	case models.ClassificationMisconfigured:
		m.logger.Error("Device assignment misconfigured, power threshold unusable",
			zap.String("device_assignment_id", a.AssignmentID),
			zap.String("device_id", a.DeviceID),
		)
	case models.ClassificationUnauthorizedUse:
		m.metrics.Transition("unauthorized_use")
		m.logger.Warn("Unauthorized device use",
			zap.String("device_assignment_id", a.AssignmentID),
			zap.String("device_id", a.DeviceID),
			zap.Float64("current_power", st.CurrentPower),
		)
	}

	evt := m.statusEvent(a, models.StatusClassification, nil, "")
	evt.Classification = st.Classification
	evt.SessionID = st.SessionID
	evt.AppointmentID = st.OwnerAppointmentID
	if !st.Since.IsZero() {
		evt.Since = st.Since
	}
	if err := m.publisher.Publish(ctx, evt); err != nil {
		m.logger.Warn("Failed to publish classification",
			zap.String("device_assignment_id", a.AssignmentID),
			zap.Error(err),
		)
	}
}

// remember stores c and reports whether it differs from the previous value
func (m *Manager) remember(assignmentID string, c models.Classification) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.last[assignmentID]
	m.last[assignmentID] = c
	return !ok || prev != c
}

func (m *Manager) lastClassification(assignmentID string) models.Classification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last[assignmentID]
}

// Sweep re-evaluates every active assignment once
func (m *Manager) Sweep(ctx context.Context) {
	assignments, err := m.assignments.ListActiveAssignments(ctx)
	if err != nil {
		m.logger.Error("Failed to list assignments for sweep", zap.Error(err))
		return
	}
	for _, a := range assignments {
		m.refresh(ctx, a)
	}
}

// RunSweeper sweeps every interval until ctx is done. Devices that went silent
// are reported offline; sessions are never modified.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.logger.Info("Staleness sweeper started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}
