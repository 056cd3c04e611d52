package models

import "time"

// SessionStatus lifecycle state of a DeviceUsageSession.
// AVAILABLE is the absence of a session and never stored.
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionPaused    SessionStatus = "PAUSED"
	SessionCompleted SessionStatus = "COMPLETED"
)

// IsOpen reports whether the session still owns its device assignment
func (s SessionStatus) IsOpen() bool {
	return s == SessionActive || s == SessionPaused
}

// DeviceUsageSession one device powering one appointment-service
type DeviceUsageSession struct {
	SessionID            string        `json:"session_id"`
	SystemID             string        `json:"system_id"`
	ClinicID             string        `json:"clinic_id"`
	AppointmentID        string        `json:"appointment_id"`
	AppointmentServiceID string        `json:"appointment_service_id"`
	ServiceID            string        `json:"service_id"`
	DeviceAssignmentID   string        `json:"device_assignment_id"`
	EquipmentID          string        `json:"equipment_id"`
	ClientID             string        `json:"client_id"`
	EmployeeID           string        `json:"employee_id"`
	Status               SessionStatus `json:"status"`

	StartedAt    time.Time  `json:"started_at"`
	PausedAt     *time.Time `json:"paused_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"` // start of the open active interval

	AccumulatedActiveMinutes float64 `json:"accumulated_active_minutes"`
	EnergyConsumedKWh        float64 `json:"energy_consumed_kwh"`
	EnergyKnown              bool    `json:"energy_known"`

	// Integration state carried between telemetry samples
	LastSampleAt  *time.Time `json:"last_sample_at,omitempty"`
	LastPowerW    float64    `json:"last_power_w"`
	LastCounterWh *float64   `json:"last_counter_wh,omitempty"`

	BaselineUsageHours float64 `json:"baseline_usage_hours"`
	ExpectedMinutes    float64 `json:"expected_minutes"`
	PauseReason        string  `json:"pause_reason,omitempty"`
	OutcomeReason      string  `json:"outcome_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActiveMinutesAt accumulated minutes plus the open interval, if any, up to now
func (s *DeviceUsageSession) ActiveMinutesAt(now time.Time) float64 {
	total := s.AccumulatedActiveMinutes
	if s.Status == SessionActive && s.LastActiveAt != nil && now.After(*s.LastActiveAt) {
		total += now.Sub(*s.LastActiveAt).Minutes()
	}
	return total
}

// Since the timestamp the current classification of this session started
func (s *DeviceUsageSession) Since() time.Time {
	switch {
	case s.EndedAt != nil:
		return *s.EndedAt
	case s.PausedAt != nil:
		return *s.PausedAt
	case s.LastActiveAt != nil:
		return *s.LastActiveAt
	}
	return s.StartedAt
}
