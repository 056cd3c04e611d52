package models

import "time"

// StatusEventKind what happened to a device assignment
type StatusEventKind string

const (
	StatusStarted        StatusEventKind = "started"
	StatusPaused         StatusEventKind = "paused"
	StatusResumed        StatusEventKind = "resumed"
	StatusCompleted      StatusEventKind = "completed"
	StatusClassification StatusEventKind = "classification"
	StatusFraudAlert     StatusEventKind = "fraud_alert"
)

// StatusEvent live status stream entry. Advisory only.
type StatusEvent struct {
	EventID            string           `json:"event_id"`
	Kind               StatusEventKind  `json:"kind"`
	SystemID           string           `json:"system_id"`
	DeviceAssignmentID string           `json:"device_assignment_id"`
	DeviceID           string           `json:"device_id"`
	Classification     Classification   `json:"classification"`
	SessionID          string           `json:"session_id,omitempty"`
	AppointmentID      string           `json:"appointment_id,omitempty"`
	Since              time.Time        `json:"since_timestamp"`
	Reason             string           `json:"reason,omitempty"`
	Alert              *ComplianceAlert `json:"alert,omitempty"`
}

// ComplianceAlert overrun of the expected treatment duration
type ComplianceAlert struct {
	ExpectedMinutes float64 `json:"expected_minutes"`
	ActualMinutes   float64 `json:"actual_minutes"`
	OverrunMinutes  float64 `json:"overrun_minutes"`
	Severity        string  `json:"severity"`
}

// ServiceShare a service sharing a completed session on the same equipment
type ServiceShare struct {
	ServiceID        string  `json:"service_id"`
	EffectiveMinutes float64 `json:"effective_minutes"`
}

// SessionCompletedEvent sole trigger for profile and score updates
type SessionCompletedEvent struct {
	EventID              string  `json:"event_id"`
	SessionID            string  `json:"session_id"`
	SystemID             string  `json:"system_id"`
	ClinicID             string  `json:"clinic_id"`
	AppointmentID        string  `json:"appointment_id"`
	AppointmentServiceID string  `json:"appointment_service_id"`
	DeviceAssignmentID   string  `json:"device_assignment_id"`
	EquipmentID          string  `json:"equipment_id"`
	ServiceID            string  `json:"service_id"`
	ClientID             string  `json:"client_id"`
	EmployeeID           string  `json:"employee_id"`
	ActiveMinutes        float64 `json:"active_minutes"`
	// EnergyConsumed kWh, nil when no telemetry was integrated
	EnergyConsumed  *float64       `json:"energy_consumed"`
	ExpectedMinutes float64        `json:"expected_minutes"`
	Services        []ServiceShare `json:"services,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	EndedAt         time.Time      `json:"ended_at"`
	Reason          string         `json:"reason,omitempty"`
}

// ServiceShares the services to attribute the session to; the session's own
// service when none were listed.
func (e *SessionCompletedEvent) ServiceShares() []ServiceShare {
	if len(e.Services) > 0 {
		return e.Services
	}
	return []ServiceShare{{ServiceID: e.ServiceID, EffectiveMinutes: e.ExpectedMinutes}}
}
