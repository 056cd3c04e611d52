package models

import "time"

// Appointment read-only view of the fields the engine needs
type Appointment struct {
	AppointmentID string    `json:"appointment_id"`
	SystemID      string    `json:"system_id"`
	ClinicID      string    `json:"clinic_id"`
	ClientID      string    `json:"client_id"`
	EmployeeID    string    `json:"employee_id"`
	ScheduledAt   time.Time `json:"scheduled_at"`
}

// AppointmentService one validated service line of an appointment
type AppointmentService struct {
	AppointmentServiceID     string `json:"appointment_service_id"`
	AppointmentID            string `json:"appointment_id"`
	ServiceID                string `json:"service_id"`
	EquipmentID              string `json:"equipment_id"`
	TreatmentDurationMinutes int    `json:"treatment_duration_minutes"`
	DurationMinutes          int    `json:"duration_minutes"`
}

// EffectiveMinutes configured treatment duration, falling back to the booked duration
func (s AppointmentService) EffectiveMinutes() float64 {
	if s.TreatmentDurationMinutes > 0 {
		return float64(s.TreatmentDurationMinutes)
	}
	if s.DurationMinutes > 0 {
		return float64(s.DurationMinutes)
	}
	return 0
}
