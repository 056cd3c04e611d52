package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Device kinds understood by the control and ingest layers
const (
	DeviceKindShellyGen1 = "shelly_gen1"
	DeviceKindShellyGen2 = "shelly_gen2"
)

// DeviceAssignment a smart relay bound to one piece of equipment at one clinic.
// Read-only to this service; configuration lives elsewhere.
type DeviceAssignment struct {
	AssignmentID string `json:"assignment_id"`
	SystemID     string `json:"system_id"`
	ClinicID     string `json:"clinic_id"`
	DeviceID     string `json:"device_id"`
	EquipmentID  string `json:"equipment_id"`
	DeviceKind   string `json:"device_kind"`
	Endpoint     string `json:"endpoint,omitempty"` // HTTP base URL, empty when controlled over MQTT

	// PowerThreshold is the raw configured value in watts. nil or non-numeric
	// means the assignment is misconfigured; there is no default.
	PowerThreshold      *string `json:"power_threshold"`
	AutoShutdownEnabled bool    `json:"auto_shutdown_enabled"`
	Active              bool    `json:"active"`

	// EquipmentUsageHours cumulative usage counter of the equipment
	EquipmentUsageHours float64 `json:"equipment_usage_hours"`
}

// Threshold parses the configured power threshold
func (a *DeviceAssignment) Threshold() (float64, error) {
	if a.PowerThreshold == nil {
		return 0, fmt.Errorf("%w: power threshold missing for assignment %s", ErrConfigurationInvalid, a.AssignmentID)
	}
	raw := strings.TrimSpace(*a.PowerThreshold)
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: power threshold %q is not a non-negative number for assignment %s",
			ErrConfigurationInvalid, raw, a.AssignmentID)
	}
	return v, nil
}

// TelemetryEvent canonical device state update
type TelemetryEvent struct {
	DeviceID     string   `json:"device_id"`
	Online       bool     `json:"online"`
	RelayOn      bool     `json:"relay_on"`
	CurrentPower float64  `json:"current_power"` // W
	Voltage      float64  `json:"voltage"`
	Temperature  *float64 `json:"temperature,omitempty"`
	// TotalEnergyWh device-side cumulative counter, when the device reports one
	TotalEnergyWh *float64  `json:"total_energy_wh,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Classification display status of a device assignment
type Classification string

const (
	ClassificationMisconfigured        Classification = "misconfigured"
	ClassificationOffline              Classification = "offline"
	ClassificationCompleted            Classification = "completed"
	ClassificationInUseThisAppointment Classification = "in_use_this_appointment"
	ClassificationOccupied             Classification = "occupied"
	ClassificationUnauthorizedUse      Classification = "unauthorized_use"
	ClassificationAvailable            Classification = "available"
)

// DeviceStatus result of classifying one assignment
type DeviceStatus struct {
	DeviceAssignmentID string         `json:"device_assignment_id"`
	DeviceID           string         `json:"device_id"`
	EquipmentID        string         `json:"equipment_id"`
	Classification     Classification `json:"classification"`
	SessionID          string         `json:"session_id,omitempty"`
	OwnerAppointmentID string         `json:"owner_appointment_id,omitempty"`
	CurrentPower       float64        `json:"current_power"`
	Since              time.Time      `json:"since_timestamp"`
}
