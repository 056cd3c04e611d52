package models

import (
	"math"
	"time"
)

// ServiceEnergyProfile running statistics for one (system, equipment, service) key.
// M2 fields hold Welford's sum of squared differences.
type ServiceEnergyProfile struct {
	SystemID    string `json:"system_id"`
	EquipmentID string `json:"equipment_id"`
	ServiceID   string `json:"service_id"`

	SampleCount int64 `json:"sample_count"`

	EnergyPerMinuteMean float64 `json:"energy_per_minute_mean"` // kWh/min
	EnergyPerMinuteM2   float64 `json:"energy_per_minute_m2"`
	DurationMean        float64 `json:"duration_mean"` // minutes
	DurationM2          float64 `json:"duration_m2"`

	UpdatedAt time.Time `json:"updated_at"`
}

// EnergyPerMinuteStdDev population standard deviation, 0 when empty
func (p *ServiceEnergyProfile) EnergyPerMinuteStdDev() float64 {
	if p.SampleCount == 0 {
		return 0
	}
	return math.Sqrt(p.EnergyPerMinuteM2 / float64(p.SampleCount))
}

// DurationStdDev population standard deviation, 0 when empty
func (p *ServiceEnergyProfile) DurationStdDev() float64 {
	if p.SampleCount == 0 {
		return 0
	}
	return math.Sqrt(p.DurationM2 / float64(p.SampleCount))
}

// EnergyInsight flags a session whose consumption left the expected band
type EnergyInsight struct {
	SessionID        string     `json:"session_id"`
	Tag              PatternTag `json:"tag"`
	ActualKWh        float64    `json:"actual_kwh"`
	ExpectedKWh      float64    `json:"expected_kwh"`
	DeviationPercent float64    `json:"deviation_percent"`
	Confidence       string     `json:"confidence"`
}
