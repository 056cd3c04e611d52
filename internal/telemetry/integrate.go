package telemetry

import (
	"time"

	"wisefido-energy/internal/models"
)

// Integrate adds the energy drawn between the session's previous sample and evt.
// The device counter delta is preferred; otherwise power is integrated with the
// trapezoid rule. Gaps longer than maxGap contribute nothing. Only ACTIVE
// sessions accumulate; out-of-order samples are dropped.
func Integrate(s *models.DeviceUsageSession, evt models.TelemetryEvent, maxGap time.Duration) {
	if s.Status != models.SessionActive {
		return
	}
	if s.LastSampleAt != nil && !evt.Timestamp.After(*s.LastSampleAt) {
		return
	}

	switch {
	case evt.TotalEnergyWh != nil && s.LastCounterWh != nil && *evt.TotalEnergyWh >= *s.LastCounterWh:
		s.EnergyConsumedKWh += (*evt.TotalEnergyWh - *s.LastCounterWh) / 1000
	case s.LastSampleAt != nil:
		dt := evt.Timestamp.Sub(*s.LastSampleAt)
		if dt <= maxGap {
			avgW := (s.LastPowerW + evt.CurrentPower) / 2
			s.EnergyConsumedKWh += avgW * dt.Hours() / 1000
		}
	}

	ts := evt.Timestamp
	s.LastSampleAt = &ts
	s.LastPowerW = evt.CurrentPower
	s.LastCounterWh = nil
	if evt.TotalEnergyWh != nil {
		wh := *evt.TotalEnergyWh
		s.LastCounterWh = &wh
	}
	s.EnergyKnown = true
}

// CloseIntegration extends the last sample's power up to end, so the interval
// between the final sample and the end of the session is counted. Gaps longer
// than maxGap contribute nothing.
func CloseIntegration(s *models.DeviceUsageSession, end time.Time, maxGap time.Duration) {
	if s.Status != models.SessionActive || s.LastSampleAt == nil {
		return
	}
	dt := end.Sub(*s.LastSampleAt)
	if dt <= 0 || dt > maxGap {
		return
	}
	s.EnergyConsumedKWh += s.LastPowerW * dt.Hours() / 1000
	ts := end
	s.LastSampleAt = &ts
}

// ResetIntegration forgets the previous sample so no energy is integrated across a pause
func ResetIntegration(s *models.DeviceUsageSession) {
	s.LastSampleAt = nil
	s.LastPowerW = 0
	s.LastCounterWh = nil
}
