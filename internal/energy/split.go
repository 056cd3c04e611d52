package energy

import (
	"fmt"
	"math"

	"wisefido-energy/internal/models"
)

// defaultTreatmentMinutes used when no service carries a configured duration
const defaultTreatmentMinutes = 15

// Share part of a completed session attributed to one service
type Share struct {
	ServiceID string
	Minutes   float64
	EnergyKWh float64
}

// EnergyPerMinute kWh per active minute of the share
func (s Share) EnergyPerMinute() float64 {
	return s.EnergyKWh / s.Minutes
}

// ValidateSample reports why a completion cannot feed statistics
func ValidateSample(evt *models.SessionCompletedEvent) error {
	if math.IsNaN(evt.ActiveMinutes) || evt.ActiveMinutes <= 0 {
		return fmt.Errorf("%w: active minutes %v", models.ErrInvalidSample, evt.ActiveMinutes)
	}
	if evt.EnergyConsumed == nil {
		return fmt.Errorf("%w: no energy data", models.ErrInvalidSample)
	}
	if e := *evt.EnergyConsumed; math.IsNaN(e) || math.IsInf(e, 0) || e < 0 {
		return fmt.Errorf("%w: energy %v", models.ErrInvalidSample, e)
	}
	return nil
}

// SplitSession distributes minutes and energy across the services of a
// session, proportionally to each service's effective treatment duration.
// Services without a duration are excluded; if none has one the session is
// split evenly.
func SplitSession(activeMinutes, energyKWh float64, services []models.ServiceShare) []Share {
	if len(services) == 0 {
		return nil
	}
	if len(services) == 1 {
		return []Share{{ServiceID: services[0].ServiceID, Minutes: activeMinutes, EnergyKWh: energyKWh}}
	}

	var total float64
	for _, s := range services {
		if s.EffectiveMinutes > 0 {
			total += s.EffectiveMinutes
		}
	}

	out := make([]Share, 0, len(services))
	if total == 0 {
		n := float64(len(services))
		for _, s := range services {
			out = append(out, Share{ServiceID: s.ServiceID, Minutes: activeMinutes / n, EnergyKWh: energyKWh / n})
		}
		return out
	}
	for _, s := range services {
		if s.EffectiveMinutes <= 0 {
			continue
		}
		ratio := s.EffectiveMinutes / total
		out = append(out, Share{ServiceID: s.ServiceID, Minutes: activeMinutes * ratio, EnergyKWh: energyKWh * ratio})
	}
	return out
}
