package energy

import (
	"context"
	"fmt"
	"math"

	"wisefido-energy/internal/models"
	"wisefido-energy/internal/repository"
)

// Confidence how much of an expectation comes from measured profiles
type Confidence string

const (
	ConfidenceHigh         Confidence = "high"
	ConfidenceMedium       Confidence = "medium"
	ConfidenceLow          Confidence = "low"
	ConfidenceInsufficient Confidence = "insufficient_data"
)

const (
	// theoreticalKWhPerMinute 3.5 kWh/h, used for services without a usable profile
	theoreticalKWhPerMinute = 3.5 / 60
	theoreticalStdDevRatio  = 0.2
	flatProfileStdDevRatio  = 0.1

	insightDeviationPercent = 25.0
	insightMinBandRatio     = 0.25
)

// Expectation expected consumption of a set of services on one equipment
type Expectation struct {
	ExpectedKWh      float64    `json:"expected_kwh"`
	StdDevSumKWh     float64    `json:"stddev_sum_kwh"`
	Confidence       Confidence `json:"confidence"`
	ProfiledServices int        `json:"profiled_services"`
	TotalServices    int        `json:"total_services"`
}

// ExpectedEnergy sums minutes × mean kWh/min over services. Profiles with fewer
// than minSamples samples fall back to the theoretical rate.
func ExpectedEnergy(profiles map[string]*models.ServiceEnergyProfile, services []models.ServiceShare, minSamples int64) Expectation {
	e := Expectation{TotalServices: len(services)}
	for _, svc := range services {
		minutes := svc.EffectiveMinutes
		if minutes <= 0 {
			minutes = defaultTreatmentMinutes
		}
		p := profiles[svc.ServiceID]
		if p == nil || p.SampleCount < minSamples {
			e.ExpectedKWh += minutes * theoreticalKWhPerMinute
			e.StdDevSumKWh += minutes * theoreticalKWhPerMinute * theoreticalStdDevRatio
			continue
		}
		e.ProfiledServices++
		sigma := p.EnergyPerMinuteStdDev()
		if sigma == 0 && p.EnergyPerMinuteMean > 0 {
			sigma = p.EnergyPerMinuteMean * flatProfileStdDevRatio
		}
		e.ExpectedKWh += minutes * p.EnergyPerMinuteMean
		e.StdDevSumKWh += minutes * sigma
	}

	coverage := 0.0
	if e.TotalServices > 0 {
		coverage = float64(e.ProfiledServices) / float64(e.TotalServices)
	}
	switch {
	case e.ProfiledServices == 0:
		e.Confidence = ConfidenceInsufficient
	case coverage >= 0.8:
		e.Confidence = ConfidenceHigh
	case coverage >= 0.5:
		e.Confidence = ConfidenceMedium
	default:
		e.Confidence = ConfidenceLow
	}
	return e
}

// EvaluateConsumption flags consumption outside expected ± max(2σ, 25%) that
// also deviates by more than 25%. Returns nil when nothing stands out.
func EvaluateConsumption(sessionID string, actualKWh float64, exp Expectation) *models.EnergyInsight {
	if exp.Confidence == ConfidenceInsufficient || exp.ExpectedKWh <= 0 {
		return nil
	}
	deviation := (actualKWh - exp.ExpectedKWh) / exp.ExpectedKWh * 100
	if math.Abs(deviation) <= insightDeviationPercent {
		return nil
	}
	band := math.Max(2*exp.StdDevSumKWh, insightMinBandRatio*exp.ExpectedKWh)

	var tag models.PatternTag
	switch {
	case actualKWh > exp.ExpectedKWh+band:
		tag = models.PatternOverConsumption
	case actualKWh < exp.ExpectedKWh-band:
		tag = models.PatternUnderConsumption
	default:
		return nil
	}
	return &models.EnergyInsight{
		SessionID:        sessionID,
		Tag:              tag,
		ActualKWh:        actualKWh,
		ExpectedKWh:      exp.ExpectedKWh,
		DeviationPercent: deviation,
		Confidence:       string(exp.Confidence),
	}
}

// Estimator evaluates completed sessions against the stored profiles
type Estimator struct {
	profiles   repository.ProfileRepository
	minSamples int64
}

func NewEstimator(profiles repository.ProfileRepository, minSamples int64) *Estimator {
	return &Estimator{profiles: profiles, minSamples: minSamples}
}

// Evaluate returns the consumption insight of a completed session, or nil
func (e *Estimator) Evaluate(ctx context.Context, evt *models.SessionCompletedEvent) (*models.EnergyInsight, error) {
	if ValidateSample(evt) != nil {
		return nil, nil
	}
	services := evt.ServiceShares()
	profiles := make(map[string]*models.ServiceEnergyProfile, len(services))
	for _, svc := range services {
		p, err := e.profiles.GetProfile(ctx, evt.SystemID, evt.EquipmentID, svc.ServiceID)
		if err != nil {
			return nil, fmt.Errorf("failed to load profile for %s: %w", svc.ServiceID, err)
		}
		profiles[svc.ServiceID] = p
	}
	return EvaluateConsumption(evt.SessionID, *evt.EnergyConsumed, ExpectedEnergy(profiles, services, e.minSamples)), nil
}
