package anomaly

import (
	"math"
	"time"

	"wisefido-energy/internal/config"
	"wisefido-energy/internal/models"
)

// Observation one completed session as seen from a client or an employee
type Observation struct {
	SessionID        string
	ClinicID         string
	CounterpartID    string // employee for client records, client for employee records
	DeviationPercent float64
	Anomalous        bool
	ConsumptionTag   models.PatternTag // empty unless the energy estimator flagged the session
	At               time.Time
}

// Apply folds one observation into rec by incrementing its counters, then
// recomputes the derived fields. History is never replayed.
func Apply(rec *models.AnomalyScore, obs Observation, w config.RiskWeights) {
	rec.TotalServices++
	if obs.ClinicID != "" {
		rec.ClinicID = obs.ClinicID
	}

	if obs.Anomalous {
		rec.TotalAnomalies++
		abs := math.Abs(obs.DeviationPercent)
		rec.AvgDeviationPercent += (abs - rec.AvgDeviationPercent) / float64(rec.TotalAnomalies)
		if abs > rec.MaxDeviationPercent {
			rec.MaxDeviationPercent = abs
		}
		if obs.CounterpartID != "" {
			rec.Counterparts[obs.CounterpartID]++
		}
		rec.Patterns[DurationTag(obs.DeviationPercent)]++
		rec.TimeBuckets[Bucket(obs.At)]++
		if rec.LastAnomalyDate == nil || obs.At.After(*rec.LastAnomalyDate) {
			at := obs.At
			rec.LastAnomalyDate = &at
		}
		if rec.Kind == models.EntityEmployee {
			adjustEfficiency(rec, obs.DeviationPercent)
		}
	}

	if obs.ConsumptionTag != "" {
		rec.Patterns[obs.ConsumptionTag]++
	}

	Recompute(rec, w)
}

const (
	efficiencyPenalty = 5.0
	efficiencyReward  = 3.0
)

// adjustEfficiency over-duration anomalies cost efficiency, short ones earn it
func adjustEfficiency(rec *models.AnomalyScore, deviationPercent float64) {
	eff := 100.0
	if rec.AvgEfficiency != nil {
		eff = *rec.AvgEfficiency
	}
	if deviationPercent > 0 {
		eff -= efficiencyPenalty
	} else {
		eff += efficiencyReward
	}
	eff = clampPercent(eff)
	rec.AvgEfficiency = &eff
}

// consistencyFor 100 when no service deviated, 0 from a 50% anomaly rate up
func consistencyFor(anomalyRate float64) float64 {
	return clampPercent(100 - 2*anomalyRate)
}

func clampPercent(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

func ensureMaps(rec *models.AnomalyScore) {
	if rec.Counterparts == nil {
		rec.Counterparts = map[string]int64{}
	}
	if rec.Patterns == nil {
		rec.Patterns = map[models.PatternTag]int64{}
	}
	if rec.TimeBuckets == nil {
		rec.TimeBuckets = map[models.TimeBucket]int64{}
	}
	if rec.Indicators == nil {
		rec.Indicators = []models.PatternTag{}
	}
	if rec.Kind == models.EntityEmployee && rec.AvgEfficiency == nil {
		eff := 100.0
		rec.AvgEfficiency = &eff
	}
}
