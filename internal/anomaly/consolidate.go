package anomaly

import (
	"wisefido-energy/internal/models"
)

// Consolidate merges duplicate records of one entity. Totals and counter maps
// are summed, risk score and max deviation take the maximum, avg deviation is
// the simple average over records that saw anomalies, indicator sets are
// unioned and the latest anomaly date wins. Clinic metadata comes from the
// riskiest record. The first non-empty ID is kept. Employee efficiency is the
// service-weighted average and consistency follows the merged anomaly rate.
func Consolidate(records []*models.AnomalyScore) *models.AnomalyScore {
	var merged *models.AnomalyScore
	var riskiest *models.AnomalyScore
	var devSum float64
	var devN int
	var effSum float64
	var effWeight int64

	for _, r := range records {
		if r == nil {
			continue
		}
		if merged == nil {
			merged = models.NewAnomalyScore(r.Kind, r.SystemID, r.EntityID)
		}
		if merged.ID == "" {
			merged.ID = r.ID
		}

		merged.TotalServices += r.TotalServices
		merged.TotalAnomalies += r.TotalAnomalies
		if r.MaxDeviationPercent > merged.MaxDeviationPercent {
			merged.MaxDeviationPercent = r.MaxDeviationPercent
		}
		if r.TotalAnomalies > 0 {
			devSum += r.AvgDeviationPercent
			devN++
		}
		if r.AvgEfficiency != nil && r.TotalServices > 0 {
			effSum += *r.AvgEfficiency * float64(r.TotalServices)
			effWeight += r.TotalServices
		}
		if riskiest == nil || r.RiskScore > riskiest.RiskScore {
			riskiest = r
		}

		for id, c := range r.Counterparts {
			merged.Counterparts[id] += c
		}
		for tag, c := range r.Patterns {
			merged.Patterns[tag] += c
		}
		for b, c := range r.TimeBuckets {
			merged.TimeBuckets[b] += c
		}
		for _, tag := range r.Indicators {
			if !merged.HasIndicator(tag) {
				merged.Indicators = append(merged.Indicators, tag)
			}
		}

		if r.LastAnomalyDate != nil && (merged.LastAnomalyDate == nil || r.LastAnomalyDate.After(*merged.LastAnomalyDate)) {
			at := *r.LastAnomalyDate
			merged.LastAnomalyDate = &at
		}
		if r.LastCalculated.After(merged.LastCalculated) {
			merged.LastCalculated = r.LastCalculated
		}
	}
	if merged == nil {
		return nil
	}

	if devN > 0 {
		merged.AvgDeviationPercent = devSum / float64(devN)
	}
	if merged.TotalServices > 0 {
		merged.AnomalyRate = float64(merged.TotalAnomalies) / float64(merged.TotalServices) * 100
	}
	if merged.Kind == models.EntityEmployee {
		if effWeight > 0 {
			eff := effSum / float64(effWeight)
			merged.AvgEfficiency = &eff
		}
		consistency := consistencyFor(merged.AnomalyRate)
		merged.ConsistencyScore = &consistency
	}
	merged.ClinicID = riskiest.ClinicID
	merged.RiskScore = riskiest.RiskScore
	merged.RiskLevel = LevelFor(merged.RiskScore)
	return merged
}

// Merge adapts Consolidate to repository.MergeFunc; current may be nil
func Merge(current *models.AnomalyScore, legacy []*models.AnomalyScore) *models.AnomalyScore {
	records := make([]*models.AnomalyScore, 0, len(legacy)+1)
	records = append(records, current)
	records = append(records, legacy...)
	return Consolidate(records)
}
