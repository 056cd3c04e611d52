package anomaly

import (
	"math"

	"wisefido-energy/internal/config"
	"wisefido-energy/internal/models"
)

// Fixed level thresholds, shared by every tenant so scores stay comparable
const (
	criticalThreshold = 80
	highThreshold     = 60
	mediumThreshold   = 40
)

// Indicator thresholds
const (
	minAnomaliesForPattern = 3
	timePatternShare       = 0.8
	alwaysExtendedShare    = 0.6
	alwaysShortShare       = 0.7
	energyWasteShare       = 0.5
	clientFavoritismShare  = 0.6
	highAnomalyRate        = 60.0
	criticalAnomalyRate    = 80.0
)

// LevelFor maps a 0-100 score to its risk level
func LevelFor(score int) models.RiskLevel {
	switch {
	case score >= criticalThreshold:
		return models.RiskCritical
	case score >= highThreshold:
		return models.RiskHigh
	case score >= mediumThreshold:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

// Score additive risk score: capped rate term, counterpart concentration,
// capped max deviation term and a fixed increment per pattern. Clamped to 0-100.
func Score(rec *models.AnomalyScore, w config.RiskWeights) int {
	score := math.Min(w.RateCap, rec.AnomalyRate*w.RateFactor)

	if rec.TotalAnomalies > 0 {
		switch len(rec.Counterparts) {
		case 1:
			score += w.SingleCounterpart
		case 2:
			score += w.TwoCounterparts
		}
	}

	if w.DeviationDivisor > 0 {
		score += math.Min(w.DeviationCap, rec.MaxDeviationPercent/w.DeviationDivisor)
	}

	score += w.PerPattern * float64(patternPoints(rec))

	return int(math.Round(math.Max(0, math.Min(100, score))))
}

// patternPoints counts distinct observed tags for clients and indicator flags
// for employees. Favoritism flags are already priced by the counterpart term.
func patternPoints(rec *models.AnomalyScore) int {
	n := 0
	switch rec.Kind {
	case models.EntityClient:
		for _, c := range rec.Patterns {
			if c > 0 {
				n++
			}
		}
		if rec.HasIndicator(models.PatternTimePattern) {
			n++
		}
	case models.EntityEmployee:
		for _, tag := range rec.Indicators {
			if tag != models.IndicatorClientFavoritism {
				n++
			}
		}
	}
	return n
}

// deriveIndicators recomputes the derived flags from the record's counters
func deriveIndicators(rec *models.AnomalyScore) []models.PatternTag {
	indicators := []models.PatternTag{}
	anomalies := float64(rec.TotalAnomalies)
	services := float64(rec.TotalServices)

	switch rec.Kind {
	case models.EntityClient:
		if rec.TotalAnomalies >= minAnomaliesForPattern && len(rec.Counterparts) == 1 {
			indicators = append(indicators, models.PatternSingleEmployeeFavoritism)
		}
		if rec.TotalAnomalies >= minAnomaliesForPattern {
			for _, c := range rec.TimeBuckets {
				if float64(c)/anomalies >= timePatternShare {
					indicators = append(indicators, models.PatternTimePattern)
					break
				}
			}
		}
	case models.EntityEmployee:
		if rec.TotalServices >= minAnomaliesForPattern {
			if float64(rec.Patterns[models.PatternOverDuration])/services >= alwaysExtendedShare {
				indicators = append(indicators, models.IndicatorAlwaysExtended)
			}
			if float64(rec.Patterns[models.PatternUnderDuration])/services >= alwaysShortShare {
				indicators = append(indicators, models.IndicatorAlwaysShort)
			}
			if float64(rec.Patterns[models.PatternOverConsumption])/services >= energyWasteShare {
				indicators = append(indicators, models.IndicatorEnergyWaste)
			}
		}
		if rec.TotalAnomalies > 0 {
			switch {
			case rec.AnomalyRate > criticalAnomalyRate:
				indicators = append(indicators, models.IndicatorCriticalAnomalyRate)
			case rec.AnomalyRate > highAnomalyRate:
				indicators = append(indicators, models.IndicatorHighAnomalyRate)
			}
		}
		if rec.TotalAnomalies >= minAnomaliesForPattern {
			for _, c := range rec.Counterparts {
				if float64(c)/anomalies > clientFavoritismShare {
					indicators = append(indicators, models.IndicatorClientFavoritism)
					break
				}
			}
		}
	}
	return indicators
}

// Recompute refreshes rate, indicators, score and level from the counters
func Recompute(rec *models.AnomalyScore, w config.RiskWeights) {
	rec.AnomalyRate = 0
	if rec.TotalServices > 0 {
		rec.AnomalyRate = float64(rec.TotalAnomalies) / float64(rec.TotalServices) * 100
	}
	if rec.Kind == models.EntityEmployee {
		consistency := consistencyFor(rec.AnomalyRate)
		rec.ConsistencyScore = &consistency
	}
	rec.Indicators = deriveIndicators(rec)
	rec.RiskScore = Score(rec, w)
	rec.RiskLevel = LevelFor(rec.RiskScore)
}
