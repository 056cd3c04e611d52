package anomaly

import (
	"math"
	"time"

	"wisefido-energy/internal/models"
)

// Deviation percent of actual minutes over the configured treatment duration.
// The statistical duration mean is diagnostic only and never the baseline here.
func Deviation(actualMinutes, expectedMinutes float64) (float64, error) {
	if expectedMinutes <= 0 || math.IsNaN(expectedMinutes) || math.IsInf(expectedMinutes, 0) {
		return 0, models.ErrInvalidSample
	}
	if actualMinutes < 0 || math.IsNaN(actualMinutes) || math.IsInf(actualMinutes, 0) {
		return 0, models.ErrInvalidSample
	}
	return (actualMinutes - expectedMinutes) / expectedMinutes * 100, nil
}

// IsAnomaly strict comparison: a deviation equal to the threshold is not an anomaly
func IsAnomaly(deviationPercent, threshold float64) bool {
	return math.Abs(deviationPercent) > threshold
}

// DurationTag OVER_DURATION or UNDER_DURATION by sign
func DurationTag(deviationPercent float64) models.PatternTag {
	if deviationPercent > 0 {
		return models.PatternOverDuration
	}
	return models.PatternUnderDuration
}

// Bucket time-of-day bucket, local to t's location
func Bucket(t time.Time) models.TimeBucket {
	switch h := t.Hour(); {
	case h >= 6 && h < 12:
		return models.BucketMorning
	case h >= 12 && h < 18:
		return models.BucketAfternoon
	case h >= 18 && h < 22:
		return models.BucketEvening
	default:
		return models.BucketNight
	}
}
