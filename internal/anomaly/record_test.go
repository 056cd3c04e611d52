package anomaly

import (
	"fmt"
	"testing"
	"time"

	"wisefido-energy/internal/config"
	"wisefido-energy/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func obsAt(session string, dev float64, counterpart string, at time.Time) Observation {
	return Observation{
		SessionID:        session,
		ClinicID:         "clinic-1",
		CounterpartID:    counterpart,
		DeviationPercent: dev,
		Anomalous:        IsAnomaly(dev, 20),
		At:               at,
	}
}

func TestApply_IncrementalCounters(t *testing.T) {
	w := config.DefaultRiskWeights()
	rec := models.NewAnomalyScore(models.EntityClient, "sys-1", "client-1")
	base := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	Apply(rec, obsAt("s1", 10, "emp-1", base), w)
	assert.Equal(t, int64(1), rec.TotalServices)
	assert.Equal(t, int64(0), rec.TotalAnomalies)
	assert.Nil(t, rec.LastAnomalyDate)
	assert.Empty(t, rec.Counterparts)

	Apply(rec, obsAt("s2", 40, "emp-1", base.Add(time.Hour)), w)
	Apply(rec, obsAt("s3", -30, "emp-1", base.Add(2*time.Hour)), w)

	assert.Equal(t, int64(3), rec.TotalServices)
	assert.Equal(t, int64(2), rec.TotalAnomalies)
	assert.InDelta(t, 200.0/3, rec.AnomalyRate, 1e-9)
	assert.InDelta(t, 35.0, rec.AvgDeviationPercent, 1e-9)
	assert.InDelta(t, 40.0, rec.MaxDeviationPercent, 1e-9)
	assert.Equal(t, int64(2), rec.Counterparts["emp-1"])
	assert.Equal(t, int64(1), rec.Patterns[models.PatternOverDuration])
	assert.Equal(t, int64(1), rec.Patterns[models.PatternUnderDuration])
	assert.Equal(t, int64(2), rec.TimeBuckets[models.BucketMorning])
	assert.Equal(t, base.Add(2*time.Hour), *rec.LastAnomalyDate)
	assert.Equal(t, Score(rec, w), rec.RiskScore)
	assert.Equal(t, LevelFor(rec.RiskScore), rec.RiskLevel)
}

func TestApply_ClientDerivedPatterns(t *testing.T) {
	w := config.DefaultRiskWeights()
	rec := models.NewAnomalyScore(models.EntityClient, "sys-1", "client-1")
	evening := time.Date(2026, 5, 4, 19, 0, 0, 0, time.UTC)

	for i, s := range []string{"s1", "s2", "s3"} {
		Apply(rec, obsAt(s, 50, "emp-1", evening.Add(time.Duration(i)*24*time.Hour)), w)
	}
	assert.True(t, rec.HasIndicator(models.PatternSingleEmployeeFavoritism))
	assert.True(t, rec.HasIndicator(models.PatternTimePattern))

	// 40 (rate) + 20 (one employee) + 5 (deviation) + 16 (OVER_DURATION, TIME_PATTERN)
	assert.Equal(t, 81, rec.RiskScore)
	assert.Equal(t, models.RiskCritical, rec.RiskLevel)
}

func TestApply_EmployeeIndicators(t *testing.T) {
	w := config.DefaultRiskWeights()
	rec := models.NewAnomalyScore(models.EntityEmployee, "sys-1", "emp-1")
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	for i, client := range []string{"c1", "c2", "c3", "c4"} {
		o := obsAt("s"+client, 35, client, at.Add(time.Duration(i)*time.Hour))
		o.ConsumptionTag = models.PatternOverConsumption
		Apply(rec, o, w)
	}
	Apply(rec, obsAt("s5", 0, "c5", at), w)

	assert.Equal(t, int64(5), rec.TotalServices)
	assert.Equal(t, int64(4), rec.TotalAnomalies)
	assert.True(t, rec.HasIndicator(models.IndicatorAlwaysExtended))
	assert.True(t, rec.HasIndicator(models.IndicatorEnergyWaste))
	assert.False(t, rec.HasIndicator(models.IndicatorAlwaysShort))
	assert.False(t, rec.HasIndicator(models.IndicatorClientFavoritism))
	assert.False(t, rec.HasIndicator(models.IndicatorCriticalAnomalyRate))
	assert.True(t, rec.HasIndicator(models.IndicatorHighAnomalyRate))
}

func TestApply_EmployeeEfficiencyAndConsistency(t *testing.T) {
	w := config.DefaultRiskWeights()
	rec := models.NewAnomalyScore(models.EntityEmployee, "sys-1", "emp-1")
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	Apply(rec, obsAt("s1", 35, "c1", at), w)
	require.NotNil(t, rec.AvgEfficiency)
	assert.InDelta(t, 95.0, *rec.AvgEfficiency, 1e-9)

	Apply(rec, obsAt("s2", -30, "c2", at), w)
	assert.InDelta(t, 98.0, *rec.AvgEfficiency, 1e-9)

	for i := 0; i < 8; i++ {
		Apply(rec, obsAt(fmt.Sprintf("n%d", i), 5, "c3", at), w)
	}
	assert.InDelta(t, 98.0, *rec.AvgEfficiency, 1e-9)
	assert.InDelta(t, 20.0, rec.AnomalyRate, 1e-9)
	require.NotNil(t, rec.ConsistencyScore)
	assert.InDelta(t, 60.0, *rec.ConsistencyScore, 1e-9)
}

func TestApply_EmployeeEfficiencyClamped(t *testing.T) {
	w := config.DefaultRiskWeights()
	rec := models.NewAnomalyScore(models.EntityEmployee, "sys-1", "emp-1")
	at := time.Now()

	Apply(rec, obsAt("short", -40, "c1", at), w)
	assert.InDelta(t, 100.0, *rec.AvgEfficiency, 1e-9)

	for i := 0; i < 25; i++ {
		Apply(rec, obsAt(fmt.Sprintf("over%d", i), 50, "c1", at), w)
	}
	assert.InDelta(t, 0.0, *rec.AvgEfficiency, 1e-9)
	assert.InDelta(t, 0.0, *rec.ConsistencyScore, 1e-9)
}

func TestApply_ClientHasNoEmployeeMetrics(t *testing.T) {
	rec := models.NewAnomalyScore(models.EntityClient, "sys-1", "client-1")
	Apply(rec, obsAt("s1", 35, "emp-1", time.Now()), config.DefaultRiskWeights())
	assert.Nil(t, rec.AvgEfficiency)
	assert.Nil(t, rec.ConsistencyScore)
}

func TestApply_ConsumptionTagWithoutDurationAnomaly(t *testing.T) {
	w := config.DefaultRiskWeights()
	rec := models.NewAnomalyScore(models.EntityClient, "sys-1", "client-1")
	o := obsAt("s1", 5, "emp-1", time.Now())
	o.ConsumptionTag = models.PatternUnderConsumption
	Apply(rec, o, w)

	assert.Equal(t, int64(0), rec.TotalAnomalies)
	assert.Equal(t, int64(1), rec.Patterns[models.PatternUnderConsumption])
	assert.Equal(t, 8, rec.RiskScore)
}
