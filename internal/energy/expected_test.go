package energy

import (
	"context"
	"testing"

	"wisefido-energy/internal/models"
	"wisefido-energy/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func profile(serviceID string, n int64, mean, std float64) *models.ServiceEnergyProfile {
	return &models.ServiceEnergyProfile{
		SystemID: "sys-1", EquipmentID: "laser-1", ServiceID: serviceID,
		SampleCount: n, EnergyPerMinuteMean: mean, EnergyPerMinuteM2: std * std * float64(n),
	}
}

func TestExpectedEnergy_Profiled(t *testing.T) {
	profiles := map[string]*models.ServiceEnergyProfile{
		"svc-a": profile("svc-a", 10, 0.05, 0.01),
	}
	exp := ExpectedEnergy(profiles, []models.ServiceShare{{ServiceID: "svc-a", EffectiveMinutes: 30}}, 5)

	assert.InDelta(t, 1.5, exp.ExpectedKWh, 1e-9)
	assert.InDelta(t, 0.3, exp.StdDevSumKWh, 1e-9)
	assert.Equal(t, ConfidenceHigh, exp.Confidence)
}

func TestExpectedEnergy_FlatProfileUsesTenPercent(t *testing.T) {
	profiles := map[string]*models.ServiceEnergyProfile{
		"svc-a": profile("svc-a", 6, 0.05, 0),
	}
	exp := ExpectedEnergy(profiles, []models.ServiceShare{{ServiceID: "svc-a", EffectiveMinutes: 20}}, 5)
	assert.InDelta(t, 0.1, exp.StdDevSumKWh, 1e-9)
}

func TestExpectedEnergy_FallbacksAndConfidence(t *testing.T) {
	profiles := map[string]*models.ServiceEnergyProfile{
		"svc-a": profile("svc-a", 10, 0.05, 0.01),
		"svc-b": profile("svc-b", 3, 0.09, 0.01),
	}
	services := []models.ServiceShare{
		{ServiceID: "svc-a", EffectiveMinutes: 30},
		{ServiceID: "svc-b", EffectiveMinutes: 60},
	}
	exp := ExpectedEnergy(profiles, services, 5)

	// svc-b falls back to 3.5 kWh/h
	assert.InDelta(t, 1.5+3.5, exp.ExpectedKWh, 1e-9)
	assert.Equal(t, 1, exp.ProfiledServices)
	assert.Equal(t, ConfidenceMedium, exp.Confidence)

	none := ExpectedEnergy(nil, services, 5)
	assert.Equal(t, ConfidenceInsufficient, none.Confidence)

	low := ExpectedEnergy(profiles, append(services,
		models.ServiceShare{ServiceID: "svc-c", EffectiveMinutes: 10},
		models.ServiceShare{ServiceID: "svc-d"}), 5)
	assert.Equal(t, ConfidenceLow, low.Confidence)
}

func TestEvaluateConsumption(t *testing.T) {
	exp := Expectation{ExpectedKWh: 1.0, StdDevSumKWh: 0.05, Confidence: ConfidenceHigh}

	assert.Nil(t, EvaluateConsumption("s", 1.2, exp), "within 25%")

	over := EvaluateConsumption("s", 1.5, exp)
	require.NotNil(t, over)
	assert.Equal(t, models.PatternOverConsumption, over.Tag)
	assert.InDelta(t, 50.0, over.DeviationPercent, 1e-9)

	under := EvaluateConsumption("s", 0.5, exp)
	require.NotNil(t, under)
	assert.Equal(t, models.PatternUnderConsumption, under.Tag)

	wide := Expectation{ExpectedKWh: 1.0, StdDevSumKWh: 0.4, Confidence: ConfidenceHigh}
	assert.Nil(t, EvaluateConsumption("s", 1.5, wide), "inside 2 sigma band")

	assert.Nil(t, EvaluateConsumption("s", 5, Expectation{ExpectedKWh: 1, Confidence: ConfidenceInsufficient}))
}

func TestEstimator_Evaluate(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryProfileRepo()
	require.NoError(t, repo.SaveProfile(ctx, profile("svc-a", 8, 0.05, 0.005)))

	est := NewEstimator(repo, 5)
	insight, err := est.Evaluate(ctx, &models.SessionCompletedEvent{
		SessionID: "s1", SystemID: "sys-1", EquipmentID: "laser-1", ServiceID: "svc-a",
		ActiveMinutes: 30, EnergyConsumed: kwh(3.0), ExpectedMinutes: 30,
	})
	require.NoError(t, err)
	require.NotNil(t, insight)
	assert.Equal(t, models.PatternOverConsumption, insight.Tag)

	insight, err = est.Evaluate(ctx, &models.SessionCompletedEvent{SessionID: "s2", ActiveMinutes: 0})
	require.NoError(t, err)
	assert.Nil(t, insight)
}

func TestSplitSession_EvenWhenNoDurations(t *testing.T) {
	shares := SplitSession(30, 1.2, []models.ServiceShare{{ServiceID: "a"}, {ServiceID: "b"}})
	require.Len(t, shares, 2)
	assert.InDelta(t, 15.0, shares[0].Minutes, 1e-12)
	assert.InDelta(t, 0.6, shares[1].EnergyKWh, 1e-12)
}
