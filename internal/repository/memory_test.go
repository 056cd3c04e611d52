package repository

import (
	"context"
	"testing"
	"time"

	"wisefido-energy/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySessionRepo_OneOpenPerAssignment(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySessionRepo()

	first := &models.DeviceUsageSession{SessionID: "s1", DeviceAssignmentID: "a1", Status: models.SessionActive}
	require.NoError(t, repo.CreateSession(ctx, first))

	second := &models.DeviceUsageSession{SessionID: "s2", DeviceAssignmentID: "a1", Status: models.SessionActive}
	assert.ErrorIs(t, repo.CreateSession(ctx, second), models.ErrDeviceBusy)

	first.Status = models.SessionCompleted
	require.NoError(t, repo.UpdateSession(ctx, first))
	require.NoError(t, repo.CreateSession(ctx, second))

	first.OutcomeReason = "rewrite"
	assert.ErrorIs(t, repo.UpdateSession(ctx, first), models.ErrInvalidTransition)
}

func TestMemorySessionRepo_OneOpenPerAppointmentEquipment(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySessionRepo()

	first := &models.DeviceUsageSession{SessionID: "s1", DeviceAssignmentID: "a1",
		AppointmentID: "appt-1", EquipmentID: "eq-1", Status: models.SessionActive}
	require.NoError(t, repo.CreateSession(ctx, first))

	otherDevice := &models.DeviceUsageSession{SessionID: "s2", DeviceAssignmentID: "a2",
		AppointmentID: "appt-1", EquipmentID: "eq-1", Status: models.SessionActive}
	assert.ErrorIs(t, repo.CreateSession(ctx, otherDevice), models.ErrDeviceBusy)

	otherAppointment := &models.DeviceUsageSession{SessionID: "s3", DeviceAssignmentID: "a2",
		AppointmentID: "appt-2", EquipmentID: "eq-1", Status: models.SessionActive}
	require.NoError(t, repo.CreateSession(ctx, otherAppointment))
}

func TestMemoryScoreRepo_SaveKeepsID(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryScoreRepo()

	s := models.NewAnomalyScore(models.EntityEmployee, "sys", "emp-1")
	require.NoError(t, repo.SaveScore(ctx, s))
	id := s.ID

	s2 := models.NewAnomalyScore(models.EntityEmployee, "sys", "emp-1")
	s2.TotalServices = 3
	require.NoError(t, repo.SaveScore(ctx, s2))
	assert.Equal(t, id, s2.ID)

	got, err := repo.GetScore(ctx, models.EntityEmployee, "sys", "emp-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.TotalServices)

	got.Counterparts["x"] = 1
	again, _ := repo.GetScore(ctx, models.EntityEmployee, "sys", "emp-1")
	assert.Empty(t, again.Counterparts, "stored record must not alias caller copies")
}

func TestMemoryScoreRepo_ConsolidateLegacy(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryScoreRepo()

	a := models.NewAnomalyScore(models.EntityClient, "sys", "c1")
	a.ClinicID, a.TotalServices = "clinic-a", 2
	b := models.NewAnomalyScore(models.EntityClient, "sys", "c1")
	b.ClinicID, b.TotalServices = "clinic-b", 5
	other := models.NewAnomalyScore(models.EntityClient, "sys-2", "c1")
	repo.SeedLegacy(a, b, other)

	n, err := repo.ConsolidateLegacy(ctx, models.EntityClient, "sys", func(cur *models.AnomalyScore, rows []*models.AnomalyScore) *models.AnomalyScore {
		out := models.NewAnomalyScore(models.EntityClient, "", "")
		for _, r := range rows {
			out.TotalServices += r.TotalServices
		}
		return out
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, repo.LegacyCount())

	got, err := repo.GetScore(ctx, models.EntityClient, "sys", "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.TotalServices)
	assert.NotEmpty(t, got.ID)
}

func TestMemoryProfileRepo_ListMinSamples(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryProfileRepo()
	require.NoError(t, repo.SaveProfile(ctx, &models.ServiceEnergyProfile{SystemID: "s", EquipmentID: "e", ServiceID: "a", SampleCount: 4, UpdatedAt: time.Now()}))
	require.NoError(t, repo.SaveProfile(ctx, &models.ServiceEnergyProfile{SystemID: "s", EquipmentID: "e", ServiceID: "b", SampleCount: 5}))

	out, err := repo.ListProfiles(ctx, "s", 5)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].ServiceID)
	assert.Error(t, repo.SaveProfile(ctx, &models.ServiceEnergyProfile{}))
}
