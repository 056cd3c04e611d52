package energy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wisefido-energy/internal/keylock"
	"wisefido-energy/internal/metrics"
	"wisefido-energy/internal/models"
	"wisefido-energy/internal/repository"

	"go.uber.org/zap"
)

const processedScope = "energy:profile"

// Accumulator maintains ServiceEnergyProfile rows from completed sessions.
// It is the only writer of profiles.
type Accumulator struct {
	profiles   repository.ProfileRepository
	processed  repository.ProcessedStore
	locks      *keylock.Map
	logger     *zap.Logger
	metrics    *metrics.Metrics
	minSamples int64
	now        func() time.Time
}

// NewAccumulator profiles with fewer than minSamples samples are left out of variability reporting
func NewAccumulator(
	profiles repository.ProfileRepository,
	processed repository.ProcessedStore,
	logger *zap.Logger,
	m *metrics.Metrics,
	minSamples int64,
) *Accumulator {
	return &Accumulator{
		profiles:   profiles,
		processed:  processed,
		locks:      keylock.New(),
		logger:     logger,
		metrics:    m,
		minSamples: minSamples,
		now:        time.Now,
	}
}

// OnSessionCompleted folds a completed session into its profiles, once per
// (session, service). Unusable samples are logged and skipped.
func (a *Accumulator) OnSessionCompleted(ctx context.Context, evt *models.SessionCompletedEvent) error {
	if err := ValidateSample(evt); err != nil {
		a.logger.Warn("Skipping completion for energy profile",
			zap.String("session_id", evt.SessionID),
			zap.String("equipment_id", evt.EquipmentID),
			zap.Error(err),
		)
		a.metrics.InvalidSample("accumulator")
		return nil
	}

	for _, share := range SplitSession(evt.ActiveMinutes, *evt.EnergyConsumed, evt.ServiceShares()) {
		marker := evt.SessionID + ":" + share.ServiceID
		first, err := a.processed.MarkProcessed(ctx, processedScope, marker)
		if err != nil {
			return err
		}
		if !first {
			a.logger.Debug("Profile sample already applied",
				zap.String("session_id", evt.SessionID),
				zap.String("service_id", share.ServiceID),
			)
			continue
		}
		if err := a.apply(ctx, evt.SystemID, evt.EquipmentID, share); err != nil {
			if uerr := a.processed.Unmark(ctx, processedScope, marker); uerr != nil {
				a.logger.Error("Failed to release profile marker", zap.String("marker", marker), zap.Error(uerr))
			}
			return err
		}
	}
	return nil
}

func (a *Accumulator) apply(ctx context.Context, systemID, equipmentID string, share Share) error {
	unlock := a.locks.Lock(systemID + "|" + equipmentID + "|" + share.ServiceID)
	defer unlock()

	p, err := a.profiles.GetProfile(ctx, systemID, equipmentID, share.ServiceID)
	if err != nil {
		return fmt.Errorf("failed to load profile: %w", err)
	}
	if p == nil {
		p = &models.ServiceEnergyProfile{SystemID: systemID, EquipmentID: equipmentID, ServiceID: share.ServiceID}
	}

	energy := RestoreWelford(p.SampleCount, p.EnergyPerMinuteMean, p.EnergyPerMinuteM2)
	duration := RestoreWelford(p.SampleCount, p.DurationMean, p.DurationM2)
	energy.Add(share.EnergyPerMinute())
	duration.Add(share.Minutes)

	p.SampleCount = energy.Count()
	p.EnergyPerMinuteMean, p.EnergyPerMinuteM2 = energy.Mean(), energy.M2()
	p.DurationMean, p.DurationM2 = duration.Mean(), duration.M2()
	p.UpdatedAt = a.now()

	if err := a.profiles.SaveProfile(ctx, p); err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	a.metrics.ProfileUpdated()
	a.logger.Debug("Energy profile updated",
		zap.String("system_id", systemID),
		zap.String("equipment_id", equipmentID),
		zap.String("service_id", share.ServiceID),
		zap.Int64("sample_count", p.SampleCount),
	)
	return nil
}

// ProfileSummary variability view of one profile
type ProfileSummary struct {
	EquipmentID           string    `json:"equipment_id"`
	ServiceID             string    `json:"service_id"`
	SampleCount           int64     `json:"sample_count"`
	EnergyPerMinuteMean   float64   `json:"energy_per_minute_mean"`
	EnergyPerMinuteStdDev float64   `json:"energy_per_minute_stddev"`
	EnergyVariation       float64   `json:"energy_coefficient_of_variation"`
	DurationMean          float64   `json:"duration_mean"`
	DurationStdDev        float64   `json:"duration_stddev"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Variability profiles of a system with enough samples to be meaningful
func (a *Accumulator) Variability(ctx context.Context, systemID string) ([]ProfileSummary, error) {
	if systemID == "" {
		return nil, errors.New("system_id is required")
	}
	profiles, err := a.profiles.ListProfiles(ctx, systemID, a.minSamples)
	if err != nil {
		return nil, err
	}
	out := make([]ProfileSummary, 0, len(profiles))
	for _, p := range profiles {
		if p.SampleCount < a.minSamples {
			continue
		}
		s := ProfileSummary{
			EquipmentID:           p.EquipmentID,
			ServiceID:             p.ServiceID,
			SampleCount:           p.SampleCount,
			EnergyPerMinuteMean:   p.EnergyPerMinuteMean,
			EnergyPerMinuteStdDev: p.EnergyPerMinuteStdDev(),
			DurationMean:          p.DurationMean,
			DurationStdDev:        p.DurationStdDev(),
			UpdatedAt:             p.UpdatedAt,
		}
		if p.EnergyPerMinuteMean > 0 {
			s.EnergyVariation = s.EnergyPerMinuteStdDev / p.EnergyPerMinuteMean
		}
		out = append(out, s)
	}
	return out, nil
}
