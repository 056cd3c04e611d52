package anomaly

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wisefido-energy/internal/config"
	"wisefido-energy/internal/keylock"
	"wisefido-energy/internal/metrics"
	"wisefido-energy/internal/models"
	"wisefido-energy/internal/repository"

	"go.uber.org/zap"
)

// ConsumptionEvaluator yields an energy insight for a completed session, or nil
type ConsumptionEvaluator interface {
	Evaluate(ctx context.Context, evt *models.SessionCompletedEvent) (*models.EnergyInsight, error)
}

// Scorer maintains one risk record per (system, client) and per (system, employee).
// Updates for the same entity serialize on that key regardless of clinic.
type Scorer struct {
	scores    repository.ScoreRepository
	processed repository.ProcessedStore
	estimator ConsumptionEvaluator
	locks     *keylock.Map
	logger    *zap.Logger
	metrics   *metrics.Metrics
	threshold float64
	weights   config.RiskWeights
	now       func() time.Time
}

// NewScorer estimator may be nil, in which case consumption patterns are not tracked
func NewScorer(
	scores repository.ScoreRepository,
	processed repository.ProcessedStore,
	estimator ConsumptionEvaluator,
	logger *zap.Logger,
	m *metrics.Metrics,
	threshold float64,
	weights config.RiskWeights,
) *Scorer {
	return &Scorer{
		scores:    scores,
		processed: processed,
		estimator: estimator,
		locks:     keylock.New(),
		logger:    logger,
		metrics:   m,
		threshold: threshold,
		weights:   weights,
		now:       time.Now,
	}
}

func processedScope(kind models.EntityKind) string {
	return "anomaly:" + string(kind)
}

// OnSessionCompleted scores a completion for its client and its employee.
// Replays are no-ops and unusable samples are logged and skipped.
func (s *Scorer) OnSessionCompleted(ctx context.Context, evt *models.SessionCompletedEvent) error {
	deviation, err := Deviation(evt.ActiveMinutes, evt.ExpectedMinutes)
	if err != nil {
		s.logger.Warn("Skipping completion for anomaly scoring",
			zap.String("session_id", evt.SessionID),
			zap.Float64("active_minutes", evt.ActiveMinutes),
			zap.Float64("expected_minutes", evt.ExpectedMinutes),
			zap.Error(err),
		)
		s.metrics.InvalidSample("scorer")
		return nil
	}

	obs := Observation{
		SessionID:        evt.SessionID,
		ClinicID:         evt.ClinicID,
		DeviationPercent: deviation,
		Anomalous:        IsAnomaly(deviation, s.threshold),
		At:               evt.EndedAt,
	}
	if obs.At.IsZero() {
		obs.At = s.now()
	}
	if insight := s.evaluate(ctx, evt); insight != nil {
		obs.ConsumptionTag = insight.Tag
	}

	var errs []error
	if evt.ClientID != "" {
		clientObs := obs
		clientObs.CounterpartID = evt.EmployeeID
		if err := s.UpdateClientScore(ctx, evt.SystemID, evt.ClientID, clientObs); err != nil && !errors.Is(err, models.ErrDuplicateCompletion) {
			errs = append(errs, err)
		}
	}
	if evt.EmployeeID != "" {
		employeeObs := obs
		employeeObs.CounterpartID = evt.ClientID
		if err := s.UpdateEmployeeScore(ctx, evt.SystemID, evt.EmployeeID, employeeObs); err != nil && !errors.Is(err, models.ErrDuplicateCompletion) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scorer) evaluate(ctx context.Context, evt *models.SessionCompletedEvent) *models.EnergyInsight {
	if s.estimator == nil {
		return nil
	}
	insight, err := s.estimator.Evaluate(ctx, evt)
	if err != nil {
		s.logger.Warn("Consumption evaluation failed",
			zap.String("session_id", evt.SessionID),
			zap.Error(err),
		)
		return nil
	}
	if insight != nil {
		s.metrics.ConsumptionAlert(string(insight.Tag))
		s.logger.Info("Consumption outside expected band",
			zap.String("session_id", evt.SessionID),
			zap.String("tag", string(insight.Tag)),
			zap.Float64("actual_kwh", insight.ActualKWh),
			zap.Float64("expected_kwh", insight.ExpectedKWh),
			zap.Float64("deviation_percent", insight.DeviationPercent),
		)
	}
	return insight
}

// UpdateClientScore applies one observation to the client's record.
// Returns ErrDuplicateCompletion when the session was already scored for this client.
func (s *Scorer) UpdateClientScore(ctx context.Context, systemID, clientID string, obs Observation) error {
	return s.update(ctx, models.EntityClient, systemID, clientID, obs)
}

// UpdateEmployeeScore applies one observation to the employee's record.
// Returns ErrDuplicateCompletion when the session was already scored for this employee.
func (s *Scorer) UpdateEmployeeScore(ctx context.Context, systemID, employeeID string, obs Observation) error {
	return s.update(ctx, models.EntityEmployee, systemID, employeeID, obs)
}

func (s *Scorer) update(ctx context.Context, kind models.EntityKind, systemID, entityID string, obs Observation) error {
	if systemID == "" {
		return errors.New("system_id is required")
	}
	if obs.SessionID == "" {
		return errors.New("session_id is required")
	}

	scope := processedScope(kind)
	first, err := s.processed.MarkProcessed(ctx, scope, obs.SessionID)
	if err != nil {
		return fmt.Errorf("failed to mark %s completion: %w", kind, err)
	}
	if !first {
		s.logger.Info("Completion already scored",
			zap.String("kind", string(kind)),
			zap.String("entity_id", entityID),
			zap.String("session_id", obs.SessionID),
		)
		return models.ErrDuplicateCompletion
	}

	if err := s.apply(ctx, kind, systemID, entityID, obs); err != nil {
		if uerr := s.processed.Unmark(ctx, scope, obs.SessionID); uerr != nil {
			s.logger.Error("Failed to release score marker",
				zap.String("kind", string(kind)),
				zap.String("session_id", obs.SessionID),
				zap.Error(uerr),
			)
		}
		return err
	}
	return nil
}

func (s *Scorer) apply(ctx context.Context, kind models.EntityKind, systemID, entityID string, obs Observation) error {
	unlock := s.locks.Lock(string(kind) + "|" + systemID + "|" + entityID)
	defer unlock()

	rec, err := s.scores.GetScore(ctx, kind, systemID, entityID)
	if err != nil {
		return fmt.Errorf("failed to load %s score: %w", kind, err)
	}
	if rec == nil {
		rec = models.NewAnomalyScore(kind, systemID, entityID)
	}
	ensureMaps(rec)

	Apply(rec, obs, s.weights)
	rec.LastCalculated = s.now()

	if err := s.scores.SaveScore(ctx, rec); err != nil {
		return fmt.Errorf("failed to save %s score: %w", kind, err)
	}

	if obs.Anomalous {
		s.metrics.Anomaly(string(kind))
		s.logger.Info("Anomaly recorded",
			zap.String("kind", string(kind)),
			zap.String("system_id", systemID),
			zap.String("entity_id", entityID),
			zap.String("session_id", obs.SessionID),
			zap.Float64("deviation_percent", obs.DeviationPercent),
			zap.Int("risk_score", rec.RiskScore),
			zap.String("risk_level", string(rec.RiskLevel)),
		)
	}
	return nil
}

// Get consolidated risk record of one entity
func (s *Scorer) Get(ctx context.Context, kind models.EntityKind, systemID, entityID string) (*models.AnomalyScore, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	if systemID == "" {
		return nil, errors.New("system_id is required")
	}
	rec, err := s.scores.GetScore(ctx, kind, systemID, entityID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, models.ErrUnknownEntity
	}
	return rec, nil
}

// List all records of one kind in a system
func (s *Scorer) List(ctx context.Context, kind models.EntityKind, systemID string) ([]*models.AnomalyScore, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	if systemID == "" {
		return nil, errors.New("system_id is required")
	}
	return s.scores.ListScores(ctx, kind, systemID)
}

// ConsolidateLegacy merges pre-existing per-clinic duplicates into the unique records
func (s *Scorer) ConsolidateLegacy(ctx context.Context, kind models.EntityKind, systemID string) (int, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("unknown entity kind %q", kind)
	}
	if systemID == "" {
		return 0, errors.New("system_id is required")
	}
	n, err := s.scores.ConsolidateLegacy(ctx, kind, systemID, Merge)
	if err != nil {
		return 0, fmt.Errorf("failed to consolidate %s scores: %w", kind, err)
	}
	s.logger.Info("Legacy scores consolidated",
		zap.String("kind", string(kind)),
		zap.String("system_id", systemID),
		zap.Int("entities", n),
	)
	return n, nil
}
