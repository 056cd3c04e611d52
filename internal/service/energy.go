package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"wisefido-energy/common/database"
	mqttcommon "wisefido-energy/common/mqtt"
	rediscommon "wisefido-energy/common/redis"
	"wisefido-energy/internal/anomaly"
	"wisefido-energy/internal/broadcast"
	"wisefido-energy/internal/config"
	"wisefido-energy/internal/consumer"
	"wisefido-energy/internal/control"
	"wisefido-energy/internal/energy"
	"wisefido-energy/internal/httpapi"
	"wisefido-energy/internal/metrics"
	"wisefido-energy/internal/repository"
	"wisefido-energy/internal/session"
	"wisefido-energy/internal/telemetry"

	"github.com/go-redis/redis/v8"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// EnergyService equipment usage tracking and energy anomaly engine
type EnergyService struct {
	config  *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	db         *sql.DB
	redis      *redis.Client
	mqttClient *mqttcommon.Client

	tracker     *telemetry.Tracker
	snapshots   *telemetry.SnapshotCache
	assignments repository.AssignmentRepository
	hub         *broadcast.Hub
	kafka       *broadcast.KafkaSink
	broadcaster *broadcast.Broadcaster
	manager     *session.Manager
	consumer    *consumer.MQTTConsumer
	server      *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
	errCh  chan error
}

// NewEnergyService connects to every backing store and wires the components
func NewEnergyService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*EnergyService, error) {
	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(ctx, redisClient); err != nil {
		database.Close(db)
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	mqttClient, err := mqttcommon.NewClient(&cfg.MQTT, logger)
	if err != nil {
		rediscommon.Close(redisClient)
		database.Close(db)
		return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
	}

	s := &EnergyService{
		config:     cfg,
		logger:     logger,
		metrics:    metrics.New(),
		db:         db,
		redis:      redisClient,
		mqttClient: mqttClient,
		errCh:      make(chan error, 2),
	}
	s.wire()
	return s, nil
}

// wire builds the component graph on top of the open connections
func (s *EnergyService) wire() {
	cfg := s.config

	s.assignments = repository.NewAssignmentRepo(s.db, s.logger)
	appointments := repository.NewAppointmentRepo(s.db, s.logger)
	sessions := repository.NewSessionRepo(s.db, s.logger)
	profiles := repository.NewProfileRepo(s.db, s.logger)
	scores := repository.NewScoreRepo(s.db, s.logger)
	processed := repository.NewRedisProcessedStore(s.redis, cfg.Cache.ProcessedPrefix, cfg.Cache.ProcessedTTL)

	s.tracker = telemetry.NewTracker(cfg.Telemetry.StaleAfter)
	s.snapshots = telemetry.NewSnapshotCache(s.redis, cfg.Cache.SnapshotPrefix, cfg.Telemetry.StaleAfter)

	accumulator := energy.NewAccumulator(profiles, processed, s.logger, s.metrics, cfg.Scoring.MinProfileSamples)
	estimator := energy.NewEstimator(profiles, cfg.Scoring.MinProfileSamples)
	scorer := anomaly.NewScorer(scores, processed, estimator, s.logger, s.metrics,
		cfg.Scoring.AnomalyThresholdPercent, cfg.Scoring.Weights)

	s.hub = broadcast.NewHub(s.logger)
	s.kafka = broadcast.NewKafkaSink(cfg.Kafka)
	s.broadcaster = broadcast.New(s.logger, s.metrics, broadcast.Options{
		QueueSize:    cfg.Broadcast.QueueSize,
		MaxAttempts:  cfg.Broadcast.MaxAttempts,
		RetryBackoff: cfg.Broadcast.RetryBackoff,
	}, buildSinks(cfg, s.redis, s.hub, s.kafka, scorer, accumulator)...)

	s.manager = session.NewManager(s.assignments, appointments, sessions, s.tracker,
		newController(cfg, s.mqttClient, s.logger), s.broadcaster, s.logger, s.metrics)

	s.consumer = consumer.NewMQTTConsumer(s.mqttClient, cfg.Telemetry.Topics, cfg.MQTT.QoS,
		s.tracker, s.manager, s.snapshots, s.logger, s.metrics)

	handler := httpapi.NewHandler(s.manager, scorer, accumulator, s.hub, s.metrics, s.logger)
	handler.AddHealthCheck("postgres", s.db.PingContext)
	handler.AddHealthCheck("redis", func(ctx context.Context) error {
		return rediscommon.Ping(ctx, s.redis)
	})
	handler.AddHealthCheck("mqtt", func(context.Context) error {
		if !s.mqttClient.IsConnected() {
			return errors.New("not connected")
		}
		return nil
	})
	s.server = &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}
}

// newController picks the relay transport
func newController(cfg *config.Config, publisher control.Publisher, logger *zap.Logger) control.Controller {
	if cfg.Control.Transport == config.ControlHTTP {
		client := resty.New().
			SetTimeout(cfg.Control.HTTPTimeout).
			SetRetryCount(cfg.Control.HTTPRetries)
		return control.NewHTTPController(client, logger)
	}
	return control.NewMQTTController(publisher, cfg.MQTT.QoS, logger)
}

// buildSinks delivery order: Redis, WebSocket, Kafka when configured, then in-process handlers.
// The scorer runs before the accumulator so the estimate excludes the session being judged.
func buildSinks(
	cfg *config.Config,
	client *redis.Client,
	hub *broadcast.Hub,
	kafka *broadcast.KafkaSink,
	handlers ...broadcast.CompletionHandler,
) []broadcast.Sink {
	sinks := []broadcast.Sink{
		broadcast.NewRedisSink(client, cfg.Cache.StatusChannel, cfg.Cache.CompletionChannel,
			cfg.Cache.CompletionStream, cfg.Cache.StreamMaxLen),
		hub,
	}
	if kafka != nil {
		sinks = append(sinks, kafka)
	}
	return append(sinks, broadcast.NewHandlerSink("completion-handlers", handlers...))
}

// Start launches the background components and returns once they are running.
// Fatal runtime failures are reported on Err.
func (s *EnergyService) Start(ctx context.Context) error {
	s.logger.Info("Starting energy service components")

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.broadcaster.Start()
	s.warmTracker(runCtx)

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.manager.RunSweeper(runCtx, s.config.Telemetry.StaleAfter/4)
	}()
	go func() {
		defer s.wg.Done()
		if err := s.consumer.Start(runCtx); err != nil {
			s.fail(fmt.Errorf("MQTT consumer: %w", err))
		}
	}()
	go func() {
		defer s.wg.Done()
		s.logger.Info("HTTP server listening", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.fail(fmt.Errorf("HTTP server: %w", err))
		}
	}()

	s.logger.Info("Energy service started")
	return nil
}

// warmTracker restores live device state from the snapshot cache
func (s *EnergyService) warmTracker(ctx context.Context) {
	assignments, err := s.assignments.ListActiveAssignments(ctx)
	if err != nil {
		s.logger.Warn("Failed to list assignments for tracker warm-up", zap.Error(err))
		return
	}
	ids := make([]string, 0, len(assignments))
	for _, a := range assignments {
		ids = append(ids, a.DeviceID)
	}
	n, err := s.snapshots.Warm(ctx, s.tracker, ids)
	if err != nil {
		s.logger.Warn("Tracker warm-up incomplete", zap.Error(err))
	}
	s.logger.Info("Tracker warmed from snapshots", zap.Int("devices", n), zap.Int("assignments", len(ids)))
}

func (s *EnergyService) fail(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}

// Err delivers the first fatal runtime failure
func (s *EnergyService) Err() <-chan error {
	return s.errCh
}

// Stop shuts down ingest first, then the HTTP surface, then drains the broadcaster
func (s *EnergyService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping energy service")
	var errs []error

	if s.consumer != nil {
		if err := s.consumer.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down HTTP server: %w", err))
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if s.broadcaster != nil {
		if err := s.broadcaster.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain broadcaster: %w", err))
		}
	}
	if s.hub != nil {
		s.hub.Close()
	}
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close kafka writer: %w", err))
		}
	}

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.redis != nil {
		rediscommon.Close(s.redis)
	}
	if s.db != nil {
		database.Close(s.db)
	}

	s.logger.Info("Energy service stopped")
	return errors.Join(errs...)
}
