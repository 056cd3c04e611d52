package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"wisefido-energy/common/config"
)

// Control transports
const (
	ControlMQTT = "mqtt"
	ControlHTTP = "http"
)

// RiskWeights coefficients of the additive risk score. Level thresholds are fixed and live in the anomaly package.
type RiskWeights struct {
	RateCap           float64 // max points from anomaly rate
	RateFactor        float64 // points per rate percent
	SingleCounterpart float64 // one counterpart accounts for all anomalies
	TwoCounterparts   float64 // two counterparts account for all anomalies
	DeviationCap      float64 // max points from max deviation
	DeviationDivisor  float64 // max deviation percent per point
	PerPattern        float64 // per distinct pattern tag or indicator
}

// Config energy tracking service configuration
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig
	Kafka    config.KafkaConfig
	HTTP     config.HTTPConfig

	// SystemID default tenant for background work (consolidation, sweeps)
	SystemID string

	Telemetry struct {
		Topics     []string      // MQTT subscriptions
		StaleAfter time.Duration // no update within this window means offline
	}

	Control struct {
		Transport   string // mqtt | http
		HTTPTimeout time.Duration
		HTTPRetries int
	}

	Cache struct {
		SnapshotPrefix    string // telemetry snapshot key prefix, e.g. "telemetry:device:"
		ProcessedPrefix   string // completion idempotency marker prefix
		ProcessedTTL      time.Duration
		StatusChannel     string
		CompletionChannel string
		CompletionStream  string
		StreamMaxLen      int64
	}

	Broadcast struct {
		QueueSize    int
		MaxAttempts  int
		RetryBackoff time.Duration
	}

	Scoring struct {
		AnomalyThresholdPercent float64 // strict: |deviation| > threshold
		MinProfileSamples       int64
		Weights                 RiskWeights
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load reads the configuration from the environment
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = 5432
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "wisefido")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = 20
	cfg.Database.MaxIdle = 5
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "wisefido-energy")
	cfg.MQTT.QoS = 1
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Kafka.Topic = "energy.session.completed"
	cfg.Kafka.BatchTimeout = 50 * time.Millisecond
	cfg.Kafka.LoadFromEnv("KAFKA")

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8090")
	cfg.HTTP.ReadTimeout = 10 * time.Second
	cfg.HTTP.WriteTimeout = 30 * time.Second
	cfg.HTTP.IdleTimeout = 60 * time.Second
	cfg.HTTP.LoadFromEnv("HTTP")

	cfg.SystemID = getEnv("SYSTEM_ID", "")

	cfg.Telemetry.Topics = splitList(getEnv("TELEMETRY_TOPICS",
		"energy/telemetry/+,shellies/+/relay/0,shellies/+/relay/0/power,shellies/+/relay/0/energy,shellies/+/online,+/status/switch:0,+/online,+/events/rpc"))
	cfg.Telemetry.StaleAfter = getEnvDuration("TELEMETRY_STALE_AFTER", 3*time.Minute)

	cfg.Control.Transport = strings.ToLower(getEnv("CONTROL_TRANSPORT", ControlMQTT))
	cfg.Control.HTTPTimeout = getEnvDuration("CONTROL_HTTP_TIMEOUT", 5*time.Second)
	cfg.Control.HTTPRetries = getEnvInt("CONTROL_HTTP_RETRIES", 2)

	cfg.Cache.SnapshotPrefix = getEnv("CACHE_SNAPSHOT_PREFIX", "telemetry:device:")
	cfg.Cache.ProcessedPrefix = getEnv("CACHE_PROCESSED_PREFIX", "energy:processed:")
	cfg.Cache.ProcessedTTL = getEnvDuration("CACHE_PROCESSED_TTL", 90*24*time.Hour)
	cfg.Cache.StatusChannel = getEnv("STATUS_CHANNEL", "energy:status")
	cfg.Cache.CompletionChannel = getEnv("COMPLETION_CHANNEL", "energy:completed")
	cfg.Cache.CompletionStream = getEnv("COMPLETION_STREAM", "energy:completed:stream")
	cfg.Cache.StreamMaxLen = int64(getEnvInt("COMPLETION_STREAM_MAXLEN", 10000))

	cfg.Broadcast.QueueSize = getEnvInt("BROADCAST_QUEUE_SIZE", 1024)
	cfg.Broadcast.MaxAttempts = getEnvInt("BROADCAST_MAX_ATTEMPTS", 3)
	cfg.Broadcast.RetryBackoff = getEnvDuration("BROADCAST_RETRY_BACKOFF", 200*time.Millisecond)

	cfg.Scoring.AnomalyThresholdPercent = getEnvFloat("ANOMALY_THRESHOLD_PERCENT", 20)
	cfg.Scoring.MinProfileSamples = int64(getEnvInt("PROFILE_MIN_SAMPLES", 5))
	cfg.Scoring.Weights = DefaultRiskWeights()
	w := &cfg.Scoring.Weights
	w.RateCap = getEnvFloat("RISK_RATE_CAP", w.RateCap)
	w.RateFactor = getEnvFloat("RISK_RATE_FACTOR", w.RateFactor)
	w.SingleCounterpart = getEnvFloat("RISK_SINGLE_COUNTERPART", w.SingleCounterpart)
	w.TwoCounterparts = getEnvFloat("RISK_TWO_COUNTERPARTS", w.TwoCounterparts)
	w.DeviationCap = getEnvFloat("RISK_DEVIATION_CAP", w.DeviationCap)
	w.DeviationDivisor = getEnvFloat("RISK_DEVIATION_DIVISOR", w.DeviationDivisor)
	w.PerPattern = getEnvFloat("RISK_PER_PATTERN", w.PerPattern)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultRiskWeights the documented heuristic coefficients
func DefaultRiskWeights() RiskWeights {
	return RiskWeights{
		RateCap:           40,
		RateFactor:        0.4,
		SingleCounterpart: 20,
		TwoCounterparts:   10,
		DeviationCap:      10,
		DeviationDivisor:  10,
		PerPattern:        8,
	}
}

// Validate rejects values the engine cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Telemetry.StaleAfter <= 0 {
		errs = append(errs, fmt.Errorf("TELEMETRY_STALE_AFTER must be positive, got %s", c.Telemetry.StaleAfter))
	}
	if len(c.Telemetry.Topics) == 0 {
		errs = append(errs, errors.New("TELEMETRY_TOPICS must not be empty"))
	}
	if c.Control.Transport != ControlMQTT && c.Control.Transport != ControlHTTP {
		errs = append(errs, fmt.Errorf("unknown CONTROL_TRANSPORT %q", c.Control.Transport))
	}
	if c.Broadcast.QueueSize <= 0 {
		errs = append(errs, errors.New("BROADCAST_QUEUE_SIZE must be positive"))
	}
	if c.Broadcast.MaxAttempts <= 0 {
		errs = append(errs, errors.New("BROADCAST_MAX_ATTEMPTS must be positive"))
	}
	if c.Scoring.AnomalyThresholdPercent < 0 {
		errs = append(errs, errors.New("ANOMALY_THRESHOLD_PERCENT must not be negative"))
	}
	w := c.Scoring.Weights
	for name, v := range map[string]float64{
		"rate cap": w.RateCap, "rate factor": w.RateFactor,
		"single counterpart": w.SingleCounterpart, "two counterparts": w.TwoCounterparts,
		"deviation cap": w.DeviationCap, "per pattern": w.PerPattern,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("risk weight %s must not be negative", name))
		}
	}
	if w.DeviationDivisor <= 0 {
		errs = append(errs, errors.New("risk weight deviation divisor must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
