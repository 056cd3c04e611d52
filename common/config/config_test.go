package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDatabaseConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("DB_NAME", "energy")
	t.Setenv("DB_MAX_CONNS", "not-a-number")

	cfg := DatabaseConfig{Host: "localhost", Port: 5432, MaxConns: 10, SSLMode: "disable"}
	cfg.LoadFromEnv("DB")

	assert.Equal(t, "db.internal", cfg.Host)
	assert.Equal(t, 6543, cfg.Port)
	assert.Equal(t, "energy", cfg.Database)
	assert.Equal(t, 10, cfg.MaxConns)
	assert.Contains(t, cfg.GetDSN(), "host=db.internal port=6543")
	assert.Contains(t, cfg.GetDSN(), "sslmode=disable")
}

func TestKafkaConfig_LoadFromEnv_SplitsBrokers(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,,")
	t.Setenv("KAFKA_BATCH_TIMEOUT", "250ms")

	var cfg KafkaConfig
	cfg.LoadFromEnv("KAFKA")

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Brokers)
	assert.Equal(t, 250*time.Millisecond, cfg.BatchTimeout)
}

func TestMQTTConfig_LoadFromEnv_IgnoresInvalidQoS(t *testing.T) {
	t.Setenv("MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("MQTT_QOS", "7")

	cfg := MQTTConfig{QoS: 1}
	cfg.LoadFromEnv("MQTT")

	assert.Equal(t, "tcp://broker:1883", cfg.Broker)
	assert.Equal(t, byte(1), cfg.QoS)
}
