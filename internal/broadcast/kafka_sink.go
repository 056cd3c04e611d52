package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"wisefido-energy/common/config"
	"wisefido-energy/internal/models"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink exports session completions for downstream billing and audit
// consumers. Messages are keyed by session id so replays land on one partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink returns nil when no brokers are configured
func NewKafkaSink(cfg config.KafkaConfig) *KafkaSink {
	if len(cfg.Brokers) == 0 {
		return nil
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           cfg.BatchTimeout,
			AllowAutoTopicCreation: false,
		},
		topic: cfg.Topic,
	}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) SendStatus(context.Context, *models.StatusEvent) error { return nil }

func (s *KafkaSink) SendCompletion(ctx context.Context, evt *models.SessionCompletedEvent) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal completion: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(evt.SessionID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(evt.EventID)},
			{Key: "system_id", Value: []byte(evt.SystemID)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write completion to %s: %w", s.topic, err)
	}
	return nil
}

// Close flushes and closes the writer
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
