package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqttcommon "wisefido-energy/common/mqtt"
	"wisefido-energy/internal/metrics"
	"wisefido-energy/internal/models"
	"wisefido-energy/internal/telemetry"

	"go.uber.org/zap"
)

// Subscriber MQTT subscription surface (common/mqtt.Client)
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// TelemetryApplier consumes canonical events (session.Manager)
type TelemetryApplier interface {
	ApplyTelemetry(ctx context.Context, evt models.TelemetryEvent, receivedAt time.Time) error
}

// SnapshotStore keeps the last known event per device; optional
type SnapshotStore interface {
	Save(ctx context.Context, evt models.TelemetryEvent, receivedAt time.Time) error
}

// MQTTConsumer device telemetry consumer
type MQTTConsumer struct {
	subscriber Subscriber
	topics     []string
	qos        byte
	tracker    *telemetry.Tracker
	applier    TelemetryApplier
	snapshots  SnapshotStore
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	ctx context.Context
}

// NewMQTTConsumer creates a consumer; snapshots may be nil
func NewMQTTConsumer(
	subscriber Subscriber,
	topics []string,
	qos byte,
	tracker *telemetry.Tracker,
	applier TelemetryApplier,
	snapshots SnapshotStore,
	logger *zap.Logger,
	m *metrics.Metrics,
) *MQTTConsumer {
	return &MQTTConsumer{
		subscriber: subscriber,
		topics:     topics,
		qos:        qos,
		tracker:    tracker,
		applier:    applier,
		snapshots:  snapshots,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
		ctx:        context.Background(),
	}
}

// Start subscribes to every telemetry topic and blocks until ctx is done
func (c *MQTTConsumer) Start(ctx context.Context) error {
	c.ctx = ctx
	for i, topic := range c.topics {
		if err := c.subscriber.Subscribe(topic, c.qos, c.HandleMessage); err != nil {
			if i > 0 {
				_ = c.subscriber.Unsubscribe(c.topics[:i]...)
			}
			return fmt.Errorf("failed to subscribe to telemetry topic: %w", err)
		}
	}

	c.logger.Info("MQTT consumer started",
		zap.Strings("topics", c.topics),
	)

	<-ctx.Done()
	return nil
}

// Stop drops the subscriptions
func (c *MQTTConsumer) Stop() error {
	if len(c.topics) == 0 {
		return nil
	}
	if err := c.subscriber.Unsubscribe(c.topics...); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
		return err
	}
	c.logger.Info("MQTT consumer stopped")
	return nil
}

// HandleMessage normalizes one raw message and applies it. Messages that
// match no known device format are counted and dropped.
func (c *MQTTConsumer) HandleMessage(topic string, payload []byte) error {
	receivedAt := c.now()

	var prev *models.TelemetryEvent
	if deviceID := telemetry.DeviceIDFromTopic(topic); deviceID != "" {
		if last, ok := c.tracker.Latest(deviceID); ok {
			prev = &last
		}
	}

	evt, err := telemetry.Normalize(topic, payload, prev, receivedAt)
	switch {
	case errors.Is(err, telemetry.ErrIgnored):
		c.metrics.TelemetryReceived("ignored")
		return nil
	case err != nil:
		c.metrics.TelemetryReceived("rejected")
		c.logger.Debug("Dropping telemetry message",
			zap.String("topic", topic),
			zap.Int("payload_size", len(payload)),
			zap.Error(err),
		)
		return nil
	}

	if err := c.applier.ApplyTelemetry(c.ctx, *evt, receivedAt); err != nil {
		c.metrics.TelemetryReceived("failed")
		return fmt.Errorf("failed to apply telemetry for %s: %w", evt.DeviceID, err)
	}

	if c.snapshots != nil {
		if err := c.snapshots.Save(c.ctx, *evt, receivedAt); err != nil {
			c.logger.Warn("Failed to cache telemetry snapshot",
				zap.String("device_id", evt.DeviceID),
				zap.Error(err),
			)
		}
	}
	return nil
}
