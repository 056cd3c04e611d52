package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"wisefido-energy/internal/models"

	"github.com/go-redis/redis/v8"
)

// ErrSnapshotMiss no live snapshot for the device
var ErrSnapshotMiss = errors.New("telemetry snapshot miss")

type snapshot struct {
	Event      models.TelemetryEvent `json:"event"`
	ReceivedAt time.Time             `json:"received_at"`
}

// SnapshotCache latest event per device in Redis. Entries expire with the
// staleness window, so a miss also means the device is offline.
type SnapshotCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewSnapshotCache keys are prefix + device id
func NewSnapshotCache(client *redis.Client, prefix string, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *SnapshotCache) key(deviceID string) string {
	return c.prefix + deviceID
}

// Save stores evt as the device's snapshot
func (c *SnapshotCache) Save(ctx context.Context, evt models.TelemetryEvent, receivedAt time.Time) error {
	data, err := json.Marshal(snapshot{Event: evt, ReceivedAt: receivedAt})
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := c.client.Set(ctx, c.key(evt.DeviceID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot for %s: %w", evt.DeviceID, err)
	}
	return nil
}

// Get the device's snapshot and when it was received
func (c *SnapshotCache) Get(ctx context.Context, deviceID string) (*models.TelemetryEvent, time.Time, error) {
	data, err := c.client.Get(ctx, c.key(deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, time.Time{}, ErrSnapshotMiss
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read snapshot for %s: %w", deviceID, err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to decode snapshot for %s: %w", deviceID, err)
	}
	return &snap.Event, snap.ReceivedAt, nil
}

// Warm seeds the tracker with live snapshots so a restart does not report
// every device offline until its next message. Returns the number restored.
func (c *SnapshotCache) Warm(ctx context.Context, tracker *Tracker, deviceIDs []string) (int, error) {
	restored := 0
	for _, id := range deviceIDs {
		evt, receivedAt, err := c.Get(ctx, id)
		if errors.Is(err, ErrSnapshotMiss) {
			continue
		}
		if err != nil {
			return restored, err
		}
		tracker.Observe(*evt, receivedAt)
		restored++
	}
	return restored, nil
}
