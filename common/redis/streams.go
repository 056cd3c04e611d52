package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// PublishJSONToStream appends data as a JSON "data" field to a capped stream.
// maxLen <= 0 leaves the stream uncapped.
func PublishJSONToStream(ctx context.Context, client *redis.Client, stream string, maxLen int64, data interface{}) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal stream payload: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"data":      string(payload),
			"timestamp": time.Now().Unix(),
		},
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}

	id, err := client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to xadd to %s: %w", stream, err)
	}
	return id, nil
}

// PublishJSON sends data as JSON on a pub/sub channel and returns the receiver count
func PublishJSON(ctx context.Context, client *redis.Client, channel string, data interface{}) (int64, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal channel payload: %w", err)
	}
	n, err := client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return n, nil
}
