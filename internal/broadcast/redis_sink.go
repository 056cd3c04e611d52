package broadcast

import (
	"context"

	rediscommon "wisefido-energy/common/redis"
	"wisefido-energy/internal/models"

	"github.com/go-redis/redis/v8"
)

// RedisSink publishes status and completion events on pub/sub channels and
// mirrors completions into a capped stream for late consumers
type RedisSink struct {
	client            *redis.Client
	statusChannel     string
	completionChannel string
	stream            string
	maxLen            int64
}

// NewRedisSink an empty stream name disables the stream mirror
func NewRedisSink(client *redis.Client, statusChannel, completionChannel, stream string, maxLen int64) *RedisSink {
	return &RedisSink{
		client:            client,
		statusChannel:     statusChannel,
		completionChannel: completionChannel,
		stream:            stream,
		maxLen:            maxLen,
	}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) SendStatus(ctx context.Context, evt *models.StatusEvent) error {
	_, err := rediscommon.PublishJSON(ctx, s.client, s.statusChannel, evt)
	return err
}

func (s *RedisSink) SendCompletion(ctx context.Context, evt *models.SessionCompletedEvent) error {
	if _, err := rediscommon.PublishJSON(ctx, s.client, s.completionChannel, evt); err != nil {
		return err
	}
	if s.stream == "" {
		return nil
	}
	_, err := rediscommon.PublishJSONToStream(ctx, s.client, s.stream, s.maxLen, evt)
	return err
}
