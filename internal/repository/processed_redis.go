package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisProcessedStore exactly-once markers shared by every instance (SETNX with TTL)
type RedisProcessedStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisProcessedStore(client *redis.Client, prefix string, ttl time.Duration) *RedisProcessedStore {
	return &RedisProcessedStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisProcessedStore) key(scope, id string) string {
	return s.prefix + scope + ":" + id
}

func (s *RedisProcessedStore) MarkProcessed(ctx context.Context, scope, id string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(scope, id), time.Now().UTC().Format(time.RFC3339), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark %s %s processed: %w", scope, id, err)
	}
	return ok, nil
}

func (s *RedisProcessedStore) Unmark(ctx context.Context, scope, id string) error {
	if err := s.client.Del(ctx, s.key(scope, id)).Err(); err != nil {
		return fmt.Errorf("failed to unmark %s %s: %w", scope, id, err)
	}
	return nil
}
