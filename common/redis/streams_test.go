package redis

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishJSONToStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	id, err := PublishJSONToStream(ctx, client, "energy:completed:stream", 0, map[string]string{"session_id": "s-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := client.XRange(ctx, "energy:completed:stream", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &decoded))
	assert.Equal(t, "s-1", decoded["session_id"])
}

func TestPublishJSON_ReachesSubscriber(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	sub := client.Subscribe(ctx, "energy:status")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	n, err := PublishJSON(ctx, client, "energy:status", map[string]string{"classification": "offline"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Contains(t, msg.Payload, "offline")
}
