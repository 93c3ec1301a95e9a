package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestStreams_PublishReadAck(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()

	stream := "runner:telemetry:stream"
	group := "pacebeats-monitor"

	require.NoError(t, CreateConsumerGroup(ctx, client, stream, group))
	// 组已存在时不报错
	require.NoError(t, CreateConsumerGroup(ctx, client, stream, group))

	payload := map[string]interface{}{"session_id": "S1", "heart_rate_bpm": 150}
	id, err := PublishJSONToStream(ctx, client, stream, payload, 1000)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := ReadFromStream(ctx, client, stream, group, "worker-1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)

	data, err := msgs[0].Data()
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "S1", decoded["session_id"])

	require.NoError(t, AckMessages(ctx, client, stream, group, msgs[0].ID))
	pending, err := client.XPending(ctx, stream, group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)

	// 没有新消息时超时返回空列表
	msgs, err = ReadFromStream(ctx, client, stream, group, "worker-1", 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestStreamMessage_DataMissing(t *testing.T) {
	_, err := StreamMessage{ID: "1-0", Values: map[string]interface{}{"init": "true"}}.Data()
	assert.Error(t, err)
}

func TestStreams_ReadPendingOnlyOwnConsumer(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()
	stream, group := "runner:telemetry:stream", "pacebeats-monitor"
	require.NoError(t, CreateConsumerGroup(ctx, client, stream, group))

	for i := 0; i < 2; i++ {
		_, err := PublishJSONToStream(ctx, client, stream, map[string]interface{}{"n": i}, 0)
		require.NoError(t, err)
	}
	msgs, err := ReadFromStream(ctx, client, stream, group, "worker-1", 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	other, err := ReadFromStream(ctx, client, stream, group, "worker-2", 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, other, 1)

	pending, err := ReadPendingFromStream(ctx, client, stream, group, "worker-1", "0", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, msgs[0].ID, pending[0].ID)

	pending, err = ReadPendingFromStream(ctx, client, stream, group, "worker-1", pending[0].ID, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, AckMessages(ctx, client, stream, group, msgs[0].ID))
	pending, err = ReadPendingFromStream(ctx, client, stream, group, "worker-1", "0", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
