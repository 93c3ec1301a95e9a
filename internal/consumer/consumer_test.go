package consumer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqttcommon "pacebeats-monitor/common/mqtt"
	rediscommon "pacebeats-monitor/common/redis"
	"pacebeats-monitor/internal/models"
	"pacebeats-monitor/internal/registry"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeSubmitter struct {
	mu      sync.Mutex
	samples []models.Sample
	err     error
}

func (f *fakeSubmitter) Submit(_ context.Context, s models.Sample) (models.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, s)
	if f.err != nil {
		return models.Ack{}, f.err
	}
	return models.Ack{SessionID: s.SessionID}, nil
}

func (f *fakeSubmitter) received() []models.Sample {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Sample(nil), f.samples...)
}

type fakeSubscriber struct {
	mu           sync.Mutex
	handler      mqttcommon.MessageHandler
	topic        string
	unsubscribed []string
}

func (f *fakeSubscriber) Subscribe(topic string, _ byte, handler mqttcommon.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topic = topic
	f.handler = handler
	return nil
}

func (f *fakeSubscriber) Unsubscribe(topics ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, topics...)
	return nil
}

func TestMQTTConsumer_HandleMessage(t *testing.T) {
	sub := &fakeSubscriber{}
	submitter := &fakeSubmitter{}
	c := NewMQTTConsumer("runner/+/telemetry", 1, sub, submitter, zap.NewNop())

	err := c.handleMessage("runner/S1/telemetry", []byte(`{"session_id":"other","user_id":"u1","heart_rate_bpm":155,"timestamp":"2026-03-01T08:00:00Z"}`))
	require.NoError(t, err)

	got := submitter.received()
	require.Len(t, got, 1)
	assert.Equal(t, "S1", got[0].SessionID, "topic wins")
	assert.Equal(t, 155, got[0].HeartRateBPM)
	assert.True(t, t0.Equal(got[0].Timestamp))
}

func TestMQTTConsumer_Rejects(t *testing.T) {
	submitter := &fakeSubmitter{}
	c := NewMQTTConsumer("runner/+/telemetry", 1, &fakeSubscriber{}, submitter, zap.NewNop())

	assert.Error(t, c.handleMessage("runner/S1/data", []byte(`{}`)))
	assert.Error(t, c.handleMessage("runner//telemetry", []byte(`{}`)))
	err := c.handleMessage("runner/S1/telemetry", []byte(`garbage`))
	assert.True(t, errors.Is(err, models.ErrInvalidSample))
	assert.Empty(t, submitter.received())

	submitter.err = models.UnknownSession("S1", "session already ended")
	err = c.handleMessage("runner/S1/telemetry", []byte(`{"heart_rate_bpm":120}`))
	assert.True(t, errors.Is(err, models.ErrUnknownSession))
}

func TestMQTTConsumer_StartSubscribesUntilCanceled(t *testing.T) {
	sub := &fakeSubscriber{}
	c := NewMQTTConsumer("runner/+/telemetry", 1, sub, &fakeSubmitter{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return sub.handler != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "runner/+/telemetry", sub.topic)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"runner/+/telemetry"}, sub.unsubscribed)
}

func setupStream(t *testing.T, submitter Submitter) (*redis.Client, *StreamConsumer) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := NewStreamConsumer(client, StreamOptions{
		Stream:   "runner:telemetry:stream",
		Group:    "pacebeats-monitor",
		Consumer: "test",
		Batch:    10,
		Block:    20 * time.Millisecond,
	}, submitter, zap.NewNop())
	return client, c
}

func TestStreamConsumer_ConsumesAndAcks(t *testing.T) {
	submitter := &fakeSubmitter{}
	client, c := setupStream(t, submitter)
	ctx := context.Background()

	require.NoError(t, rediscommon.CreateConsumerGroup(ctx, client, c.opts.Stream, c.opts.Group))
	_, err := rediscommon.PublishJSONToStream(ctx, client, c.opts.Stream, map[string]interface{}{
		"session_id": "S1", "user_id": "u1", "heart_rate_bpm": 150,
	}, 0)
	require.NoError(t, err)
	_, err = client.XAdd(ctx, &redis.XAddArgs{Stream: c.opts.Stream, Values: map[string]interface{}{"other": "x"}}).Result()
	require.NoError(t, err)

	n, left, err := c.consumeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, left)

	got := submitter.received()
	require.Len(t, got, 1)
	assert.Equal(t, "S1", got[0].SessionID)

	pending, err := client.XPending(ctx, c.opts.Stream, c.opts.Group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestStreamConsumer_RejectedAckedOtherErrorsPending(t *testing.T) {
	submitter := &fakeSubmitter{err: models.InvalidSample("S1", "heart_rate_bpm 999 out of range")}
	client, c := setupStream(t, submitter)
	ctx := context.Background()
	require.NoError(t, rediscommon.CreateConsumerGroup(ctx, client, c.opts.Stream, c.opts.Group))

	payload := map[string]interface{}{"session_id": "S1", "user_id": "u1", "heart_rate_bpm": 999}
	_, err := rediscommon.PublishJSONToStream(ctx, client, c.opts.Stream, payload, 0)
	require.NoError(t, err)
	_, _, err = c.consumeOnce(ctx)
	require.NoError(t, err)

	pending, err := client.XPending(ctx, c.opts.Stream, c.opts.Group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)

	submitter.err = context.Canceled
	_, err = rediscommon.PublishJSONToStream(ctx, client, c.opts.Stream, payload, 0)
	require.NoError(t, err)
	_, left, err := c.consumeOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, left)

	pending, err = client.XPending(ctx, c.opts.Stream, c.opts.Group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)
}

func TestStreamConsumer_StartStops(t *testing.T) {
	submitter := &fakeSubmitter{}
	client, c := setupStream(t, submitter)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool {
		_, err := rediscommon.PublishJSONToStream(context.Background(), client, c.opts.Stream,
			map[string]interface{}{"session_id": "S2", "user_id": "u2", "heart_rate_bpm": 120}, 0)
		return err == nil && len(submitter.received()) > 0
	}, 2*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream consumer did not stop")
	}
}

func TestStreamConsumer_RestartReplaysPending(t *testing.T) {
	submitter := &fakeSubmitter{err: context.Canceled}
	client, c := setupStream(t, submitter)
	ctx := context.Background()
	require.NoError(t, rediscommon.CreateConsumerGroup(ctx, client, c.opts.Stream, c.opts.Group))

	_, err := rediscommon.PublishJSONToStream(ctx, client, c.opts.Stream,
		map[string]interface{}{"session_id": "S1", "user_id": "u1", "heart_rate_bpm": 150}, 0)
	require.NoError(t, err)
	_, left, err := c.consumeOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, left)

	// 同名消费者重启后先重放 pending
	submitter.mu.Lock()
	submitter.err = nil
	submitter.mu.Unlock()
	restarted := NewStreamConsumer(client, c.opts, submitter, zap.NewNop())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- restarted.Start(runCtx) }()

	require.Eventually(t, func() bool {
		pending, err := client.XPending(ctx, c.opts.Stream, c.opts.Group).Result()
		return err == nil && pending.Count == 0
	}, 2*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	got := submitter.received()
	require.Len(t, got, 2, "first attempt failed, replay succeeded")
	assert.Equal(t, "S1", got[1].SessionID)
}

func TestStreamConsumer_ReplayKeepsFailingMessagePending(t *testing.T) {
	submitter := &fakeSubmitter{err: errors.New("pipeline stopped")}
	client, c := setupStream(t, submitter)
	ctx := context.Background()
	require.NoError(t, rediscommon.CreateConsumerGroup(ctx, client, c.opts.Stream, c.opts.Group))

	for i := 0; i < 3; i++ {
		_, err := rediscommon.PublishJSONToStream(ctx, client, c.opts.Stream,
			map[string]interface{}{"session_id": "S1", "user_id": "u1", "heart_rate_bpm": 150}, 0)
		require.NoError(t, err)
	}
	_, left, err := c.consumeOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, left)

	n, left, err := c.replayPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, left)
	assert.Len(t, submitter.received(), 6)

	pending, err := client.XPending(ctx, c.opts.Stream, c.opts.Group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), pending.Count)
}

type eventRecorder struct {
	events []models.Event
}

func (r *eventRecorder) Publish(ev models.Event) { r.events = append(r.events, ev) }

func TestLivenessSweeper_PublishesTransitions(t *testing.T) {
	reg := registry.New(4)
	_, err := reg.Upsert(models.Sample{SessionID: "S1", UserID: "u1", HeartRateBPM: 120, Timestamp: t0}, models.StatusNormal, true)
	require.NoError(t, err)

	rec := &eventRecorder{}
	s := NewLivenessSweeper(reg, rec, time.Second, time.Minute, nil, zap.NewNop())
	now := t0.Add(5 * time.Second)
	s.now = func() time.Time { return now }

	assert.Equal(t, 0, s.Sweep(), "new LIVE runner is not announced")

	now = t0.Add(15 * time.Second)
	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, models.ConnectionSlow, rec.events[0].Connection)
	assert.Equal(t, models.EventConnectionChanged, rec.events[0].Type)

	assert.Equal(t, 0, s.Sweep(), "no change, no event")

	now = t0.Add(31 * time.Second)
	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, models.ConnectionLost, rec.events[1].Connection)

	_, err = reg.Upsert(models.Sample{SessionID: "S1", HeartRateBPM: 118, Timestamp: now}, models.StatusNormal, true)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, models.ConnectionLive, rec.events[2].Connection)

	reg.Remove("S1")
	assert.Equal(t, 0, s.Sweep())
	assert.Empty(t, s.last)
}

func TestLivenessSweeper_StartStops(t *testing.T) {
	s := NewLivenessSweeper(registry.New(1), &eventRecorder{}, 5*time.Millisecond, 0, nil, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.NoError(t, s.Start(ctx))
}
