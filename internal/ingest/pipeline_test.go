package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"pacebeats-monitor/internal/alert"
	"pacebeats-monitor/internal/models"
	"pacebeats-monitor/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Publish(ev models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) alertEvents() []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, ev := range r.events {
		if ev.Type.IsAlert() {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) countType(t models.EventType) int {
	n := 0
	for _, ev := range r.alertEvents() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type sinkRecorder struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (s *sinkRecorder) Enqueue(a models.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
}

type fakeArchive map[string]models.Alert

func (f fakeArchive) GetAlert(_ context.Context, id string) (models.Alert, error) {
	a, ok := f[id]
	if !ok {
		return models.Alert{}, fmt.Errorf("alert %s: %w", id, models.ErrNotFound)
	}
	return a, nil
}

type fixture struct {
	pipeline *Pipeline
	events   *recorder
	sink     *sinkRecorder
}

func newFixture(t *testing.T, opts Options, archive AlertArchive) fixture {
	t.Helper()
	reg := registry.New(8)
	mgr := alert.NewManager(zap.NewNop())
	ev := &recorder{}
	sink := &sinkRecorder{}
	p := NewPipeline(reg, mgr, ev, sink, archive, opts, nil, zap.NewNop())
	p.now = func() time.Time { return t0.Add(time.Hour) }
	return fixture{pipeline: p, events: ev, sink: sink}
}

func sample(session string, hr int, at time.Time) models.Sample {
	return models.Sample{SessionID: session, UserID: "user-1", DisplayName: "Ana", HeartRateBPM: hr, Timestamp: at}
}

func TestSubmit_EndToEndScenario(t *testing.T) {
	f := newFixture(t, DefaultOptions(), nil)
	ctx := context.Background()

	rates := []int{140, 165, 190, 170, 145}
	want := []models.Status{models.StatusNormal, models.StatusHigh, models.StatusCritical, models.StatusHigh, models.StatusNormal}
	wantAlert := []models.EventType{"", models.EventAlertCreated, models.EventAlertUpdated, "", models.EventAlertResolved}

	for i, hr := range rates {
		ack, err := f.pipeline.Submit(ctx, sample("S1", hr, t0.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		assert.Equal(t, want[i], ack.Status, "sample %d", i)
		assert.Equal(t, i == 0, ack.Created)
		if wantAlert[i] == "" {
			assert.Nil(t, ack.Alert, "sample %d", i)
		} else {
			require.NotNil(t, ack.Alert, "sample %d", i)
			assert.Equal(t, wantAlert[i], ack.Alert.Type)
		}
	}

	assert.Equal(t, 1, f.events.countType(models.EventAlertCreated))
	assert.Equal(t, 1, f.events.countType(models.EventAlertUpdated))
	assert.Equal(t, 1, f.events.countType(models.EventAlertResolved))
	assert.Len(t, f.sink.alerts, 3)

	alerts := f.events.alertEvents()
	assert.Equal(t, 165, alerts[0].Alert.HeartRateBPM)
	assert.Equal(t, alerts[0].Alert.ID, alerts[2].Alert.ID)
	assert.Empty(t, f.pipeline.Alerts().OpenAlerts())

	st, ok := f.pipeline.Registry().Get("S1")
	require.True(t, ok)
	assert.Equal(t, 145, st.HeartRateBPM)
	assert.Equal(t, models.StatusNormal, st.Status)
}

func TestSubmit_RemoveThenSubmit(t *testing.T) {
	f := newFixture(t, DefaultOptions(), nil)
	ctx := context.Background()

	_, err := f.pipeline.Submit(ctx, sample("S1", 140, t0))
	require.NoError(t, err)

	removed, err := f.pipeline.EndSession(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, "S1", removed.SessionID)

	_, err = f.pipeline.Submit(ctx, sample("S1", 150, t0.Add(time.Second)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrUnknownSession))
	var ie *models.IngestError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, models.KindUnknownSession, ie.Kind)

	_, err = f.pipeline.EndSession(ctx, "S1")
	assert.True(t, errors.Is(err, models.ErrUnknownSession))

	var removedEvents int
	for _, ev := range f.events.events {
		if ev.Type == models.EventRunnerRemoved {
			removedEvents++
		}
	}
	assert.Equal(t, 1, removedEvents)
}

func TestSubmit_LateSampleAfterTombstonePruned(t *testing.T) {
	f := newFixture(t, DefaultOptions(), nil)
	ctx := context.Background()

	_, err := f.pipeline.Submit(ctx, sample("S1", 140, t0))
	require.NoError(t, err)
	_, err = f.pipeline.EndSession(ctx, "S1")
	require.NoError(t, err)
	require.Equal(t, 1, f.pipeline.Registry().PruneRemoved(time.Now().Add(time.Second)))

	_, err = f.pipeline.Submit(ctx, sample("S1", 150, t0.Add(time.Second)))
	assert.True(t, errors.Is(err, models.ErrUnknownSession))
	_, ok := f.pipeline.Registry().Get("S1")
	assert.False(t, ok)
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t, DefaultOptions(), nil)
	ctx := context.Background()
	neg := -1.0
	nan := math.NaN()

	cases := map[string]models.Sample{
		"empty session":  sample("", 120, t0),
		"bad session":    sample("has space", 120, t0),
		"zero hr":        sample("S1", 0, t0),
		"implausible hr": sample("S1", 400, t0),
		"future":         sample("S1", 120, t0.Add(3*time.Hour)),
		"negative":       {SessionID: "S1", UserID: "u", HeartRateBPM: 120, Timestamp: t0, Distance: &neg},
		"nan":            {SessionID: "S1", UserID: "u", HeartRateBPM: 120, Timestamp: t0, Pace: &nan},
		"no user on new": {SessionID: "S1", HeartRateBPM: 120, Timestamp: t0},
	}
	for name, s := range cases {
		_, err := f.pipeline.Submit(ctx, s)
		assert.True(t, errors.Is(err, models.ErrInvalidSample), name)
	}
	assert.Equal(t, 0, f.pipeline.Registry().Len())
	assert.Empty(t, f.events.events)
}

func TestSubmit_ZeroTimestampUsesServerTime(t *testing.T) {
	f := newFixture(t, DefaultOptions(), nil)
	_, err := f.pipeline.Submit(context.Background(), sample("S1", 120, time.Time{}))
	require.NoError(t, err)
	st, _ := f.pipeline.Registry().Get("S1")
	assert.Equal(t, t0.Add(time.Hour), st.LastUpdate)
}

func TestSubmit_StaleSample(t *testing.T) {
	f := newFixture(t, DefaultOptions(), nil)
	ctx := context.Background()
	_, err := f.pipeline.Submit(ctx, sample("S1", 170, t0.Add(time.Second)))
	require.NoError(t, err)

	ack, err := f.pipeline.Submit(ctx, sample("S1", 100, t0))
	require.NoError(t, err)
	assert.True(t, ack.Stale)
	assert.Equal(t, models.StatusHigh, ack.Status)
	assert.Nil(t, ack.Alert)
	assert.Len(t, f.pipeline.Alerts().OpenAlerts(), 1)
}

func TestSubmit_AutoRegisterDisabled(t *testing.T) {
	opts := DefaultOptions()
	opts.AutoRegister = false
	f := newFixture(t, opts, nil)
	ctx := context.Background()

	_, err := f.pipeline.Submit(ctx, sample("S1", 120, t0))
	assert.True(t, errors.Is(err, models.ErrUnknownSession))

	_, err = f.pipeline.Register(ctx, "S1", "user-1", "Ana")
	require.NoError(t, err)
	ack, err := f.pipeline.Submit(ctx, sample("S1", 120, t0))
	require.NoError(t, err)
	assert.False(t, ack.Created)
	assert.Equal(t, models.StatusNormal, ack.Status)
}

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t, DefaultOptions(), nil)
	ctx := context.Background()
	_, err := f.pipeline.Register(ctx, "bad id", "u", "")
	assert.True(t, errors.Is(err, models.ErrInvalidSample))
	_, err = f.pipeline.Register(ctx, "S1", "", "")
	assert.True(t, errors.Is(err, models.ErrInvalidSample))
}

func TestSubmit_FirstSampleElevatedOpensAlert(t *testing.T) {
	f := newFixture(t, DefaultOptions(), nil)
	ack, err := f.pipeline.Submit(context.Background(), sample("S1", 185, t0))
	require.NoError(t, err)
	require.NotNil(t, ack.Alert)
	assert.Equal(t, models.EventAlertCreated, ack.Alert.Type)
	assert.Equal(t, models.SeverityCritical, ack.Alert.Alert.Severity)
}

func TestResolveAlert_OperatorAndIdempotent(t *testing.T) {
	f := newFixture(t, DefaultOptions(), nil)
	ctx := context.Background()
	ack, err := f.pipeline.Submit(ctx, sample("S1", 170, t0))
	require.NoError(t, err)
	id := ack.Alert.Alert.ID

	a, err := f.pipeline.ResolveAlert(ctx, id, "coach")
	require.NoError(t, err)
	assert.True(t, a.Resolved)
	assert.Equal(t, "coach", a.ResolvedBy)

	a, err = f.pipeline.ResolveAlert(ctx, id, "coach")
	require.NoError(t, err)
	assert.True(t, a.Resolved)
	assert.Equal(t, 1, f.events.countType(models.EventAlertResolved))

	// 持续 HIGH 不再重复报警
	ack, err = f.pipeline.Submit(ctx, sample("S1", 172, t0.Add(time.Second)))
	require.NoError(t, err)
	assert.Nil(t, ack.Alert)

	_, err = f.pipeline.ResolveAlert(ctx, "nope", "coach")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestResolveAlert_FromArchive(t *testing.T) {
	archive := fakeArchive{
		"old-resolved": {ID: "old-resolved", SessionID: "S9", Resolved: true},
		"old-open":     {ID: "old-open", SessionID: "S9"},
	}
	f := newFixture(t, DefaultOptions(), archive)
	ctx := context.Background()

	a, err := f.pipeline.ResolveAlert(ctx, "old-resolved", "coach")
	require.NoError(t, err)
	assert.True(t, a.Resolved)
	assert.Empty(t, f.sink.alerts)

	a, err = f.pipeline.ResolveAlert(ctx, "old-open", "coach")
	require.NoError(t, err)
	assert.True(t, a.Resolved)
	assert.Equal(t, "coach", a.ResolvedBy)
	require.Len(t, f.sink.alerts, 1)
	assert.Equal(t, "old-open", f.sink.alerts[0].ID)

	_, err = f.pipeline.ResolveAlert(ctx, "missing", "coach")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

// 同一会话并发提交：任意时刻最多一条未解除报警，且报警事件严格交替
func TestSubmit_ConcurrentAtMostOneOpenAlert(t *testing.T) {
	f := newFixture(t, DefaultOptions(), nil)
	ctx := context.Background()
	rates := []int{120, 165, 190, 170, 140, 45, 185, 100, 162}

	const sessions = 4
	const workers = 8
	const perWorker = 300

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				sid := fmt.Sprintf("S%d", (w+i)%sessions)
				at := t0.Add(time.Duration(i) * time.Millisecond)
				_, err := f.pipeline.Submit(ctx, sample(sid, rates[(w*7+i)%len(rates)], at))
				assert.NoError(t, err)
				if i%50 == 0 {
					for _, a := range f.pipeline.Alerts().OpenAlerts() {
						_, _ = f.pipeline.ResolveAlert(ctx, a.ID, "coach")
					}
				}
			}
		}(w)
	}
	wg.Wait()

	open := map[string]string{}
	for _, ev := range f.events.alertEvents() {
		sid := ev.SessionID
		switch ev.Type {
		case models.EventAlertCreated:
			require.Empty(t, open[sid], "second open alert for %s", sid)
			open[sid] = ev.Alert.ID
		case models.EventAlertUpdated:
			require.Equal(t, open[sid], ev.Alert.ID)
		case models.EventAlertResolved:
			require.Equal(t, open[sid], ev.Alert.ID)
			open[sid] = ""
		}
	}

	counts := map[string]int{}
	for _, a := range f.pipeline.Alerts().OpenAlerts() {
		counts[a.SessionID]++
	}
	for sid, n := range counts {
		assert.LessOrEqual(t, n, 1, sid)
	}
	assert.Equal(t, 0, f.pipeline.locks.size())
}

func TestSnapshotView(t *testing.T) {
	f := newFixture(t, DefaultOptions(), nil)
	ctx := context.Background()
	_, err := f.pipeline.Submit(ctx, sample("S1", 170, t0))
	require.NoError(t, err)
	_, err = f.pipeline.Submit(ctx, sample("S2", 90, t0))
	require.NoError(t, err)

	snap := NewView(f.pipeline.Registry(), f.pipeline.Alerts()).Snapshot()
	assert.Len(t, snap.Runners, 2)
	require.Len(t, snap.OpenAlerts, 1)
	assert.Equal(t, "S1", snap.OpenAlerts[0].SessionID)

	empty := NewView(registry.New(1), alert.NewManager(zap.NewNop())).Snapshot()
	assert.NotNil(t, empty.Runners)
	assert.NotNil(t, empty.OpenAlerts)
}

func TestSubmit_CanceledContext(t *testing.T) {
	f := newFixture(t, DefaultOptions(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.pipeline.Submit(ctx, sample("S1", 120, t0))
	assert.ErrorIs(t, err, context.Canceled)
}
