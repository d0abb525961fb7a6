package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/FwForge/control_plane/bamboo"
	"github.com/itskum47/FwForge/control_plane/reconciler"
	"github.com/itskum47/FwForge/control_plane/store"
	"github.com/itskum47/FwForge/control_plane/timeline"
)

// fakeCI answers triggers after an optional gate is closed.
type fakeCI struct {
	mu    sync.Mutex
	seq   int
	calls []map[string]string
	gate  chan struct{}
	fail  error
}

func (f *fakeCI) Trigger(ctx context.Context, planKey string, vars map[string]string) <-chan bamboo.TriggerOutcome {
	f.mu.Lock()
	f.seq++
	n := f.seq
	f.calls = append(f.calls, vars)
	gate, fail := f.gate, f.fail
	f.mu.Unlock()

	ch := make(chan bamboo.TriggerOutcome, 1)
	go func() {
		if gate != nil {
			<-gate
		}
		if fail != nil {
			ch <- bamboo.TriggerOutcome{Err: fail}
			return
		}
		ch <- bamboo.TriggerOutcome{Result: &bamboo.TriggerResult{
			BuildResultKey: fmt.Sprintf("%s-%d", planKey, n),
			PlanKey:        planKey,
			BuildNumber:    n,
		}}
	}()
	return ch
}

func (f *fakeCI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeCI) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	store *store.MemoryStore
	ci    *fakeCI
	rec   *reconciler.Reconciler
	sched *Scheduler
	clock *manualClock
}

func newHarness(t *testing.T, cfg Config, layer *store.Layer) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		store: store.NewMemoryStore(),
		ci:    &fakeCI{},
		clock: &manualClock{t: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)},
	}
	require.NoError(t, h.store.UpsertProject(ctx, &store.Project{
		ID:          "proj",
		ProjectName: "Modem FW",
		PlanID:      "FW-NIGHTLY",
		ScmConfig:   map[string]any{"branch": "develop"},
	}))
	if layer == nil {
		layer = &store.Layer{ID: "layer", ProjectID: "proj", Name: "core", Type: store.LayerNormal, BuildEnabled: true, SamEnabled: true, CoverityEnabled: true}
	}
	require.NoError(t, h.store.UpsertLayer(ctx, layer))

	h.rec = reconciler.New(h.store, nil, nil)
	h.sched = NewScheduler(h.store, h.ci, h.rec, timeline.NewStore(0), cfg, nil, WithClock(h.clock.Now))
	return h
}

func (h *harness) enqueue(t *testing.T, priority int) *store.QueueItem {
	t.Helper()
	item, err := h.sched.Enqueue(context.Background(), EnqueueRequest{ProjectID: "proj", LayerID: "layer", Priority: &priority})
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	return item
}

func (h *harness) item(t *testing.T, id string) *store.QueueItem {
	t.Helper()
	it, err := h.store.GetQueueItem(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, it)
	return it
}

func (h *harness) count(t *testing.T, status store.QueueStatus) int {
	t.Helper()
	n, err := h.store.CountQueueByStatus(context.Background(), status)
	require.NoError(t, err)
	return n
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CircuitThreshold = 0
	return cfg
}

func TestEnqueueValidatesCatalog(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), nil)
	require.NoError(t, h.store.UpsertLayer(ctx, &store.Layer{ID: "foreign", ProjectID: "other"}))

	_, err := h.sched.Enqueue(ctx, EnqueueRequest{ProjectID: "nope", LayerID: "layer"})
	assert.True(t, store.IsNotFound(err))
	_, err = h.sched.Enqueue(ctx, EnqueueRequest{ProjectID: "proj", LayerID: "foreign"})
	assert.True(t, store.IsNotFound(err))
	assert.Equal(t, 0, h.count(t, store.QueueWaiting))

	item, err := h.sched.Enqueue(ctx, EnqueueRequest{ProjectID: "proj", LayerID: "layer"})
	require.NoError(t, err)
	assert.Equal(t, store.QueueWaiting, item.Status)
	assert.Equal(t, "manual", item.ReqMethod)
	assert.Equal(t, 0, item.Priority)
	assert.Equal(t, 3, item.MaxRetries)
	require.Len(t, h.sched.Timeline(item.ID), 1)
}

func TestDispatchCreatesStagesFromLayerToggles(t *testing.T) {
	ctx := context.Background()
	layer := &store.Layer{ID: "layer", ProjectID: "proj", Name: "modem", Type: store.LayerNormal, BuildEnabled: true, SamEnabled: false, CoverityEnabled: true}
	h := newHarness(t, testConfig(), layer)
	h.ci.gate = make(chan struct{})

	item := h.enqueue(t, 0)
	h.sched.Tick(ctx)

	got := h.item(t, item.ID)
	require.Equal(t, store.QueueProcessing, got.Status)
	require.NotEmpty(t, got.BuildID)

	stages, err := h.store.ListStages(ctx, got.BuildID)
	require.NoError(t, err)
	require.Len(t, stages, 3)
	assert.Equal(t, store.StagePending, store.FindStage(stages, store.StageBuild).Status)
	assert.Equal(t, store.StageSkipped, store.FindStage(stages, store.StageSAM).Status)
	assert.Equal(t, store.StagePending, store.FindStage(stages, store.StageCoverity).Status)

	build, err := h.store.GetBuild(ctx, got.BuildID)
	require.NoError(t, err)
	assert.Equal(t, 1, build.Round)
	assert.Equal(t, 1, build.BuildNumber)
	assert.Equal(t, "develop", build.Snapshot["scm"].(map[string]any)["branch"])

	close(h.ci.gate)
	h.sched.Wait()

	assert.Equal(t, store.QueueCompleted, h.item(t, item.ID).Status)
	build, err = h.store.GetBuild(ctx, got.BuildID)
	require.NoError(t, err)
	assert.Equal(t, store.BuildRunning, build.Status)
	assert.Equal(t, "FW-NIGHTLY-1", build.ExternalKey)

	h.ci.mu.Lock()
	vars := h.ci.calls[0]
	h.ci.mu.Unlock()
	assert.Equal(t, "proj", vars["PROJECTID"])
	assert.Equal(t, "modem", vars["LAYER_NAME"])
	assert.Equal(t, "Y", vars["CICOVERITYYN"])
}

func TestMaxConcurrentAdmitsOneAtATime(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	h := newHarness(t, cfg, nil)
	h.ci.gate = make(chan struct{})

	first := h.enqueue(t, 0)
	second := h.enqueue(t, 0)

	h.sched.Tick(ctx)
	assert.Equal(t, store.QueueProcessing, h.item(t, first.ID).Status)
	assert.Equal(t, store.QueueWaiting, h.item(t, second.ID).Status)

	h.sched.Tick(ctx)
	assert.Equal(t, 1, h.count(t, store.QueueProcessing))
	assert.Equal(t, store.QueueWaiting, h.item(t, second.ID).Status)
	assert.Equal(t, 1, h.ci.callCount())

	close(h.ci.gate)
	h.sched.Wait()
	assert.Equal(t, store.QueueCompleted, h.item(t, first.ID).Status)

	h.sched.Tick(ctx)
	h.sched.Wait()
	assert.Equal(t, store.QueueCompleted, h.item(t, second.ID).Status)
}

func TestHigherPriorityDispatchesFirst(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	h := newHarness(t, cfg, nil)

	low := h.enqueue(t, 0)
	high := h.enqueue(t, 10)

	h.sched.Tick(ctx)
	h.sched.Wait()
	assert.Equal(t, store.QueueCompleted, h.item(t, high.ID).Status)
	assert.Equal(t, store.QueueWaiting, h.item(t, low.ID).Status)
}

func TestTriggerFailuresExhaustRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), nil)
	h.ci.setFail(&bamboo.ExternalCallError{Op: "trigger", StatusCode: 503, Body: "maintenance"})

	item := h.enqueue(t, 5)
	for attempt := 1; attempt <= 3; attempt++ {
		h.sched.Tick(ctx)
		h.sched.Wait()
		got := h.item(t, item.ID)
		assert.Equal(t, attempt, got.RetryCount)
		assert.Equal(t, 5, got.Priority)
		assert.Equal(t, item.QueuedAt, got.QueuedAt, "retries keep their place in line")
	}

	got := h.item(t, item.ID)
	assert.Equal(t, store.QueueFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Contains(t, got.LastError, "503")

	builds, err := h.store.ListBuilds(ctx, store.BuildFilter{LayerID: "layer"})
	require.NoError(t, err)
	require.Len(t, builds, 3)
	for _, b := range builds {
		assert.Equal(t, store.BuildFailed, b.Status)
		stages, err := h.store.ListStages(ctx, b.ID)
		require.NoError(t, err)
		assert.True(t, store.AllStagesTerminal(stages))
	}

	// A fourth tick has nothing to do.
	h.sched.Tick(ctx)
	h.sched.Wait()
	assert.Equal(t, 3, h.ci.callCount())

	var stages []string
	for _, e := range h.sched.Timeline(item.ID) {
		stages = append(stages, e.Stage)
	}
	assert.Equal(t, timeline.StageFailed, stages[len(stages)-1])
	assert.Contains(t, stages, timeline.StageRetryQueued)
	assert.Contains(t, stages, timeline.StageTriggerFailed)
}

func TestBuildRequestIsResolved(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), nil)
	h.enqueue(t, 0)

	h.sched.Tick(ctx)
	h.sched.Wait()

	// Nothing is left in sent, so the timed-out query is empty.
	stale, err := h.store.ListTimedOutRequests(ctx, h.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestCancelOnlyWhileWaiting(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), nil)
	h.ci.gate = make(chan struct{})
	defer close(h.ci.gate)

	waiting := h.enqueue(t, 0)
	got, err := h.sched.Cancel(ctx, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, store.QueueCancelled, got.Status)

	busy := h.enqueue(t, 0)
	h.sched.Tick(ctx)
	_, err = h.sched.Cancel(ctx, busy.ID)
	var conflict *store.StateConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, string(store.QueueProcessing), conflict.Current)
	assert.Equal(t, store.QueueProcessing, h.item(t, busy.ID).Status)

	_, err = h.sched.Cancel(ctx, "missing")
	assert.True(t, store.IsNotFound(err))
}

func TestSetPriorityOnlyWhileWaiting(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig(), nil)
	item := h.enqueue(t, 0)

	got, err := h.sched.SetPriority(ctx, item.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, got.Priority)

	_, err = h.sched.Cancel(ctx, item.ID)
	require.NoError(t, err)
	_, err = h.sched.SetPriority(ctx, item.ID, 1)
	assert.True(t, store.IsStateConflict(err))
}

func TestDisabledSchedulerDoesNotDispatch(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Enabled = false
	h := newHarness(t, cfg, nil)
	item := h.enqueue(t, 0)

	h.sched.Tick(ctx)
	assert.Equal(t, store.QueueWaiting, h.item(t, item.ID).Status)

	h.sched.SetEnabled(true)
	h.sched.Tick(ctx)
	h.sched.Wait()
	assert.Equal(t, store.QueueCompleted, h.item(t, item.ID).Status)

	status, err := h.sched.QueueStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.SchedulerEnabled)
	assert.Equal(t, 0, status.Waiting)
}

func TestOverlappingTickReturnsImmediately(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	item := h.enqueue(t, 0)

	h.sched.tickMu.Lock()
	h.sched.Tick(context.Background())
	h.sched.tickMu.Unlock()

	assert.Equal(t, store.QueueWaiting, h.item(t, item.ID).Status)
}

func TestProcessingNeverExceedsCap(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxConcurrent = 3
	h := newHarness(t, cfg, nil)
	h.ci.gate = make(chan struct{})
	for i := 0; i < 10; i++ {
		h.enqueue(t, i%3)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.sched.Tick(ctx)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, h.count(t, store.QueueProcessing), 3)

	close(h.ci.gate)
	h.sched.Wait()
	for i := 0; i < 5; i++ {
		h.sched.Tick(ctx)
		h.sched.Wait()
		assert.LessOrEqual(t, h.count(t, store.QueueProcessing), 3)
	}
	assert.Equal(t, 10, h.count(t, store.QueueCompleted))
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.CircuitThreshold = 2
	cfg.CircuitCooldown = time.Minute
	cfg.MaxConcurrent = 1
	h := newHarness(t, cfg, nil)
	h.ci.setFail(errors.New("connection refused"))

	item := h.enqueue(t, 0)
	for i := 0; i < 2; i++ {
		h.sched.Tick(ctx)
		h.sched.Wait()
	}
	assert.Equal(t, CircuitOpen, h.sched.breaker.GetState())

	h.sched.Tick(ctx)
	h.sched.Wait()
	assert.Equal(t, 2, h.ci.callCount(), "no dispatch while open")
	assert.Equal(t, store.QueueWaiting, h.item(t, item.ID).Status)

	h.clock.Advance(2 * time.Minute)
	h.ci.setFail(nil)
	h.sched.Tick(ctx)
	h.sched.Wait()
	assert.Equal(t, 3, h.ci.callCount(), "one probe after cooldown")
	assert.Equal(t, CircuitClosed, h.sched.breaker.GetState())
	assert.Equal(t, store.QueueCompleted, h.item(t, item.ID).Status)
}

func TestStartStop(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 10 * time.Millisecond
	h := newHarness(t, cfg, nil)
	item := h.enqueue(t, 0)

	h.sched.Start(context.Background())
	require.Eventually(t, func() bool {
		it, _ := h.store.GetQueueItem(context.Background(), item.ID)
		return it.Status == store.QueueCompleted
	}, time.Second, 10*time.Millisecond)
	h.sched.Stop()

	snap, err := h.sched.GetSnapshot(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, snap.LastTick)
	assert.Equal(t, "closed", snap.CircuitState)
}

type queueEvents struct {
	mu       sync.Mutex
	payloads []map[string]any
}

func (q *queueEvents) Publish(ctx context.Context, topic string, payload any) error {
	if m, ok := payload.(map[string]any); ok {
		q.mu.Lock()
		q.payloads = append(q.payloads, m)
		q.mu.Unlock()
	}
	return nil
}

func (q *queueEvents) Close() error { return nil }

func (q *queueEvents) statuses() []store.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []store.QueueStatus
	for _, p := range q.payloads {
		if st, ok := p["status"].(store.QueueStatus); ok {
			out = append(out, st)
		}
	}
	return out
}

func TestTriggeredItemEventCarriesCompletedStatus(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	events := &queueEvents{}
	h.sched.publisher = events
	item := h.enqueue(t, 0)

	h.sched.Tick(context.Background())
	h.sched.Wait()

	require.Equal(t, store.QueueCompleted, h.item(t, item.ID).Status)
	require.Eventually(t, func() bool { return len(events.statuses()) == 2 },
		time.Second, 5*time.Millisecond, "enqueue and trigger events")
	assert.ElementsMatch(t, []store.QueueStatus{store.QueueWaiting, store.QueueCompleted}, events.statuses())

	events.mu.Lock()
	defer events.mu.Unlock()
	for _, p := range events.payloads {
		if p["status"] == store.QueueCompleted {
			assert.NotEmpty(t, p["buildId"])
		}
	}
}
