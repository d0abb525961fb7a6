// Package scheduler admits queued build requests onto the CI backend under
// a concurrency cap and applies the retry policy to failed triggers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/FwForge/control_plane/bamboo"
	"github.com/itskum47/FwForge/control_plane/logging"
	"github.com/itskum47/FwForge/control_plane/observability"
	"github.com/itskum47/FwForge/control_plane/params"
	"github.com/itskum47/FwForge/control_plane/store"
	"github.com/itskum47/FwForge/control_plane/streaming"
	"github.com/itskum47/FwForge/control_plane/timeline"
)

var errEmptyBuildKey = errors.New("trigger accepted without a buildResultKey")

// Scheduler owns the admission loop.
type Scheduler struct {
	store     store.Store
	ci        CIClient
	tracker   BuildTracker
	timeline  *timeline.Store
	breaker   *CircuitBreaker
	publisher streaming.Publisher
	logger    *slog.Logger
	now       func() time.Time

	mu                sync.RWMutex // protects the runtime controls below
	enabled           bool
	maxConcurrent     int
	defaultMaxRetries int
	lastTick          time.Time

	interval time.Duration
	tickMu   sync.Mutex // held for the duration of a tick

	inflight      sync.WaitGroup
	inflightCount atomic.Int64
	started       atomic.Bool
	running       atomic.Bool
	stopCh        chan struct{}
	stopOnce      sync.Once
	done          chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPublisher emits queue.changed events.
func WithPublisher(p streaming.Publisher) Option {
	return func(s *Scheduler) { s.publisher = p }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
		s.breaker.now = now
	}
}

// NewScheduler creates a Scheduler. tl may be nil.
func NewScheduler(s store.Store, ci CIClient, tracker BuildTracker, tl *timeline.Store, cfg Config, logger *slog.Logger, opts ...Option) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if tl == nil {
		tl = timeline.NewStore(0)
	}
	sched := &Scheduler{
		store:             s,
		ci:                ci,
		tracker:           tracker,
		timeline:          tl,
		breaker:           NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitCooldown),
		logger:            logging.OrDefault(logger).With("component", "scheduler"),
		now:               time.Now,
		enabled:           cfg.Enabled,
		maxConcurrent:     cfg.MaxConcurrent,
		defaultMaxRetries: cfg.DefaultMaxRetries,
		interval:          cfg.PollInterval,
		stopCh:            make(chan struct{}),
		done:              make(chan struct{}),
	}
	for _, o := range opts {
		o(sched)
	}
	return sched
}

// Enqueue validates the request and creates a waiting queue item.
func (s *Scheduler) Enqueue(ctx context.Context, req EnqueueRequest) (*store.QueueItem, error) {
	project, err := s.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, &store.NotFoundError{Entity: "project", ID: req.ProjectID}
	}
	layer, err := s.store.GetLayer(ctx, req.LayerID)
	if err != nil {
		return nil, err
	}
	if layer == nil || layer.ProjectID != project.ID {
		return nil, &store.NotFoundError{Entity: "layer", ID: req.LayerID}
	}

	s.mu.RLock()
	maxRetries := s.defaultMaxRetries
	s.mu.RUnlock()
	if req.MaxRetries != nil && *req.MaxRetries >= 0 {
		maxRetries = *req.MaxRetries
	}

	item := &store.QueueItem{
		ID:            uuid.NewString(),
		ProjectID:     project.ID,
		LayerID:       layer.ID,
		RequesterID:   req.RequesterID,
		ReqMethod:     req.ReqMethod,
		Status:        store.QueueWaiting,
		ScmOverride:   req.ScmOverride,
		BuildOverride: req.BuildOverride,
		MaxRetries:    maxRetries,
		QueuedAt:      s.now(),
	}
	if item.ReqMethod == "" {
		item.ReqMethod = "manual"
	}
	if req.Priority != nil {
		item.Priority = *req.Priority
	}

	if err := s.store.CreateQueueItem(ctx, item); err != nil {
		return nil, fmt.Errorf("create queue item: %w", err)
	}
	s.record(item.ID, timeline.StageEnqueued, "", map[string]string{"priority": fmt.Sprint(item.Priority)})
	s.notify(item)
	s.logger.Info("build request queued",
		"queue_id", item.ID,
		"project_id", item.ProjectID,
		"layer_id", item.LayerID,
		"priority", item.Priority)
	return item, nil
}

// Cancel withdraws a waiting item.
func (s *Scheduler) Cancel(ctx context.Context, queueID string) (*store.QueueItem, error) {
	item, err := s.store.CancelQueueItem(ctx, queueID)
	if err != nil {
		return nil, err
	}
	s.record(item.ID, timeline.StageCancelled, "", nil)
	s.notify(item)
	return item, nil
}

// SetPriority changes the priority of a waiting item.
func (s *Scheduler) SetPriority(ctx context.Context, queueID string, priority int) (*store.QueueItem, error) {
	item, err := s.store.UpdateQueuePriority(ctx, queueID, priority)
	if err != nil {
		return nil, err
	}
	s.record(item.ID, timeline.StagePriority, "", map[string]string{"priority": fmt.Sprint(priority)})
	s.notify(item)
	return item, nil
}

// SetEnabled toggles admission at runtime.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled != enabled {
		s.logger.Info("scheduler toggled", "enabled", enabled)
	}
	s.enabled = enabled
}

// SetMaxConcurrent changes the concurrency cap at runtime. Values below 1
// are ignored.
func (s *Scheduler) SetMaxConcurrent(n int) {
	if n < 1 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxConcurrent != n {
		s.logger.Info("max concurrent builds changed", "from", s.maxConcurrent, "to", n)
	}
	s.maxConcurrent = n
}

// QueueStatus summarises admission.
func (s *Scheduler) QueueStatus(ctx context.Context) (QueueStatus, error) {
	waiting, err := s.store.CountQueueByStatus(ctx, store.QueueWaiting)
	if err != nil {
		return QueueStatus{}, err
	}
	processing, err := s.store.CountQueueByStatus(ctx, store.QueueProcessing)
	if err != nil {
		return QueueStatus{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return QueueStatus{
		Waiting:          waiting,
		Processing:       processing,
		MaxConcurrent:    s.maxConcurrent,
		SchedulerEnabled: s.enabled,
	}, nil
}

// GetSnapshot returns the internal state for debugging.
func (s *Scheduler) GetSnapshot(ctx context.Context) (Snapshot, error) {
	status, err := s.QueueStatus(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	processing, err := s.store.ListQueueItems(ctx, store.QueueProcessing, 0)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		Status:              status,
		CircuitState:        s.breaker.GetState().String(),
		ConsecutiveFailures: s.breaker.Failures(),
		InflightTriggers:    s.inflightCount.Load(),
		Processing:          processing,
	}
	s.mu.RLock()
	if !s.lastTick.IsZero() {
		t := s.lastTick
		snap.LastTick = &t
	}
	s.mu.RUnlock()
	return snap, nil
}

// Timeline returns the recorded events of one queue item.
func (s *Scheduler) Timeline(queueID string) []timeline.QueueEvent {
	return s.timeline.GetEvents(queueID)
}

// Start begins the scheduling loop in the background.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(s.done)
		s.Run(ctx)
	}()
}

// Stop ends the loop and waits for in-flight trigger continuations.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.started.Load() {
		<-s.done
	}
	s.Wait()
}

// Wait blocks until every in-flight trigger continuation has finished.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// Run ticks on every interval until ctx is done or Stop is called.
// Concurrent calls return immediately; a later leadership term may call
// it again after the previous loop exited.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("admission loop started", "interval", s.interval)
	defer s.logger.Info("admission loop stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one admission pass. Overlapping calls return immediately.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.tickMu.TryLock() {
		return
	}
	defer s.tickMu.Unlock()

	start := time.Now()
	defer func() { observability.SchedulerLoopDuration.Observe(time.Since(start).Seconds()) }()

	s.mu.Lock()
	s.lastTick = s.now()
	enabled, maxConcurrent := s.enabled, s.maxConcurrent
	s.mu.Unlock()

	if !enabled {
		s.logDecision(ctx, slog.LevelDebug, SchedulingDecision{Decision: DecisionSkipDisabled, Reason: "disabled"})
		return
	}

	processing, err := s.store.CountQueueByStatus(ctx, store.QueueProcessing)
	if err != nil {
		s.logger.Error("count processing failed", "error", err)
		return
	}
	waiting, err := s.store.CountQueueByStatus(ctx, store.QueueWaiting)
	if err == nil {
		observability.QueueDepth.WithLabelValues(string(store.QueueWaiting)).Set(float64(waiting))
	}
	observability.QueueDepth.WithLabelValues(string(store.QueueProcessing)).Set(float64(processing))

	slots := maxConcurrent - processing
	if slots <= 0 {
		s.logDecision(ctx, slog.LevelDebug, SchedulingDecision{
			Decision: DecisionSkipCapacity,
			Reason:   "at_capacity",
			Metadata: map[string]int{"processing": processing, "max": maxConcurrent},
		})
		return
	}

	items, err := s.store.ListWaiting(ctx, slots)
	if err != nil {
		s.logger.Error("list waiting failed", "error", err)
		return
	}

	for _, item := range items {
		if !s.breaker.Allow() {
			s.logDecision(ctx, slog.LevelWarn, SchedulingDecision{
				Decision: DecisionCircuitOpen,
				QueueID:  item.ID,
				Priority: item.Priority,
				Reason:   "ci_unavailable",
				Metadata: map[string]int{"consecutive_failures": s.breaker.Failures()},
			})
			return
		}
		if err := s.dispatch(ctx, item); err != nil {
			s.logger.Error("dispatch failed", "queue_id", item.ID, "error", err)
		}
	}
}

// dispatch turns one waiting item into a build and fires its trigger.
func (s *Scheduler) dispatch(ctx context.Context, item *store.QueueItem) error {
	now := s.now()
	if err := s.store.MarkProcessing(ctx, item.ID, now); err != nil {
		if store.IsStateConflict(err) || store.IsNotFound(err) {
			// cancelled or claimed since ListWaiting
			s.logger.Debug("queue item no longer waiting", "queue_id", item.ID, "error", err)
			return nil
		}
		return err
	}
	observability.QueueWaitSeconds.Observe(now.Sub(item.QueuedAt).Seconds())

	build, req, err := s.prepare(ctx, item, now)
	if err != nil {
		buildID := ""
		if build != nil {
			buildID = build.ID
		}
		s.failDispatch(ctx, item, buildID, err)
		return err
	}

	s.record(item.ID, timeline.StageDispatched, build.ID, map[string]string{"round": fmt.Sprint(build.Round)})
	s.logDecision(ctx, slog.LevelInfo, SchedulingDecision{
		Decision:  DecisionDispatch,
		QueueID:   item.ID,
		ProjectID: item.ProjectID,
		LayerID:   item.LayerID,
		BuildID:   build.ID,
		Priority:  item.Priority,
		Metadata:  map[string]int{"round": build.Round, "build_number": build.BuildNumber, "attempt": item.RetryCount + 1},
	})

	// The trigger outlives the tick; Wait drains it on shutdown.
	triggerCtx := context.WithoutCancel(ctx)
	outcome := s.ci.Trigger(triggerCtx, req.PlanKey, req.Variables)
	s.inflight.Add(1)
	s.inflightCount.Add(1)
	go func() {
		defer s.inflight.Done()
		defer s.inflightCount.Add(-1)
		s.completeDispatch(triggerCtx, item, build, req, <-outcome)
	}()
	return nil
}

// prepare builds the parameters, the build with its stages and the request
// record. A non-nil build is returned once it has been persisted.
func (s *Scheduler) prepare(ctx context.Context, item *store.QueueItem, now time.Time) (*store.Build, *store.BuildRequest, error) {
	project, err := s.store.GetProject(ctx, item.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	layer, err := s.store.GetLayer(ctx, item.LayerID)
	if err != nil {
		return nil, nil, err
	}
	if project == nil {
		return nil, nil, &store.NotFoundError{Entity: "project", ID: item.ProjectID}
	}
	if layer == nil {
		return nil, nil, &store.NotFoundError{Entity: "layer", ID: item.LayerID}
	}

	vars, err := params.Encode(params.Generate(project, layer, item.RequesterID, item.ScmOverride, item.BuildOverride))
	if err != nil {
		return nil, nil, fmt.Errorf("encode variables: %w", err)
	}

	build := &store.Build{
		ID:            uuid.NewString(),
		QueueID:       item.ID,
		ProjectID:     project.ID,
		LayerID:       layer.ID,
		LayerType:     layer.Type,
		Status:        store.BuildPending,
		TriggeredBy:   item.RequesterID,
		TriggerType:   item.ReqMethod,
		Snapshot:      params.Snapshot(project, layer, item.ScmOverride, item.BuildOverride),
		ReleaseStatus: store.ReleaseNone,
		CreatedAt:     now,
	}
	if err := s.store.CreateBuild(ctx, build, store.NewStageSet(build.ID, layer, now)); err != nil {
		return nil, nil, fmt.Errorf("create build: %w", err)
	}
	if err := s.store.AttachBuild(ctx, item.ID, build.ID); err != nil {
		return build, nil, fmt.Errorf("attach build: %w", err)
	}

	req := &store.BuildRequest{
		ID:        uuid.NewString(),
		QueueID:   item.ID,
		BuildID:   build.ID,
		ProjectID: project.ID,
		LayerID:   layer.ID,
		PlanKey:   project.PlanID,
		Variables: vars,
		Status:    store.RequestSent,
		SentAt:    now,
	}
	if err := s.store.CreateBuildRequest(ctx, req); err != nil {
		return build, nil, fmt.Errorf("create build request: %w", err)
	}
	return build, req, nil
}

func (s *Scheduler) completeDispatch(ctx context.Context, item *store.QueueItem, build *store.Build, req *store.BuildRequest, out bamboo.TriggerOutcome) {
	err := out.Err
	if err == nil && (out.Result == nil || out.Result.BuildResultKey == "") {
		err = errEmptyBuildKey
	}
	now := s.now()

	if err != nil {
		observability.DispatchOutcomes.WithLabelValues("error").Inc()
		s.breaker.RecordFailure()
		if rerr := s.store.ResolveBuildRequest(ctx, req.ID, store.RequestError, "", err.Error(), now); rerr != nil {
			s.logger.Error("resolve build request failed", "request_id", req.ID, "error", rerr)
		}
		s.record(item.ID, timeline.StageTriggerFailed, build.ID, map[string]string{"error": err.Error()})
		s.failDispatch(ctx, item, build.ID, err)
		return
	}

	key := out.Result.BuildResultKey
	observability.DispatchOutcomes.WithLabelValues("accepted").Inc()
	s.breaker.RecordSuccess()
	if rerr := s.store.ResolveBuildRequest(ctx, req.ID, store.RequestAccepted, key, "", now); rerr != nil {
		s.logger.Error("resolve build request failed", "request_id", req.ID, "error", rerr)
	}
	if terr := s.tracker.MarkTriggered(ctx, build.ID, key, out.Result.BuildNumber); terr != nil {
		s.logger.Error("mark build triggered failed", "build_id", build.ID, "error", terr)
	}
	if cerr := s.store.CompleteQueueItem(ctx, item.ID); cerr != nil {
		s.logger.Error("complete queue item failed", "queue_id", item.ID, "error", cerr)
	}
	s.record(item.ID, timeline.StageTriggered, build.ID, map[string]string{"external_key": key})
	s.notify(s.currentItem(ctx, item))
	s.logger.Info("build triggered", "queue_id", item.ID, "build_id", build.ID, "external_key", key)
}

// failDispatch fails the build, if any, and applies the retry policy.
func (s *Scheduler) failDispatch(ctx context.Context, item *store.QueueItem, buildID string, cause error) {
	if buildID != "" {
		if err := s.tracker.MarkDispatchFailed(ctx, buildID, cause.Error()); err != nil {
			s.logger.Error("mark dispatch failed", "build_id", buildID, "error", err)
		}
	}
	updated, err := s.store.FailQueueItem(ctx, item.ID, cause.Error())
	if err != nil {
		s.logger.Error("apply retry policy failed", "queue_id", item.ID, "error", err)
		return
	}

	d := SchedulingDecision{
		QueueID:  item.ID,
		BuildID:  buildID,
		Priority: updated.Priority,
		Reason:   cause.Error(),
		Metadata: map[string]int{"retry_count": updated.RetryCount, "max_retries": updated.MaxRetries},
	}
	stage := timeline.StageRetryQueued
	if updated.Status == store.QueueFailed {
		d.Decision = DecisionFailed
		stage = timeline.StageFailed
	} else {
		d.Decision = DecisionRetry
	}
	s.logDecision(ctx, slog.LevelWarn, d)
	s.record(item.ID, stage, buildID, map[string]string{"retry_count": fmt.Sprint(updated.RetryCount)})
	s.notify(updated)
}

func (s *Scheduler) record(queueID, stage, buildID string, meta map[string]string) {
	s.timeline.Record(timeline.QueueEvent{QueueID: queueID, Stage: stage, BuildID: buildID, Metadata: meta})
}

// currentItem re-reads item so events carry its stored state. It falls
// back to the in-hand copy when the read fails.
func (s *Scheduler) currentItem(ctx context.Context, item *store.QueueItem) *store.QueueItem {
	fresh, err := s.store.GetQueueItem(ctx, item.ID)
	if err != nil || fresh == nil {
		return item
	}
	return fresh
}

// notify publishes a queue.changed event without blocking the caller.
func (s *Scheduler) notify(item *store.QueueItem) {
	if s.publisher == nil {
		return
	}
	payload := map[string]any{"queueId": item.ID, "status": item.Status, "buildId": item.BuildID}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.publisher.Publish(ctx, streaming.TopicQueueChanged, payload); err != nil {
			observability.EventPublishFailures.WithLabelValues(streaming.TopicQueueChanged, "error").Inc()
		}
	}()
}

func (s *Scheduler) logDecision(ctx context.Context, level slog.Level, d SchedulingDecision) {
	s.logger.Log(ctx, level, "scheduling decision",
		"decision", d.Decision,
		"queue_id", d.QueueID,
		"build_id", d.BuildID,
		"priority", d.Priority,
		"reason", d.Reason,
		"metadata", d.Metadata)

	observability.SchedulerDecisions.WithLabelValues(d.Decision, decisionReason(d)).Inc()
}

// decisionReason keeps the metric label bounded: free-text error messages
// are collapsed.
func decisionReason(d SchedulingDecision) string {
	switch d.Decision {
	case DecisionRetry, DecisionFailed:
		return "trigger_error"
	}
	return d.Reason
}
