// Package reconciler converges builds and their stages onto what the CI
// backend reports, through either the status poller or stage webhooks.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/itskum47/FwForge/control_plane/bamboo"
	"github.com/itskum47/FwForge/control_plane/logging"
	"github.com/itskum47/FwForge/control_plane/observability"
	"github.com/itskum47/FwForge/control_plane/release"
	"github.com/itskum47/FwForge/control_plane/store"
	"github.com/itskum47/FwForge/control_plane/streaming"
)

// Transition sources, used as the "source" metric label.
const (
	SourcePoll     = "poll"
	SourceWebhook  = "webhook"
	SourceAPI      = "api"
	SourceDispatch = "dispatch"
)

// Reconciler applies CI observations to the build aggregate. Every
// mutation of a build and its stages holds that build's lock.
type Reconciler struct {
	store     store.Store
	locker    Locker
	publisher streaming.Publisher
	logger    *slog.Logger
	now       func() time.Time

	publishes sync.WaitGroup
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLocker replaces the default in-process KeyedMutex.
func WithLocker(l Locker) Option {
	return func(r *Reconciler) { r.locker = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func New(s store.Store, publisher streaming.Publisher, logger *slog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:     s,
		locker:    NewKeyedMutex(),
		publisher: publisher,
		logger:    logging.OrDefault(logger),
		now:       time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// aggregate is a build and its stages loaded under the build lock.
type aggregate struct {
	build      *store.Build
	stages     []*store.StageResult
	buildDirty bool
	dirty      map[store.StageName]bool
	events     []event
}

type event struct {
	topic   string
	payload map[string]any
}

func (a *aggregate) touchStage(st *store.StageResult, source string) {
	a.dirty[st.StageName] = true
	observability.StageTransitions.WithLabelValues(string(st.StageName), string(st.Status), source).Inc()
	a.events = append(a.events, event{topic: streaming.TopicStageUpdated, payload: map[string]any{
		"buildId":   a.build.ID,
		"stageName": st.StageName,
		"status":    st.Status,
		"source":    source,
	}})
}

func (a *aggregate) emit(topic string) {
	a.events = append(a.events, event{topic: topic, payload: map[string]any{
		"buildId":     a.build.ID,
		"projectId":   a.build.ProjectID,
		"layerId":     a.build.LayerID,
		"status":      a.build.Status,
		"externalKey": a.build.ExternalKey,
	}})
}

// withBuild loads the aggregate under its lock, runs fn and persists what
// fn changed. Events are published after the lock is released.
func (r *Reconciler) withBuild(ctx context.Context, buildID string, fn func(a *aggregate) error) (*aggregate, error) {
	unlock, err := r.locker.Lock(ctx, buildID)
	if err != nil {
		return nil, err
	}
	agg, err := r.mutate(ctx, buildID, fn)
	unlock()
	if err != nil {
		return nil, err
	}
	for _, e := range agg.events {
		r.publishAsync(e.topic, e.payload)
	}
	return agg, nil
}

func (r *Reconciler) mutate(ctx context.Context, buildID string, fn func(a *aggregate) error) (*aggregate, error) {
	b, err := r.store.GetBuild(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, &store.NotFoundError{Entity: "build", ID: buildID}
	}
	stages, err := r.store.ListStages(ctx, buildID)
	if err != nil {
		return nil, err
	}

	agg := &aggregate{build: b, stages: stages, dirty: make(map[store.StageName]bool)}
	if err := fn(agg); err != nil {
		return nil, err
	}

	for _, st := range agg.stages {
		if !agg.dirty[st.StageName] {
			continue
		}
		if err := r.store.SaveStage(ctx, st); err != nil {
			return nil, fmt.Errorf("save stage %s of build %s: %w", st.StageName, buildID, err)
		}
	}
	if agg.buildDirty {
		if err := r.store.SaveBuild(ctx, agg.build); err != nil {
			return nil, fmt.Errorf("save build %s: %w", buildID, err)
		}
	}
	return agg, nil
}

// applyStageStatus moves st toward target. Equal, terminal and backward
// moves are ignored.
func applyStageStatus(st *store.StageResult, target store.StageStatus, result map[string]any, now time.Time) bool {
	if st.Status == target || st.Status.IsTerminal() {
		return false
	}
	switch target {
	case store.StageRunning:
		return st.Start(now)
	case store.StageSuccess:
		return st.Complete(true, result, now)
	case store.StageFailed:
		return st.Complete(false, result, now)
	}
	return false
}

// finalize closes the build once every stage is terminal.
func (r *Reconciler) finalize(agg *aggregate, tests release.TestCounts, now time.Time) {
	b := agg.build
	if b.Status.IsTerminal() || !store.AllStagesTerminal(agg.stages) {
		return
	}
	if !b.Finish(store.ComputeBuildStatus(agg.stages), now) {
		return
	}

	metrics := release.QualityMetrics(agg.stages, tests)
	if len(metrics) > 0 {
		b.QualityMetrics = metrics
	}
	if b.LayerType == store.LayerRelease {
		b.ReleaseStatus = store.ReleaseStatusFor(b, agg.stages)
		criteria := release.Evaluate(agg.stages, metrics)
		b.ReleaseCriteria = &criteria
	}
	agg.buildDirty = true
	agg.emit(streaming.TopicBuildFinished)

	observability.BuildsFinished.WithLabelValues(string(b.Status)).Inc()
	if b.StartedAt != nil {
		observability.BuildDurationSeconds.Observe(float64(b.DurationSeconds))
	}
	r.logger.Info("build finished",
		"build_id", b.ID,
		"status", b.Status,
		"release_status", b.ReleaseStatus,
		"duration_seconds", b.DurationSeconds)
}

// MarkTriggered records an accepted trigger: the build starts running and
// its first enabled stage starts with it.
func (r *Reconciler) MarkTriggered(ctx context.Context, buildID, externalKey string, externalNumber int) error {
	_, err := r.withBuild(ctx, buildID, func(a *aggregate) error {
		now := r.now()
		a.build.ExternalKey = externalKey
		a.build.ExternalNumber = externalNumber
		a.buildDirty = true
		if a.build.Start(now) {
			a.emit(streaming.TopicBuildStarted)
		}
		if st := store.FirstEnabledStage(a.stages); st != nil && st.Start(now) {
			a.touchStage(st, SourceDispatch)
		}
		// A layer with every stage disabled has nothing left to run.
		r.finalize(a, release.TestCounts{}, now)
		return nil
	})
	return err
}

// MarkDispatchFailed fails a build whose trigger was never accepted. Its
// pending stages fail with it so the aggregate stays terminal-consistent.
func (r *Reconciler) MarkDispatchFailed(ctx context.Context, buildID, reason string) error {
	_, err := r.withBuild(ctx, buildID, func(a *aggregate) error {
		now := r.now()
		for _, st := range a.stages {
			if !st.Status.IsTerminal() && st.Complete(false, map[string]any{"dispatch_error": reason}, now) {
				a.touchStage(st, SourceDispatch)
			}
		}
		if a.build.Finish(store.BuildFailed, now) {
			a.buildDirty = true
			a.emit(streaming.TopicBuildDispatchFailed)
			observability.BuildsFinished.WithLabelValues(string(store.BuildFailed)).Inc()
		}
		return nil
	})
	return err
}

// ApplyStatus reconciles a polled CI status into the build.
func (r *Reconciler) ApplyStatus(ctx context.Context, buildID string, status *bamboo.BuildStatus) error {
	if status == nil {
		return nil
	}
	_, err := r.withBuild(ctx, buildID, func(a *aggregate) error {
		if a.build.Status.IsTerminal() {
			return nil
		}
		now := r.now()

		for _, s := range status.Stages {
			name, ok := MapStageName(s.Name)
			if !ok {
				r.logger.Debug("ignoring unmapped stage", "build_id", buildID, "stage", s.Name)
				continue
			}
			st := store.FindStage(a.stages, name)
			if st == nil {
				continue
			}
			if applyStageStatus(st, MapLifecycleState(s.State), stageResult(name, s.State), now) {
				a.touchStage(st, SourcePoll)
			}
		}

		if status.IsRunning() && a.build.Start(now) {
			a.buildDirty = true
			a.emit(streaming.TopicBuildStarted)
		}

		if status.IsFinished() {
			success := status.IsSuccessful()
			for _, st := range a.stages {
				if st.Status.IsTerminal() {
					continue
				}
				if st.Complete(success, map[string]any{"auto_completed": true}, now) {
					a.touchStage(st, SourcePoll)
				}
			}
			if len(status.Artifacts) > 0 {
				a.build.Artifacts = map[string]any{"artifacts": status.Artifacts}
				a.buildDirty = true
			}
		}

		r.finalize(a, release.TestCounts{Passed: status.SuccessfulTestCount, Failed: status.FailedTestCount}, now)
		return nil
	})
	return err
}

// HandleStageWebhook applies one stage report pushed by the CI backend
// through the same update rule as polling. Unknown builds and unmappable
// stages are logged and dropped. A report that moves the stage nowhere,
// including redelivery, leaves it untouched.
func (r *Reconciler) HandleStageWebhook(ctx context.Context, externalKey, stageLabel string, payload map[string]any) error {
	log := r.logger.With("external_key", externalKey, "stage", stageLabel)

	b, err := r.store.GetBuildByExternalKey(ctx, externalKey)
	if err != nil {
		return err
	}
	if b == nil {
		log.Warn("webhook for unknown build")
		observability.WebhooksReceived.WithLabelValues("stage", "unknown_build").Inc()
		return nil
	}
	name, ok := MapStageName(stageLabel)
	if !ok {
		log.Warn("webhook for unknown stage")
		observability.WebhooksReceived.WithLabelValues("stage", "unknown_stage").Inc()
		return nil
	}

	applied := true
	_, err = r.withBuild(ctx, b.ID, func(a *aggregate) error {
		st := store.FindStage(a.stages, name)
		if st == nil || st.Status.IsTerminal() {
			applied = false
			return nil
		}
		now := r.now()
		status, _ := payload["status"].(string)
		// Same rule as the poll path: stale, unknown and equal reports change nothing.
		if !applyStageStatus(st, MapLifecycleState(status), payload, now) {
			applied = false
			return nil
		}
		st.AbsorbResponse(payload, now)
		a.touchStage(st, SourceWebhook)

		if a.build.Status == store.BuildPending && a.build.Start(now) {
			a.buildDirty = true
			a.emit(streaming.TopicBuildStarted)
		}
		r.finalize(a, testCountsFrom(payload), now)
		return nil
	})
	if err != nil {
		return err
	}
	if !applied {
		observability.WebhooksReceived.WithLabelValues("stage", "ignored").Inc()
		log.Debug("webhook changed nothing", "build_id", b.ID)
		return nil
	}
	observability.WebhooksReceived.WithLabelValues("stage", "applied").Inc()
	log.Info("stage updated via webhook", "build_id", b.ID)
	return nil
}

func testCountsFrom(payload map[string]any) release.TestCounts {
	var tc release.TestCounts
	if n, ok := payload["successfulTestCount"].(float64); ok {
		v := int(n)
		tc.Passed = &v
	}
	if n, ok := payload["failedTestCount"].(float64); ok {
		v := int(n)
		tc.Failed = &v
	}
	return tc
}

// UpdateBuildStatus is the operator override of a build's status.
func (r *Reconciler) UpdateBuildStatus(ctx context.Context, buildID string, status store.BuildStatus) (*store.Build, error) {
	agg, err := r.withBuild(ctx, buildID, func(a *aggregate) error {
		b := a.build
		if b.Status == status {
			return nil
		}
		conflict := &store.StateConflictError{Entity: "build", ID: buildID, Current: string(b.Status), Op: "set status " + string(status)}
		if b.Status.IsTerminal() {
			return conflict
		}
		now := r.now()
		switch {
		case status == store.BuildRunning:
			if !b.Start(now) {
				return conflict
			}
			a.emit(streaming.TopicBuildStarted)
		case status.IsTerminal():
			b.Finish(status, now)
			a.emit(streaming.TopicBuildFinished)
			observability.BuildsFinished.WithLabelValues(string(status)).Inc()
		default:
			return conflict
		}
		a.buildDirty = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return agg.build, nil
}

// UpdateStageStatus is the operator override of one stage. The build is
// finalized afterwards when it was the last open stage.
func (r *Reconciler) UpdateStageStatus(ctx context.Context, buildID, stageLabel string, status store.StageStatus) (*store.StageResult, error) {
	name, ok := MapStageName(stageLabel)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnmappableStage, stageLabel)
	}

	var updated *store.StageResult
	_, err := r.withBuild(ctx, buildID, func(a *aggregate) error {
		st := store.FindStage(a.stages, name)
		if st == nil {
			return &store.NotFoundError{Entity: "stage", ID: buildID + "/" + string(name)}
		}
		updated = st
		if st.Status == status {
			return nil
		}
		conflict := &store.StateConflictError{Entity: "stage", ID: buildID + "/" + string(name), Current: string(st.Status), Op: "set status " + string(status)}
		if st.Status.IsTerminal() {
			return conflict
		}

		now := r.now()
		var changed bool
		if status == store.StageSkipped {
			changed = st.Skip(now)
		} else {
			changed = applyStageStatus(st, status, map[string]any{"source": SourceAPI}, now)
		}
		if !changed {
			return conflict
		}
		a.touchStage(st, SourceAPI)
		r.finalize(a, release.TestCounts{}, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateReleaseStatus records a release decision on a release-layer build.
func (r *Reconciler) UpdateReleaseStatus(ctx context.Context, buildID string, status store.ReleaseStatus) (*store.Build, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid release status %q", status)
	}
	agg, err := r.withBuild(ctx, buildID, func(a *aggregate) error {
		if a.build.LayerType != store.LayerRelease {
			return &store.StateConflictError{Entity: "build", ID: buildID, Current: string(a.build.LayerType), Op: "set release status"}
		}
		if a.build.ReleaseStatus != status {
			a.build.ReleaseStatus = status
			a.buildDirty = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("release status updated", "build_id", buildID, "release_status", status)
	return agg.build, nil
}

// publishAsync publishes best-effort. A slow or failing publisher never
// blocks reconciliation.
func (r *Reconciler) publishAsync(topic string, payload map[string]any) {
	if r.publisher == nil {
		return
	}
	r.publishes.Add(1)
	go func() {
		defer r.publishes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		payload["timestamp"] = time.Now().UTC().Format(time.RFC3339)
		if err := r.publisher.Publish(ctx, topic, payload); err != nil {
			reason := "error"
			if errors.Is(err, context.DeadlineExceeded) {
				reason = "timeout"
			}
			r.logger.Warn("event publish failed", "topic", topic, "error", err)
			observability.EventPublishFailures.WithLabelValues(topic, reason).Inc()
		}
	}()
}

// Wait blocks until in-flight event publishes have returned.
func (r *Reconciler) Wait() {
	r.publishes.Wait()
}
