package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/FwForge/control_plane/bamboo"
	"github.com/itskum47/FwForge/control_plane/store"
	"github.com/itskum47/FwForge/control_plane/streaming"
)

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.topics {
		if t == topic {
			n++
		}
	}
	return n
}

// steppingClock advances one second per reading.
type steppingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fixture struct {
	store *store.MemoryStore
	pub   *recordingPublisher
	rec   *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &steppingClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	f := &fixture{store: store.NewMemoryStore(), pub: &recordingPublisher{}}
	f.rec = New(f.store, f.pub, nil, WithClock(clock.Now))
	return f
}

// seedBuild creates a pending build for a layer with the given stage toggles
// and marks it triggered under externalKey.
func (f *fixture) seedBuild(t *testing.T, id string, layerType store.LayerType, sam, coverity bool, externalKey string) {
	t.Helper()
	ctx := context.Background()
	layer := &store.Layer{ID: "layer-" + id, ProjectID: "proj", Type: layerType, BuildEnabled: true, SamEnabled: sam, CoverityEnabled: coverity}
	b := &store.Build{ID: id, ProjectID: "proj", LayerID: layer.ID, LayerType: layerType, Status: store.BuildPending, ReleaseStatus: store.ReleaseNone, CreatedAt: time.Now()}
	require.NoError(t, f.store.CreateBuild(ctx, b, store.NewStageSet(id, layer, time.Now())))
	if externalKey != "" {
		require.NoError(t, f.rec.MarkTriggered(ctx, id, externalKey, 7))
	}
}

func (f *fixture) stage(t *testing.T, buildID string, name store.StageName) *store.StageResult {
	t.Helper()
	stages, err := f.store.ListStages(context.Background(), buildID)
	require.NoError(t, err)
	st := store.FindStage(stages, name)
	require.NotNil(t, st)
	return st
}

func (f *fixture) build(t *testing.T, id string) *store.Build {
	t.Helper()
	b, err := f.store.GetBuild(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, b)
	return b
}

func TestMapStageName(t *testing.T) {
	cases := []struct {
		label string
		want  store.StageName
		ok    bool
	}{
		{"Build", store.StageBuild, true},
		{"Default Stage - Compile", store.StageBuild, true},
		{"SAM Analysis", store.StageSAM, true},
		{"static-check", store.StageSAM, true},
		{"Coverity", store.StageCoverity, true},
		{"COV_SCAN", store.StageCoverity, true},
		{"Deploy", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := MapStageName(tc.label)
		assert.Equal(t, tc.ok, ok, tc.label)
		assert.Equal(t, tc.want, got, tc.label)
	}
}

func TestMapLifecycleState(t *testing.T) {
	cases := map[string]store.StageStatus{
		"Successful":  store.StageSuccess,
		"success":     store.StageSuccess,
		"Failed":      store.StageFailed,
		"FAILURE":     store.StageFailed,
		"In Progress": store.StageRunning,
		"building":    store.StageRunning,
		"Running":     store.StageRunning,
		"Queued":      store.StagePending,
		"NotBuilt":    store.StagePending,
		"Unknown":     store.StagePending,
		"":            store.StagePending,
	}
	for in, want := range cases {
		assert.Equal(t, want, MapLifecycleState(in), in)
	}
}

func TestMarkTriggeredStartsBuildAndFirstStage(t *testing.T) {
	f := newFixture(t)
	f.seedBuild(t, "b1", store.LayerNormal, false, true, "PRJ-PLAN-7")

	b := f.build(t, "b1")
	assert.Equal(t, store.BuildRunning, b.Status)
	assert.Equal(t, "PRJ-PLAN-7", b.ExternalKey)
	assert.Equal(t, 7, b.ExternalNumber)
	assert.NotNil(t, b.StartedAt)

	assert.Equal(t, store.StageRunning, f.stage(t, "b1", store.StageBuild).Status)
	assert.Equal(t, store.StageSkipped, f.stage(t, "b1", store.StageSAM).Status)
	assert.Equal(t, store.StagePending, f.stage(t, "b1", store.StageCoverity).Status)

	f.rec.Wait()
	assert.Equal(t, 1, f.pub.count(streaming.TopicBuildStarted))
}

func TestMarkTriggeredWithEveryStageDisabledFinishes(t *testing.T) {
	f := newFixture(t)
	f.seedBuild(t, "b1", store.LayerNormal, false, false, "")
	ctx := context.Background()
	// Build stage is always enabled by seedBuild, so disable it explicitly.
	st := f.stage(t, "b1", store.StageBuild)
	st.Status = store.StageSkipped
	require.NoError(t, f.store.SaveStage(ctx, st))

	require.NoError(t, f.rec.MarkTriggered(ctx, "b1", "K-1", 1))
	assert.Equal(t, store.BuildSuccess, f.build(t, "b1").Status)
}

func TestWebhookThenPollLeavesStageUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBuild(t, "b1", store.LayerNormal, true, true, "K-1")

	require.NoError(t, f.rec.HandleStageWebhook(ctx, "K-1", "Build", map[string]any{
		"status":       "success",
		"errorCount":   float64(0),
		"warningCount": float64(4),
		"logUrl":       "https://ci/logs/1",
	}))
	before := f.stage(t, "b1", store.StageBuild)
	require.Equal(t, store.StageSuccess, before.Status)
	assert.Equal(t, 4, before.WarningCount)
	assert.Equal(t, "https://ci/logs/1", before.LogURL)

	require.NoError(t, f.rec.ApplyStatus(ctx, "b1", &bamboo.BuildStatus{
		Key:            "K-1",
		LifeCycleState: "InProgress",
		Stages:         bamboo.StageList{{Name: "Build", State: "Successful"}},
	}))
	after := f.stage(t, "b1", store.StageBuild)
	assert.Equal(t, before, after)

	// Redelivery of a different payload for the terminal stage is a no-op too.
	require.NoError(t, f.rec.HandleStageWebhook(ctx, "K-1", "Build", map[string]any{
		"status":       "failed",
		"warningCount": float64(99),
	}))
	assert.Equal(t, before, f.stage(t, "b1", store.StageBuild))
}

func TestWebhookRunningStartsStage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBuild(t, "b1", store.LayerNormal, true, true, "K-1")

	require.NoError(t, f.rec.HandleStageWebhook(ctx, "K-1", "SAM", map[string]any{"status": "Running"}))
	sam := f.stage(t, "b1", store.StageSAM)
	assert.Equal(t, store.StageRunning, sam.Status)
	assert.NotNil(t, sam.ReceivedAt)
}

func TestWebhookWithoutForwardStatusChangesNothing(t *testing.T) {
	payloads := map[string]map[string]any{
		"queued":    {"status": "queued", "errorCount": float64(3)},
		"notbuilt":  {"status": "NotBuilt"},
		"aborted":   {"status": "aborted"},
		"no status": {},
	}
	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			f.seedBuild(t, "b1", store.LayerRelease, true, true, "K-1")
			build := f.stage(t, "b1", store.StageBuild)
			sam := f.stage(t, "b1", store.StageSAM)
			require.Equal(t, store.StageRunning, build.Status)
			require.Equal(t, store.StagePending, sam.Status)

			require.NoError(t, f.rec.HandleStageWebhook(ctx, "K-1", "Build", payload))
			require.NoError(t, f.rec.HandleStageWebhook(ctx, "K-1", "SAM", payload))

			assert.Equal(t, build, f.stage(t, "b1", store.StageBuild))
			assert.Equal(t, sam, f.stage(t, "b1", store.StageSAM))
			b := f.build(t, "b1")
			assert.Equal(t, store.BuildRunning, b.Status)
			assert.Equal(t, store.ReleaseNone, b.ReleaseStatus)
		})
	}
}

func TestWebhookSameStatusRedeliveryKeepsCounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBuild(t, "b1", store.LayerNormal, true, true, "K-1")

	require.NoError(t, f.rec.HandleStageWebhook(ctx, "K-1", "SAM", map[string]any{
		"status": "running", "errorCount": float64(1), "warningCount": float64(2),
	}))
	first := f.stage(t, "b1", store.StageSAM)
	require.Equal(t, store.StageRunning, first.Status)
	require.Equal(t, 1, first.ErrorCount)

	require.NoError(t, f.rec.HandleStageWebhook(ctx, "K-1", "SAM", map[string]any{
		"status": "Running", "errorCount": float64(40), "warningCount": float64(50),
	}))
	assert.Equal(t, first, f.stage(t, "b1", store.StageSAM))

	f.rec.Wait()
	// Build started at trigger, SAM started by the first report.
	assert.Equal(t, 2, f.pub.count(streaming.TopicStageUpdated))
}

func TestAllStagesSuccessOnReleaseLayerIsAvailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBuild(t, "b1", store.LayerRelease, true, true, "K-1")

	for _, label := range []string{"Build", "SAM", "Coverity"} {
		require.NoError(t, f.rec.HandleStageWebhook(ctx, "K-1", label, map[string]any{"status": "Successful"}))
	}

	b := f.build(t, "b1")
	assert.Equal(t, store.BuildSuccess, b.Status)
	assert.Equal(t, store.ReleaseAvailable, b.ReleaseStatus)
	require.NotNil(t, b.ReleaseCriteria)
	assert.True(t, b.ReleaseCriteria.OverallPassed)
	assert.NotNil(t, b.FinishedAt)

	f.rec.Wait()
	assert.Equal(t, 1, f.pub.count(streaming.TopicBuildFinished))
}

func TestCoverityFailureNeedsApproval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBuild(t, "b1", store.LayerRelease, true, true, "K-1")

	require.NoError(t, f.rec.HandleStageWebhook(ctx, "K-1", "Build", map[string]any{"status": "success"}))
	require.NoError(t, f.rec.HandleStageWebhook(ctx, "K-1", "SAM", map[string]any{"status": "success"}))
	assert.Equal(t, store.BuildRunning, f.build(t, "b1").Status)
	require.NoError(t, f.rec.HandleStageWebhook(ctx, "K-1", "Coverity", map[string]any{"status": "failed"}))

	b := f.build(t, "b1")
	assert.Equal(t, store.BuildFailed, b.Status)
	assert.Equal(t, store.ReleasePendingApproval, b.ReleaseStatus)
	require.NotNil(t, b.ReleaseCriteria)
	assert.False(t, b.ReleaseCriteria.CoverityPassed)
	assert.False(t, b.ReleaseCriteria.OverallPassed)
}

func TestNonReleaseLayerKeepsReleaseStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBuild(t, "b1", store.LayerNormal, false, false, "K-1")

	require.NoError(t, f.rec.HandleStageWebhook(ctx, "K-1", "Build", map[string]any{"status": "success"}))
	b := f.build(t, "b1")
	assert.Equal(t, store.BuildSuccess, b.Status)
	assert.Equal(t, store.ReleaseNone, b.ReleaseStatus)
	assert.Nil(t, b.ReleaseCriteria)
}

func TestWebhookUnknownBuildOrStageIsDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBuild(t, "b1", store.LayerNormal, true, true, "K-1")

	assert.NoError(t, f.rec.HandleStageWebhook(ctx, "NOPE-1", "Build", map[string]any{"status": "success"}))
	assert.NoError(t, f.rec.HandleStageWebhook(ctx, "K-1", "Deploy", map[string]any{"status": "success"}))
	assert.Equal(t, store.StageRunning, f.stage(t, "b1", store.StageBuild).Status)
}

func TestPollFinishedAutoCompletesStages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBuild(t, "b1", store.LayerRelease, true, true, "K-1")

	passed, failed := 40, 0
	require.NoError(t, f.rec.ApplyStatus(ctx, "b1", &bamboo.BuildStatus{
		Key:                 "K-1",
		State:               "Successful",
		LifeCycleState:      "Finished",
		Stages:              bamboo.StageList{{Name: "Build", State: "Successful"}},
		SuccessfulTestCount: &passed,
		FailedTestCount:     &failed,
		Artifacts:           map[string]any{"artifact": []any{"fw.bin"}},
	}))

	build := f.stage(t, "b1", store.StageBuild)
	assert.Equal(t, true, build.Result["compile_success"])
	for _, name := range []store.StageName{store.StageSAM, store.StageCoverity} {
		st := f.stage(t, "b1", name)
		assert.Equal(t, store.StageSuccess, st.Status)
		assert.Equal(t, true, st.Result["auto_completed"])
	}

	b := f.build(t, "b1")
	assert.Equal(t, store.BuildSuccess, b.Status)
	assert.Contains(t, b.Artifacts, "artifacts")
	require.Contains(t, b.QualityMetrics, "onboardTest")
	assert.Equal(t, 100, b.QualityMetrics["onboardTest"].(map[string]any)["score"])
	assert.Equal(t, store.ReleaseAvailable, b.ReleaseStatus)
}

func TestPollFinishedFailedFailsOpenStages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBuild(t, "b1", store.LayerNormal, true, false, "K-1")

	require.NoError(t, f.rec.ApplyStatus(ctx, "b1", &bamboo.BuildStatus{Key: "K-1", State: "Failed", LifeCycleState: "Finished"}))
	assert.Equal(t, store.StageFailed, f.stage(t, "b1", store.StageBuild).Status)
	assert.Equal(t, store.StageSkipped, f.stage(t, "b1", store.StageCoverity).Status)
	assert.Equal(t, store.BuildFailed, f.build(t, "b1").Status)
}

func TestPollInProgressStartsPendingBuild(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBuild(t, "b1", store.LayerNormal, true, true, "")

	require.NoError(t, f.rec.ApplyStatus(ctx, "b1", &bamboo.BuildStatus{LifeCycleState: "InProgress"}))
	assert.Equal(t, store.BuildRunning, f.build(t, "b1").Status)
}

func TestPollIgnoresBackwardMoves(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBuild(t, "b1", store.LayerNormal, true, true, "K-1")

	require.NoError(t, f.rec.ApplyStatus(ctx, "b1", &bamboo.BuildStatus{
		LifeCycleState: "InProgress",
		Stages:         bamboo.StageList{{Name: "Build", State: "Queued"}},
	}))
	assert.Equal(t, store.StageRunning, f.stage(t, "b1", store.StageBuild).Status)
}

func TestMarkDispatchFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBuild(t, "b1", store.LayerNormal, false, true, "")

	require.NoError(t, f.rec.MarkDispatchFailed(ctx, "b1", "connection refused"))
	b := f.build(t, "b1")
	assert.Equal(t, store.BuildFailed, b.Status)
	assert.Equal(t, store.StageFailed, f.stage(t, "b1", store.StageBuild).Status)
	assert.Equal(t, store.StageSkipped, f.stage(t, "b1", store.StageSAM).Status)
	assert.Equal(t, store.StageFailed, f.stage(t, "b1", store.StageCoverity).Status)

	f.rec.Wait()
	assert.Equal(t, 1, f.pub.count(streaming.TopicBuildDispatchFailed))
}

func TestUpdateBuildStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBuild(t, "b1", store.LayerNormal, true, true, "")

	b, err := f.rec.UpdateBuildStatus(ctx, "b1", store.BuildRunning)
	require.NoError(t, err)
	assert.Equal(t, store.BuildRunning, b.Status)

	b, err = f.rec.UpdateBuildStatus(ctx, "b1", store.BuildCancelled)
	require.NoError(t, err)
	assert.Equal(t, store.BuildCancelled, b.Status)
	assert.NotNil(t, b.FinishedAt)

	_, err = f.rec.UpdateBuildStatus(ctx, "b1", store.BuildRunning)
	assert.True(t, store.IsStateConflict(err))

	_, err = f.rec.UpdateBuildStatus(ctx, "missing", store.BuildRunning)
	assert.True(t, store.IsNotFound(err))
}

func TestUpdateStageStatusFinalizes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBuild(t, "b1", store.LayerNormal, true, false, "K-1")

	st, err := f.rec.UpdateStageStatus(ctx, "b1", "Build", store.StageSuccess)
	require.NoError(t, err)
	assert.Equal(t, store.StageSuccess, st.Status)

	_, err = f.rec.UpdateStageStatus(ctx, "b1", "sam", store.StageSkipped)
	require.NoError(t, err)
	assert.Equal(t, store.BuildSuccess, f.build(t, "b1").Status)

	_, err = f.rec.UpdateStageStatus(ctx, "b1", "Build", store.StageFailed)
	assert.True(t, store.IsStateConflict(err))

	_, err = f.rec.UpdateStageStatus(ctx, "b1", "Deploy", store.StageFailed)
	assert.ErrorIs(t, err, ErrUnmappableStage)
}

func TestUpdateStageStatusRejectsBackwardMove(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBuild(t, "b1", store.LayerNormal, true, true, "K-1")

	_, err := f.rec.UpdateStageStatus(ctx, "b1", "Build", store.StagePending)
	assert.True(t, store.IsStateConflict(err))
}

func TestUpdateReleaseStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBuild(t, "rel", store.LayerRelease, true, true, "")
	f.seedBuild(t, "lay", store.LayerNormal, true, true, "")

	b, err := f.rec.UpdateReleaseStatus(ctx, "rel", store.ReleaseApproved)
	require.NoError(t, err)
	assert.Equal(t, store.ReleaseApproved, b.ReleaseStatus)

	_, err = f.rec.UpdateReleaseStatus(ctx, "rel", "shipped")
	assert.Error(t, err)

	_, err = f.rec.UpdateReleaseStatus(ctx, "lay", store.ReleaseApproved)
	assert.True(t, store.IsStateConflict(err))
}

func TestConcurrentWebhooksFinalizeOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedBuild(t, "b1", store.LayerRelease, true, true, "K-1")

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		for _, label := range []string{"Build", "SAM", "Coverity"} {
			wg.Add(1)
			go func(label string) {
				defer wg.Done()
				assert.NoError(t, f.rec.HandleStageWebhook(ctx, "K-1", label, map[string]any{"status": "success"}))
			}(label)
		}
	}
	wg.Wait()
	f.rec.Wait()

	assert.Equal(t, store.BuildSuccess, f.build(t, "b1").Status)
	assert.Equal(t, 1, f.pub.count(streaming.TopicBuildFinished))
	// one for the Build stage starting on trigger, then one per completed stage
	assert.Equal(t, 4, f.pub.count(streaming.TopicStageUpdated))
}
