package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStageSetSkipsDisabledStages(t *testing.T) {
	now := time.Now()
	stages := NewStageSet("b1", &Layer{BuildEnabled: true, SamEnabled: false, CoverityEnabled: true}, now)

	require.Len(t, stages, 3)
	assert.Equal(t, StagePending, FindStage(stages, StageBuild).Status)
	assert.Equal(t, StageSkipped, FindStage(stages, StageSAM).Status)
	assert.Equal(t, StagePending, FindStage(stages, StageCoverity).Status)
	for _, st := range stages {
		assert.Equal(t, "b1", st.BuildID)
		assert.Equal(t, st.StageName.Order(), st.Order)
	}
}

func TestStageTransitions(t *testing.T) {
	now := time.Now()
	st := &StageResult{StageName: StageBuild, Status: StagePending}

	assert.True(t, st.Start(now))
	assert.False(t, st.Start(now), "running cannot restart")

	assert.True(t, st.Complete(true, map[string]any{"ok": true}, now.Add(90*time.Second)))
	assert.Equal(t, StageSuccess, st.Status)
	assert.Equal(t, 90, st.DurationSeconds)

	assert.False(t, st.Complete(false, nil, now), "terminal stage never regresses")
	assert.Equal(t, StageSuccess, st.Status)
	assert.False(t, st.Skip(now))
}

func TestCompleteWithoutStartHasZeroDuration(t *testing.T) {
	st := &StageResult{Status: StagePending}
	require.True(t, st.Complete(false, nil, time.Now()))
	assert.Equal(t, StageFailed, st.Status)
	assert.Equal(t, 0, st.DurationSeconds)
	assert.NotNil(t, st.FinishedAt)
}

func TestAbsorbResponse(t *testing.T) {
	st := &StageResult{Status: StagePending}
	st.AbsorbResponse(map[string]any{
		"errorCount":   float64(3),
		"warningCount": 7,
		"logUrl":       "http://ci/log/1",
	}, time.Now())

	assert.Equal(t, 3, st.ErrorCount)
	assert.Equal(t, 7, st.WarningCount)
	assert.Equal(t, "http://ci/log/1", st.LogURL)
	assert.NotNil(t, st.ReceivedAt)
	assert.NotNil(t, st.ExternalResponse)
}

func TestBuildFinishOnlyOnce(t *testing.T) {
	now := time.Now()
	b := &Build{Status: BuildPending}
	assert.True(t, b.Start(now))
	assert.False(t, b.Finish(BuildRunning, now), "finish requires a terminal target")
	assert.True(t, b.Finish(BuildFailed, now.Add(time.Minute)))
	assert.Equal(t, 60, b.DurationSeconds)
	assert.False(t, b.Finish(BuildSuccess, now))
	assert.Equal(t, BuildFailed, b.Status)
}

func TestAggregateHelpers(t *testing.T) {
	stages := []*StageResult{
		{StageName: StageBuild, Order: 1, Status: StageSuccess},
		{StageName: StageSAM, Order: 2, Status: StageSkipped},
		{StageName: StageCoverity, Order: 3, Status: StageRunning},
	}
	assert.False(t, AllStagesTerminal(stages))
	assert.Nil(t, FirstEnabledStage(stages))

	stages[2].Status = StageFailed
	assert.True(t, AllStagesTerminal(stages))
	assert.Equal(t, BuildFailed, ComputeBuildStatus(stages))
	assert.Equal(t, 1, CountFailedStages(stages))

	b := &Build{Status: BuildFailed}
	assert.Equal(t, ReleasePendingApproval, ReleaseStatusFor(b, stages))

	stages[2].Status = StageSuccess
	b.Status = ComputeBuildStatus(stages)
	assert.Equal(t, BuildSuccess, b.Status)
	assert.Equal(t, ReleaseAvailable, ReleaseStatusFor(b, stages))
}

func TestFirstEnabledStagePicksLowestOrder(t *testing.T) {
	stages := NewStageSet("b1", &Layer{BuildEnabled: false, SamEnabled: true, CoverityEnabled: true}, time.Now())
	first := FirstEnabledStage(stages)
	require.NotNil(t, first)
	assert.Equal(t, StageSAM, first.StageName)
}
