package release

import (
	"testing"

	"github.com/itskum47/FwForge/control_plane/store"
	"github.com/stretchr/testify/assert"
)

func intp(n int) *int { return &n }

func stages(build, sam, cov store.StageStatus) []*store.StageResult {
	return []*store.StageResult{
		{StageName: store.StageBuild, Order: 1, Status: build},
		{StageName: store.StageSAM, Order: 2, Status: sam},
		{StageName: store.StageCoverity, Order: 3, Status: cov},
	}
}

func TestQualityMetricsFromTestCounts(t *testing.T) {
	m := QualityMetrics(nil, TestCounts{Passed: intp(9), Failed: intp(1)})
	ot := m[MetricOnboardTest].(map[string]any)
	assert.Equal(t, StatusFail, ot["status"])
	assert.Equal(t, 9, ot["passedTests"])
	assert.Equal(t, 1, ot["failedTests"])
	assert.Equal(t, 90, ot["score"])

	m = QualityMetrics(nil, TestCounts{Failed: intp(0)})
	ot = m[MetricOnboardTest].(map[string]any)
	assert.Equal(t, StatusPass, ot["status"])
	_, hasScore := ot["score"]
	assert.False(t, hasScore, "no score without tests")

	m = QualityMetrics(nil, TestCounts{})
	_, present := m[MetricOnboardTest]
	assert.False(t, present)
}

func TestQualityMetricsFromStages(t *testing.T) {
	m := QualityMetrics(stages(store.StageSuccess, store.StageFailed, store.StageSkipped), TestCounts{})
	assert.Equal(t, map[string]any{"status": StatusFail}, m[MetricSAM])
	_, present := m[MetricCoverity]
	assert.False(t, present, "skipped stages record no metric")
	_, present = m["build"]
	assert.False(t, present)
}

func TestEvaluate(t *testing.T) {
	cases := []struct {
		name    string
		stages  []*store.StageResult
		metrics map[string]any
		overall bool
	}{
		{
			name:    "all absent is fail-open",
			stages:  stages(store.StageSuccess, store.StageSkipped, store.StageSuccess),
			metrics: map[string]any{},
			overall: true,
		},
		{
			name:    "failed stage",
			stages:  stages(store.StageSuccess, store.StageFailed, store.StageSuccess),
			metrics: map[string]any{},
			overall: false,
		},
		{
			name:    "failing metric",
			stages:  stages(store.StageSuccess, store.StageSuccess, store.StageSuccess),
			metrics: map[string]any{MetricCoverity: map[string]any{"status": StatusFail}},
			overall: false,
		},
		{
			name:    "lowercase onboardtest key",
			stages:  stages(store.StageSuccess, store.StageSuccess, store.StageSuccess),
			metrics: map[string]any{"onboardtest": map[string]any{"status": StatusPass}, MetricBlackduck: map[string]any{"status": StatusPass}},
			overall: true,
		},
		{
			name:    "malformed metric does not pass",
			stages:  stages(store.StageSuccess, store.StageSuccess, store.StageSuccess),
			metrics: map[string]any{MetricSAM: "pass"},
			overall: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Evaluate(tc.stages, tc.metrics)
			assert.Equal(t, tc.overall, c.OverallPassed)
		})
	}
}

func TestEvaluateRecordsEachCriterion(t *testing.T) {
	c := Evaluate(stages(store.StageSuccess, store.StageSuccess, store.StageFailed), map[string]any{
		MetricOnboardTest: map[string]any{"status": StatusFail},
		MetricCoverity:    map[string]any{"status": StatusFail},
	})
	assert.False(t, c.AllStagesPassed)
	assert.False(t, c.CoverityPassed)
	assert.True(t, c.SamPassed)
	assert.False(t, c.OnboardTestPassed)
	assert.True(t, c.BlackduckPassed)
	assert.False(t, c.OverallPassed)
}
