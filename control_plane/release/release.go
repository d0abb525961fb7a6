// Package release computes quality metrics and the release gate of a
// finished build.
package release

import (
	"strings"

	"github.com/itskum47/FwForge/control_plane/store"
)

const (
	MetricOnboardTest = "onboardTest"
	MetricSAM         = "sam"
	MetricCoverity    = "coverity"
	MetricBlackduck   = "blackduck"

	StatusPass = "pass"
	StatusFail = "fail"
)

// TestCounts carries the test totals reported by the CI backend.
// A nil field means the backend did not report it.
type TestCounts struct {
	Passed *int
	Failed *int
}

// QualityMetrics derives the per-metric records stored on a build.
func QualityMetrics(stages []*store.StageResult, tests TestCounts) map[string]any {
	metrics := make(map[string]any)

	if tests.Passed != nil || tests.Failed != nil {
		passed, failed := deref(tests.Passed), deref(tests.Failed)
		m := map[string]any{
			"status":      StatusPass,
			"passedTests": passed,
			"failedTests": failed,
		}
		if failed != 0 {
			m["status"] = StatusFail
		}
		if total := passed + failed; total > 0 {
			m["score"] = passed * 100 / total
		}
		metrics[MetricOnboardTest] = m
	}

	for _, st := range stages {
		if st.StageName == store.StageBuild {
			continue
		}
		key := strings.ToLower(string(st.StageName))
		switch st.Status {
		case store.StageSuccess:
			metrics[key] = map[string]any{"status": StatusPass}
		case store.StageFailed:
			metrics[key] = map[string]any{"status": StatusFail}
		}
	}
	return metrics
}

// Evaluate computes the release criteria. A metric that was never recorded
// counts as passed.
func Evaluate(stages []*store.StageResult, metrics map[string]any) store.ReleaseCriteria {
	c := store.ReleaseCriteria{
		AllStagesPassed:   allStagesPassed(stages),
		CoverityPassed:    metricPassed(metrics, MetricCoverity),
		SamPassed:         metricPassed(metrics, MetricSAM),
		OnboardTestPassed: metricPassed(metrics, "onboardtest", MetricOnboardTest),
		BlackduckPassed:   metricPassed(metrics, MetricBlackduck),
	}
	c.OverallPassed = c.AllStagesPassed && c.CoverityPassed && c.SamPassed && c.OnboardTestPassed && c.BlackduckPassed
	return c
}

func allStagesPassed(stages []*store.StageResult) bool {
	for _, st := range stages {
		if st.Status != store.StageSuccess && st.Status != store.StageSkipped {
			return false
		}
	}
	return true
}

// metricPassed checks the first key that is present.
func metricPassed(metrics map[string]any, keys ...string) bool {
	for _, k := range keys {
		raw, ok := metrics[k]
		if !ok || raw == nil {
			continue
		}
		m, ok := raw.(map[string]any)
		if !ok {
			return false
		}
		status, _ := m["status"].(string)
		return status == StatusPass
	}
	return true
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
