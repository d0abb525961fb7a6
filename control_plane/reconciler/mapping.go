package reconciler

import (
	"errors"
	"strings"

	"github.com/itskum47/FwForge/control_plane/store"
)

// ErrUnmappableStage is returned when a stage label matches none of the
// known stages.
var ErrUnmappableStage = errors.New("unmappable stage name")

// MapStageName maps a CI stage label onto one of the fixed stages.
// Matching is by substring on the lowercased, letters-only label.
func MapStageName(label string) (store.StageName, bool) {
	var b strings.Builder
	for _, r := range strings.ToLower(label) {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		}
	}
	normalized := b.String()
	if normalized == "" {
		return "", false
	}

	switch {
	case strings.Contains(normalized, "build"), strings.Contains(normalized, "compile"):
		return store.StageBuild, true
	case strings.Contains(normalized, "sam"), strings.Contains(normalized, "static"):
		return store.StageSAM, true
	case strings.Contains(normalized, "coverity"), strings.Contains(normalized, "cov"):
		return store.StageCoverity, true
	}
	return "", false
}

// MapLifecycleState maps a CI state string onto a stage status.
// Unknown values map to pending.
func MapLifecycleState(state string) store.StageStatus {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "successful", "success":
		return store.StageSuccess
	case "failed", "failure":
		return store.StageFailed
	case "in progress", "building", "running":
		return store.StageRunning
	default:
		// queued, pending, notbuilt and anything unrecognised
		return store.StagePending
	}
}

// stageResult is the result payload recorded when a polled stage completes.
func stageResult(name store.StageName, state string) map[string]any {
	result := map[string]any{"state": state, "source": "poll"}
	if name == store.StageBuild {
		result["compile_success"] = strings.EqualFold(state, "Successful")
	}
	return result
}
