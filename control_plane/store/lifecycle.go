package store

import (
	"time"

	"github.com/google/uuid"
)

// NewStageSet returns the three stages of a new build. A stage disabled on
// the layer starts skipped, the rest start pending.
func NewStageSet(buildID string, layer *Layer, now time.Time) []*StageResult {
	enabled := map[StageName]bool{
		StageBuild:    layer.BuildEnabled,
		StageSAM:      layer.SamEnabled,
		StageCoverity: layer.CoverityEnabled,
	}
	stages := make([]*StageResult, 0, 3)
	for _, name := range []StageName{StageBuild, StageSAM, StageCoverity} {
		st := &StageResult{
			ID:        uuid.NewString(),
			BuildID:   buildID,
			StageName: name,
			Order:     name.Order(),
			Status:    StagePending,
		}
		if !enabled[name] {
			st.Skip(now)
		}
		stages = append(stages, st)
	}
	return stages
}

// Start moves a pending stage to running. It reports whether anything changed.
func (s *StageResult) Start(now time.Time) bool {
	if s.Status != StagePending {
		return false
	}
	s.Status = StageRunning
	t := now
	s.StartedAt = &t
	return true
}

// Complete finishes a non-terminal stage. Terminal stages are left untouched.
func (s *StageResult) Complete(success bool, result map[string]any, now time.Time) bool {
	if s.Status.IsTerminal() {
		return false
	}
	if success {
		s.Status = StageSuccess
	} else {
		s.Status = StageFailed
	}
	t := now
	s.FinishedAt = &t
	if s.StartedAt != nil {
		s.DurationSeconds = int(now.Sub(*s.StartedAt).Seconds())
	}
	if result != nil {
		s.Result = result
	}
	return true
}

// Skip marks a pending stage as skipped.
func (s *StageResult) Skip(now time.Time) bool {
	if s.Status != StagePending {
		return false
	}
	s.Status = StageSkipped
	t := now
	s.FinishedAt = &t
	return true
}

// AbsorbResponse records a raw CI payload and the counters it carries.
func (s *StageResult) AbsorbResponse(payload map[string]any, now time.Time) {
	t := now
	s.ReceivedAt = &t
	if payload == nil {
		return
	}
	s.ExternalResponse = payload
	if n, ok := intValue(payload["errorCount"]); ok {
		s.ErrorCount = n
	}
	if n, ok := intValue(payload["warningCount"]); ok {
		s.WarningCount = n
	}
	if u, ok := payload["logUrl"].(string); ok {
		s.LogURL = u
	}
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	}
	return 0, false
}

// Start moves a pending build to running.
func (b *Build) Start(now time.Time) bool {
	if b.Status != BuildPending {
		return false
	}
	b.Status = BuildRunning
	t := now
	b.StartedAt = &t
	return true
}

// Finish moves a non-terminal build to a terminal status.
func (b *Build) Finish(status BuildStatus, now time.Time) bool {
	if b.Status.IsTerminal() || !status.IsTerminal() {
		return false
	}
	b.Status = status
	t := now
	b.FinishedAt = &t
	if b.StartedAt != nil {
		b.DurationSeconds = int(now.Sub(*b.StartedAt).Seconds())
	}
	return true
}

// AllStagesTerminal reports whether every non-skipped stage has finished.
func AllStagesTerminal(stages []*StageResult) bool {
	for _, s := range stages {
		if !s.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// ComputeBuildStatus derives the final build status from its stages.
func ComputeBuildStatus(stages []*StageResult) BuildStatus {
	for _, s := range stages {
		if s.Status == StageFailed {
			return BuildFailed
		}
	}
	return BuildSuccess
}

// CountFailedStages returns how many stages ended failed.
func CountFailedStages(stages []*StageResult) int {
	n := 0
	for _, s := range stages {
		if s.Status == StageFailed {
			n++
		}
	}
	return n
}

// ReleaseStatusFor computes the release gate of a finished release-layer build.
func ReleaseStatusFor(b *Build, stages []*StageResult) ReleaseStatus {
	if b.Status == BuildSuccess && CountFailedStages(stages) == 0 {
		return ReleaseAvailable
	}
	return ReleasePendingApproval
}

// FindStage returns the stage with the given name, or nil.
func FindStage(stages []*StageResult, name StageName) *StageResult {
	for _, s := range stages {
		if s.StageName == name {
			return s
		}
	}
	return nil
}

// FirstEnabledStage returns the lowest-order stage still pending, or nil.
func FirstEnabledStage(stages []*StageResult) *StageResult {
	var first *StageResult
	for _, s := range stages {
		if s.Status != StagePending {
			continue
		}
		if first == nil || s.Order < first.Order {
			first = s
		}
	}
	return first
}
