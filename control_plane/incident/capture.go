// Package incident assembles a failure report for one build so an operator
// can see in a single document what the CI backend and the scheduler did.
package incident

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/itskum47/FwForge/control_plane/store"
	"github.com/itskum47/FwForge/control_plane/timeline"
)

// Report is the captured context of a build.
type Report struct {
	BuildID    string                `json:"buildId"`
	Build      *store.Build          `json:"build"`
	Stages     []*store.StageResult  `json:"stages"`
	QueueItem  *store.QueueItem      `json:"queueItem,omitempty"`
	Events     []timeline.QueueEvent `json:"events"`
	CapturedAt time.Time             `json:"capturedAt"`
	Analysis   string                `json:"analysis"`
}

// StoreInterface defines the reads needed for capture.
type StoreInterface interface {
	GetBuild(ctx context.Context, id string) (*store.Build, error)
	ListStages(ctx context.Context, buildID string) ([]*store.StageResult, error)
	GetQueueItem(ctx context.Context, id string) (*store.QueueItem, error)
}

// TimelineInterface returns the recorded queue events of a queue item.
type TimelineInterface interface {
	Timeline(queueID string) []timeline.QueueEvent
}

// Capture gathers everything known about buildID. It returns nil, nil when
// the build does not exist.
func Capture(ctx context.Context, s StoreInterface, tl TimelineInterface, buildID string) (*Report, error) {
	build, err := s.GetBuild(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if build == nil {
		return nil, nil
	}

	stages, err := s.ListStages(ctx, buildID)
	if err != nil {
		return nil, err
	}
	sort.Slice(stages, func(i, j int) bool { return stages[i].Order < stages[j].Order })

	var item *store.QueueItem
	var events []timeline.QueueEvent
	if build.QueueID != "" {
		if item, err = s.GetQueueItem(ctx, build.QueueID); err != nil {
			return nil, err
		}
		if tl != nil {
			events = tl.Timeline(build.QueueID)
		}
	}
	if events == nil {
		events = []timeline.QueueEvent{}
	}

	return &Report{
		BuildID:    buildID,
		Build:      build,
		Stages:     stages,
		QueueItem:  item,
		Events:     events,
		CapturedAt: time.Now().UTC(),
		Analysis:   analyze(build, stages, item),
	}, nil
}

// analyze writes a one-paragraph summary of where the build went wrong.
func analyze(b *store.Build, stages []*store.StageResult, item *store.QueueItem) string {
	switch b.Status {
	case store.BuildPending, store.BuildRunning:
		return fmt.Sprintf("build is still %s", b.Status)
	case store.BuildCancelled:
		return "build was cancelled"
	}

	var failed []string
	for _, st := range stages {
		if st.Status == store.StageFailed {
			desc := string(st.StageName)
			if st.ErrorCount > 0 {
				desc += fmt.Sprintf(" (%d errors)", st.ErrorCount)
			}
			failed = append(failed, desc)
		}
	}

	var parts []string
	if b.ExternalKey == "" {
		parts = append(parts, "build was never accepted by the CI backend")
		if item != nil && item.LastError != "" {
			parts = append(parts, fmt.Sprintf("last dispatch error after %d retries: %s", item.RetryCount, item.LastError))
		}
	}
	if len(failed) > 0 {
		parts = append(parts, "failed stages: "+strings.Join(failed, ", "))
	}
	if b.Status == store.BuildSuccess {
		parts = append(parts, "build succeeded")
		if b.ReleaseCriteria != nil && !b.ReleaseCriteria.OverallPassed {
			parts = append(parts, "release criteria not met")
		}
	}
	if len(parts) == 0 {
		return "no failure detail recorded"
	}
	return strings.Join(parts, "; ")
}
