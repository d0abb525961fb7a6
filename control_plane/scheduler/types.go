package scheduler

import (
	"context"
	"time"

	"github.com/itskum47/FwForge/control_plane/bamboo"
	"github.com/itskum47/FwForge/control_plane/store"
)

// CIClient is the part of the CI backend client the scheduler needs.
type CIClient interface {
	Trigger(ctx context.Context, planKey string, variables map[string]string) <-chan bamboo.TriggerOutcome
}

// BuildTracker receives the outcome of a trigger. reconciler.Reconciler
// implements it so the build aggregate is only mutated under its lock.
type BuildTracker interface {
	MarkTriggered(ctx context.Context, buildID, externalKey string, externalNumber int) error
	MarkDispatchFailed(ctx context.Context, buildID, reason string) error
}

// EnqueueRequest asks for a build of one layer.
type EnqueueRequest struct {
	ProjectID     string         `json:"projectId"`
	LayerID       string         `json:"layerId"`
	RequesterID   string         `json:"requesterId,omitempty"`
	ReqMethod     string         `json:"reqMethod,omitempty"`
	Priority      *int           `json:"priority,omitempty"`
	ScmOverride   map[string]any `json:"scmOverride,omitempty"`
	BuildOverride map[string]any `json:"buildOverride,omitempty"`
	MaxRetries    *int           `json:"maxRetries,omitempty"`
}

// Config holds the scheduler settings.
type Config struct {
	Enabled           bool
	MaxConcurrent     int
	DefaultMaxRetries int
	PollInterval      time.Duration

	// CircuitThreshold is the number of consecutive trigger failures that
	// opens the circuit. Zero disables the breaker.
	CircuitThreshold int
	CircuitCooldown  time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		MaxConcurrent:     5,
		DefaultMaxRetries: 3,
		PollInterval:      10 * time.Second,
		CircuitThreshold:  5,
		CircuitCooldown:   time.Minute,
	}
}

// QueueStatus is the admission summary served by /api/queue/status.
type QueueStatus struct {
	Waiting          int  `json:"waiting"`
	Processing       int  `json:"processing"`
	MaxConcurrent    int  `json:"maxConcurrent"`
	SchedulerEnabled bool `json:"schedulerEnabled"`
}

// Decisions recorded by the scheduler.
const (
	DecisionDispatch     = "DISPATCH"
	DecisionSkipDisabled = "SKIP_DISABLED"
	DecisionSkipCapacity = "SKIP_CAPACITY"
	DecisionCircuitOpen  = "CIRCUIT_OPEN"
	DecisionRetry        = "RETRY"
	DecisionFailed       = "FAILED"
)

// SchedulingDecision is a structured log entry for scheduler actions.
type SchedulingDecision struct {
	Decision  string      `json:"decision"`
	QueueID   string      `json:"queue_id,omitempty"`
	ProjectID string      `json:"project_id,omitempty"`
	LayerID   string      `json:"layer_id,omitempty"`
	BuildID   string      `json:"build_id,omitempty"`
	Priority  int         `json:"priority"`
	Reason    string      `json:"reason,omitempty"`
	Metadata  interface{} `json:"metadata,omitempty"`
}

// Snapshot exposes internal state for /admin/scheduler/snapshot.
type Snapshot struct {
	Status              QueueStatus        `json:"status"`
	CircuitState        string             `json:"circuit_state"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	InflightTriggers    int64              `json:"inflight_triggers"`
	LastTick            *time.Time         `json:"last_tick,omitempty"`
	Processing          []*store.QueueItem `json:"processing"`
}
