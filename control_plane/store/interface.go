package store

import (
	"context"
	"time"
)

// Store defines the persistence contract of the orchestrator.
// Lookups return (nil, nil) when the row does not exist; state-changing
// operations return *NotFoundError or *StateConflictError instead.
type Store interface {
	// Catalog (owned by an external service, read here)
	UpsertProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	UpsertLayer(ctx context.Context, l *Layer) error
	GetLayer(ctx context.Context, id string) (*Layer, error)
	ListLayers(ctx context.Context, projectID string) ([]*Layer, error)

	// Queue Operations
	CreateQueueItem(ctx context.Context, item *QueueItem) error
	GetQueueItem(ctx context.Context, id string) (*QueueItem, error)
	ListQueueItems(ctx context.Context, status QueueStatus, limit int) ([]*QueueItem, error)
	// ListWaiting returns waiting items ordered by priority desc, queuedAt asc.
	ListWaiting(ctx context.Context, limit int) ([]*QueueItem, error)
	CountQueueByStatus(ctx context.Context, status QueueStatus) (int, error)
	MarkProcessing(ctx context.Context, id string, at time.Time) error
	CancelQueueItem(ctx context.Context, id string) (*QueueItem, error)
	UpdateQueuePriority(ctx context.Context, id string, priority int) (*QueueItem, error)
	AttachBuild(ctx context.Context, queueID, buildID string) error
	CompleteQueueItem(ctx context.Context, id string) error
	// FailQueueItem applies the retry policy: the item returns to waiting
	// until retryCount reaches maxRetries, then becomes failed.
	FailQueueItem(ctx context.Context, id string, lastError string) (*QueueItem, error)

	// Dispatch Operations
	// CreateBuild assigns Round and BuildNumber and inserts the build with
	// its stages as one atomic step.
	CreateBuild(ctx context.Context, b *Build, stages []*StageResult) error
	CreateBuildRequest(ctx context.Context, r *BuildRequest) error
	GetBuildRequest(ctx context.Context, id string) (*BuildRequest, error)
	ResolveBuildRequest(ctx context.Context, id string, status RequestStatus, externalKey, errText string, at time.Time) error
	ListTimedOutRequests(ctx context.Context, cutoff time.Time) ([]*BuildRequest, error)

	// Build Operations
	GetBuild(ctx context.Context, id string) (*Build, error)
	GetBuildByExternalKey(ctx context.Context, key string) (*Build, error)
	ListActiveBuilds(ctx context.Context) ([]*Build, error)
	ListBuilds(ctx context.Context, f BuildFilter) ([]*Build, error)
	SaveBuild(ctx context.Context, b *Build) error
	ListStages(ctx context.Context, buildID string) ([]*StageResult, error)
	SaveStage(ctx context.Context, s *StageResult) error

	// Coordination Operations
	// IncrementDurableEpoch increments the epoch for a resource and returns
	// the new value. Used for leader fencing.
	IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error)
	GetDurableEpoch(ctx context.Context, resourceID string) (int64, error)
}
