package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore holds queue, build and catalog state in process memory.
// It implements the Store interface and is used for standalone runs and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]*Project
	layers   map[string]*Layer
	queue    map[string]*QueueItem
	requests map[string]*BuildRequest
	builds   map[string]*Build
	stages   map[string][]*StageResult // by build id, ordered
	epochs   map[string]int64
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[string]*Project),
		layers:   make(map[string]*Layer),
		queue:    make(map[string]*QueueItem),
		requests: make(map[string]*BuildRequest),
		builds:   make(map[string]*Build),
		stages:   make(map[string][]*StageResult),
		epochs:   make(map[string]int64),
	}
}

// --- Catalog ---

func (s *MemoryStore) UpsertProject(ctx context.Context, p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetProject(ctx context.Context, id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) UpsertLayer(ctx context.Context, l *Layer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.layers[l.ID] = &cp
	return nil
}

func (s *MemoryStore) GetLayer(ctx context.Context, id string) (*Layer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.layers[id]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (s *MemoryStore) ListLayers(ctx context.Context, projectID string) ([]*Layer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Layer
	for _, l := range s.layers {
		if projectID == "" || l.ProjectID == projectID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Queue ---

func (s *MemoryStore) CreateQueueItem(ctx context.Context, item *QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	s.queue[item.ID] = &cp
	return nil
}

func (s *MemoryStore) GetQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queue[id]
	if !ok {
		return nil, nil
	}
	cp := *q
	return &cp, nil
}

func (s *MemoryStore) ListQueueItems(ctx context.Context, status QueueStatus, limit int) ([]*QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*QueueItem
	for _, q := range s.queue {
		if status == "" || q.Status == status {
			cp := *q
			out = append(out, &cp)
		}
	}
	sortQueue(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListWaiting(ctx context.Context, limit int) ([]*QueueItem, error) {
	return s.ListQueueItems(ctx, QueueWaiting, limit)
}

// sortQueue orders by priority desc, then queuedAt asc.
func sortQueue(items []*QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		if !items[i].QueuedAt.Equal(items[j].QueuedAt) {
			return items[i].QueuedAt.Before(items[j].QueuedAt)
		}
		return items[i].ID < items[j].ID
	})
}

func (s *MemoryStore) CountQueueByStatus(ctx context.Context, status QueueStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, q := range s.queue {
		if q.Status == status {
			n++
		}
	}
	return n, nil
}

// queueItemLocked returns the live record; callers hold s.mu.
func (s *MemoryStore) queueItemLocked(id string) (*QueueItem, error) {
	q, ok := s.queue[id]
	if !ok {
		return nil, &NotFoundError{Entity: "queue item", ID: id}
	}
	return q, nil
}

func (s *MemoryStore) MarkProcessing(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.queueItemLocked(id)
	if err != nil {
		return err
	}
	if q.Status != QueueWaiting {
		return &StateConflictError{Entity: "queue item", ID: id, Current: string(q.Status), Op: "dispatch"}
	}
	q.Status = QueueProcessing
	t := at
	q.ProcessedAt = &t
	return nil
}

func (s *MemoryStore) CancelQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.queueItemLocked(id)
	if err != nil {
		return nil, err
	}
	if q.Status != QueueWaiting {
		return nil, &StateConflictError{Entity: "queue item", ID: id, Current: string(q.Status), Op: "cancel"}
	}
	q.Status = QueueCancelled
	cp := *q
	return &cp, nil
}

func (s *MemoryStore) UpdateQueuePriority(ctx context.Context, id string, priority int) (*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.queueItemLocked(id)
	if err != nil {
		return nil, err
	}
	if q.Status != QueueWaiting {
		return nil, &StateConflictError{Entity: "queue item", ID: id, Current: string(q.Status), Op: "change priority of"}
	}
	q.Priority = priority
	cp := *q
	return &cp, nil
}

func (s *MemoryStore) AttachBuild(ctx context.Context, queueID, buildID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.queueItemLocked(queueID)
	if err != nil {
		return err
	}
	q.BuildID = buildID
	return nil
}

func (s *MemoryStore) CompleteQueueItem(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.queueItemLocked(id)
	if err != nil {
		return err
	}
	if q.Status != QueueProcessing {
		return &StateConflictError{Entity: "queue item", ID: id, Current: string(q.Status), Op: "complete"}
	}
	q.Status = QueueCompleted
	return nil
}

func (s *MemoryStore) FailQueueItem(ctx context.Context, id string, lastError string) (*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, err := s.queueItemLocked(id)
	if err != nil {
		return nil, err
	}
	if q.Status != QueueProcessing {
		return nil, &StateConflictError{Entity: "queue item", ID: id, Current: string(q.Status), Op: "fail"}
	}
	q.RetryCount++
	q.LastError = lastError
	if q.RetryCount >= q.MaxRetries {
		q.Status = QueueFailed
	} else {
		q.Status = QueueWaiting
	}
	cp := *q
	return &cp, nil
}

// --- Dispatch ---

func (s *MemoryStore) CreateBuild(ctx context.Context, b *Build, stages []*StageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	maxRound, maxNumber := 0, 0
	for _, existing := range s.builds {
		if existing.LayerID == b.LayerID && existing.Round > maxRound {
			maxRound = existing.Round
		}
		if existing.ProjectID == b.ProjectID && existing.BuildNumber > maxNumber {
			maxNumber = existing.BuildNumber
		}
	}
	b.Round = maxRound + 1
	b.BuildNumber = maxNumber + 1

	cp := *b
	s.builds[b.ID] = &cp
	copies := make([]*StageResult, 0, len(stages))
	for _, st := range stages {
		sc := *st
		sc.BuildID = b.ID
		copies = append(copies, &sc)
	}
	sort.Slice(copies, func(i, j int) bool { return copies[i].Order < copies[j].Order })
	s.stages[b.ID] = copies
	return nil
}

func (s *MemoryStore) CreateBuildRequest(ctx context.Context, r *BuildRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.requests[r.ID] = &cp
	return nil
}

func (s *MemoryStore) GetBuildRequest(ctx context.Context, id string) (*BuildRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ResolveBuildRequest(ctx context.Context, id string, status RequestStatus, externalKey, errText string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return &NotFoundError{Entity: "build request", ID: id}
	}
	if r.Status != RequestSent {
		return &StateConflictError{Entity: "build request", ID: id, Current: string(r.Status), Op: "resolve"}
	}
	r.Status = status
	r.ExternalKey = externalKey
	r.ErrorMessage = errText
	t := at
	r.RespondedAt = &t
	return nil
}

func (s *MemoryStore) ListTimedOutRequests(ctx context.Context, cutoff time.Time) ([]*BuildRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*BuildRequest
	for _, r := range s.requests {
		if r.Status == RequestSent && r.SentAt.Before(cutoff) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out, nil
}

// --- Builds ---

func (s *MemoryStore) GetBuild(ctx context.Context, id string) (*Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.builds[id]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) GetBuildByExternalKey(ctx context.Context, key string) (*Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if key == "" {
		return nil, nil
	}
	for _, b := range s.builds {
		if b.ExternalKey == key {
			cp := *b
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListActiveBuilds(ctx context.Context) ([]*Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Build
	for _, b := range s.builds {
		if b.ExternalKey != "" && (b.Status == BuildPending || b.Status == BuildRunning) {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListBuilds(ctx context.Context, f BuildFilter) ([]*Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Build
	for _, b := range s.builds {
		if f.ProjectID != "" && b.ProjectID != f.ProjectID {
			continue
		}
		if f.LayerID != "" && b.LayerID != f.LayerID {
			continue
		}
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	// Newest first
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) SaveBuild(ctx context.Context, b *Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.builds[b.ID]; !ok {
		return &NotFoundError{Entity: "build", ID: b.ID}
	}
	cp := *b
	s.builds[b.ID] = &cp
	return nil
}

func (s *MemoryStore) ListStages(ctx context.Context, buildID string) ([]*StageResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.stages[buildID]
	out := make([]*StageResult, 0, len(src))
	for _, st := range src {
		cp := *st
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) SaveStage(ctx context.Context, st *StageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.stages[st.BuildID] {
		if existing.ID == st.ID {
			cp := *st
			s.stages[st.BuildID][i] = &cp
			return nil
		}
	}
	return &NotFoundError{Entity: "stage", ID: st.ID}
}

// --- Coordination ---

func (s *MemoryStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epochs[resourceID]++
	return s.epochs[resourceID], nil
}

func (s *MemoryStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epochs[resourceID], nil
}
