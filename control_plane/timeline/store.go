// Package timeline keeps a bounded in-memory history of queue item events
// for the /api/queue/{id}/timeline route.
package timeline

import (
	"sync"
	"time"
)

// Stages recorded for a queue item.
const (
	StageEnqueued      = "ENQUEUED"
	StageDispatched    = "DISPATCHED"
	StageTriggered     = "TRIGGERED"
	StageTriggerFailed = "TRIGGER_FAILED"
	StageRetryQueued   = "RETRY_QUEUED"
	StageFailed        = "FAILED"
	StageCancelled     = "CANCELLED"
	StagePriority      = "PRIORITY_CHANGED"
)

type QueueEvent struct {
	QueueID   string            `json:"queueId"`
	Stage     string            `json:"stage"`
	Timestamp time.Time         `json:"timestamp"`
	BuildID   string            `json:"buildId,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DefaultCapacity bounds the number of retained events.
const DefaultCapacity = 10000

type Store struct {
	mu       sync.RWMutex
	events   []QueueEvent
	capacity int
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{capacity: capacity}
}

// Record appends e, dropping the oldest event when full.
func (s *Store) Record(e QueueEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if len(s.events) >= s.capacity {
		// shift rather than reslice so the backing array does not grow forever
		copy(s.events, s.events[1:])
		s.events = s.events[:len(s.events)-1]
	}
	s.events = append(s.events, e)
}

// GetEvents returns the events of one queue item in recording order.
func (s *Store) GetEvents(queueID string) []QueueEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []QueueEvent
	for _, e := range s.events {
		if e.QueueID == queueID {
			results = append(results, e)
		}
	}
	return results
}

// GetEventsByBuild returns events tagged with buildID.
func (s *Store) GetEventsByBuild(buildID string) []QueueEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []QueueEvent
	for _, e := range s.events {
		if e.BuildID == buildID {
			results = append(results, e)
		}
	}
	return results
}

// Recent returns up to n of the newest events, oldest first.
func (s *Store) Recent(n int) []QueueEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.events) {
		n = len(s.events)
	}
	c := make([]QueueEvent, n)
	copy(c, s.events[len(s.events)-n:])
	return c
}
