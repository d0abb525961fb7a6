package scheduler

import (
	"sync"
	"time"

	"github.com/itskum47/FwForge/control_plane/observability"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitHalfOpen                     // One probe dispatch allowed
	CircuitOpen                         // No dispatches
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops admission while the CI backend keeps rejecting
// triggers. It counts consecutive trigger failures; a success resets it.
type CircuitBreaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration
	now       func() time.Time

	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker creates a breaker. A threshold of 0 disables it.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	cb := &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
	cb.exportState()
	return cb
}

// Allow reports whether one more dispatch may start. In half-open state a
// single probe is let through until its outcome is recorded.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.threshold <= 0 {
		return true
	}

	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.setState(CircuitHalfOpen)
		cb.probing = false
	}

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
	return false
}

// RecordSuccess closes the circuit and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probing = false
	if cb.state != CircuitClosed {
		cb.setState(CircuitClosed)
	}
}

// RecordFailure counts a failed trigger. A failed probe re-opens the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	if cb.threshold <= 0 {
		return
	}
	if cb.state == CircuitHalfOpen || cb.failures >= cb.threshold {
		cb.probing = false
		cb.openedAt = cb.now()
		cb.setState(CircuitOpen)
	}
}

// GetState returns the current circuit state.
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

func (cb *CircuitBreaker) setState(s CircuitState) {
	cb.state = s
	cb.exportState()
}

func (cb *CircuitBreaker) exportState() {
	for _, s := range []CircuitState{CircuitClosed, CircuitHalfOpen, CircuitOpen} {
		v := 0.0
		if s == cb.state {
			v = 1
		}
		observability.SchedulerCircuitState.WithLabelValues(s.String()).Set(v)
	}
}
