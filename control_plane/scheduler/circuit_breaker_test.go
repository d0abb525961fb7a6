package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreakerTransitions(t *testing.T) {
	clock := &manualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(3, 30*time.Second)
	cb.now = clock.Now

	assert.True(t, cb.Allow())
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.GetState())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.GetState())
	assert.False(t, cb.Allow())

	clock.Advance(31 * time.Second)
	assert.True(t, cb.Allow(), "probe after cooldown")
	assert.Equal(t, CircuitHalfOpen, cb.GetState())
	assert.False(t, cb.Allow(), "only one probe at a time")

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.GetState())

	clock.Advance(31 * time.Second)
	assert.True(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.GetState())
	assert.Equal(t, 0, cb.Failures())
}

func TestCircuitBreakerSuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.GetState())
}

func TestCircuitBreakerDisabled(t *testing.T) {
	cb := NewCircuitBreaker(0, time.Minute)
	for i := 0; i < 100; i++ {
		cb.RecordFailure()
	}
	assert.True(t, cb.Allow())
	assert.Equal(t, "closed", cb.GetState().String())
}
