package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct {
	fail  atomic.Bool
	calls atomic.Int32
}

func (f *fakePinger) Ping(ctx context.Context) error {
	f.calls.Add(1)
	if f.fail.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func TestProbeTracksAvailability(t *testing.T) {
	d := NewDegradedMode(time.Minute, nil)
	db := &fakePinger{}
	kv := &fakePinger{}
	d.Register("postgres", db)
	d.Register("redis", kv)

	d.Probe(context.Background())
	assert.False(t, d.IsDegraded())
	assert.EqualValues(t, 1, db.calls.Load())

	kv.fail.Store(true)
	d.Probe(context.Background())
	assert.True(t, d.IsDegraded())
	assert.False(t, d.IsAvailable("redis"))
	assert.True(t, d.IsAvailable("postgres"))

	health := d.HealthCheck()
	require.Contains(t, health, "redis")
	assert.Equal(t, "connection refused", health["redis"].LastError)
	downSince := health["redis"].Since

	d.Probe(context.Background())
	assert.Equal(t, downSince, d.HealthCheck()["redis"].Since, "since only moves on a transition")

	kv.fail.Store(false)
	d.Probe(context.Background())
	assert.False(t, d.IsDegraded())
	assert.Empty(t, d.HealthCheck()["redis"].LastError)
}

func TestMarkUnavailableOutsideProbe(t *testing.T) {
	d := NewDegradedMode(0, nil)
	assert.True(t, d.IsAvailable("bamboo"), "unknown dependencies count as available")

	d.MarkUnavailable("bamboo", errors.New("503"))
	assert.True(t, d.IsDegraded())

	d.MarkAvailable("bamboo")
	assert.False(t, d.IsDegraded())
}

func TestRunStopsOnCancel(t *testing.T) {
	d := NewDegradedMode(5*time.Millisecond, nil)
	p := &fakePinger{}
	d.Register("redis", p)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return p.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
