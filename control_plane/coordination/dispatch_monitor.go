package coordination

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/itskum47/FwForge/control_plane/logging"
	"github.com/itskum47/FwForge/control_plane/observability"
	"github.com/itskum47/FwForge/control_plane/store"
)

// RequestLister is the store query the monitor needs.
type RequestLister interface {
	ListTimedOutRequests(ctx context.Context, cutoff time.Time) ([]*store.BuildRequest, error)
}

// DispatchMonitor periodically reports build requests that never got a
// CI response, and the number of per-build locks held in Redis. It only
// observes; nothing is failed or released.
type DispatchMonitor struct {
	requests    RequestLister
	coordinator store.Coordinator // optional
	interval    time.Duration
	threshold   time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

func NewDispatchMonitor(requests RequestLister, coord store.Coordinator, interval, threshold time.Duration, logger *slog.Logger) *DispatchMonitor {
	return &DispatchMonitor{
		requests:    requests,
		coordinator: coord,
		interval:    interval,
		threshold:   threshold,
		logger:      logging.OrDefault(logger).With("component", "dispatch_monitor"),
		now:         time.Now,
	}
}

// Run checks on every interval until ctx is cancelled.
func (m *DispatchMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("dispatch monitor started", "interval", m.interval, "threshold", m.threshold)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one pass and returns the number of timed-out requests.
func (m *DispatchMonitor) Check(ctx context.Context) int {
	cutoff := m.now().Add(-m.threshold)
	stale, err := m.requests.ListTimedOutRequests(ctx, cutoff)
	if err != nil {
		m.logger.Error("list timed out requests failed", "error", err)
		return 0
	}
	observability.TimedOutRequests.Set(float64(len(stale)))
	for _, r := range stale {
		m.logger.Warn("build request awaiting CI response",
			"request_id", r.ID,
			"build_id", r.BuildID,
			"queue_id", r.QueueID,
			"plan_key", r.PlanKey,
			"sent_at", r.SentAt,
			"age", m.now().Sub(r.SentAt).Round(time.Second),
		)
	}

	if m.coordinator != nil {
		m.countLocks(ctx)
	}
	return len(stale)
}

func (m *DispatchMonitor) countLocks(ctx context.Context) {
	keys, err := m.coordinator.ScanLocks(ctx, store.BuildLockPattern())
	if err != nil {
		m.logger.Warn("lock scan failed", "error", err)
		return
	}
	held := 0
	for _, key := range keys {
		if strings.HasSuffix(key, ":epoch") {
			continue
		}
		held++
	}
	observability.BuildLocksHeld.Set(float64(held))
	m.logger.Debug("build locks held", "count", held)
}
