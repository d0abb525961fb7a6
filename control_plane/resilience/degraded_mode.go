// Package resilience tracks the availability of the control plane's
// backing services so /health can report degraded operation.
package resilience

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/itskum47/FwForge/control_plane/logging"
	"github.com/itskum47/FwForge/control_plane/observability"
)

// Pinger is a dependency that can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DependencyStatus is the last probe result of one dependency.
type DependencyStatus struct {
	Available bool      `json:"available"`
	LastError string    `json:"lastError,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
	// Since is when Available last changed.
	Since time.Time `json:"since"`
}

// DegradedMode probes registered dependencies and remembers which are down.
type DegradedMode struct {
	mu       sync.RWMutex
	checks   map[string]Pinger
	status   map[string]DependencyStatus
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewDegradedMode(interval time.Duration, logger *slog.Logger) *DegradedMode {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &DegradedMode{
		checks:   make(map[string]Pinger),
		status:   make(map[string]DependencyStatus),
		timeout:  2 * time.Second,
		interval: interval,
		logger:   logging.OrDefault(logger),
		now:      time.Now,
	}
}

// Register adds a dependency. It counts as available until probed.
func (d *DegradedMode) Register(name string, p Pinger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checks[name] = p
	now := d.now()
	d.status[name] = DependencyStatus{Available: true, CheckedAt: now, Since: now}
	observability.DependencyUp.WithLabelValues(name).Set(1)
}

// MarkUnavailable records a failure observed outside the probe loop.
func (d *DegradedMode) MarkUnavailable(name string, err error) {
	d.set(name, err)
}

// MarkAvailable records a success observed outside the probe loop.
func (d *DegradedMode) MarkAvailable(name string) {
	d.set(name, nil)
}

func (d *DegradedMode) set(name string, err error) {
	d.mu.Lock()
	prev, known := d.status[name]
	now := d.now()
	st := DependencyStatus{Available: err == nil, CheckedAt: now, Since: prev.Since}
	if err != nil {
		st.LastError = err.Error()
	}
	if !known || prev.Available != st.Available {
		st.Since = now
	}
	d.status[name] = st
	d.mu.Unlock()

	if err != nil {
		observability.DependencyUp.WithLabelValues(name).Set(0)
	} else {
		observability.DependencyUp.WithLabelValues(name).Set(1)
	}
	if known && prev.Available != st.Available {
		if st.Available {
			d.logger.Info("dependency recovered", "dependency", name, "down_for", now.Sub(prev.Since))
		} else {
			d.logger.Warn("dependency unavailable, entering degraded mode", "dependency", name, "error", err)
		}
	}
}

// IsAvailable reports the last known state of name. Unknown names are
// treated as available.
func (d *DegradedMode) IsAvailable(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st, ok := d.status[name]
	return !ok || st.Available
}

// IsDegraded reports whether any registered dependency is down.
func (d *DegradedMode) IsDegraded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, st := range d.status {
		if !st.Available {
			return true
		}
	}
	return false
}

// HealthCheck returns a copy of every dependency's status.
func (d *DegradedMode) HealthCheck() map[string]DependencyStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]DependencyStatus, len(d.status))
	for k, v := range d.status {
		out[k] = v
	}
	return out
}

// Probe pings every dependency once.
func (d *DegradedMode) Probe(ctx context.Context) {
	d.mu.RLock()
	names := make([]string, 0, len(d.checks))
	for name := range d.checks {
		names = append(names, name)
	}
	d.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		d.mu.RLock()
		p := d.checks[name]
		d.mu.RUnlock()

		pctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := p.Ping(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		d.set(name, err)
	}
}

// Run probes on every interval until ctx is cancelled.
func (d *DegradedMode) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Probe(ctx)
		}
	}
}
