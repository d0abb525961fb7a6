package reconciler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/itskum47/FwForge/control_plane/bamboo"
	"github.com/itskum47/FwForge/control_plane/logging"
	"github.com/itskum47/FwForge/control_plane/observability"
	"github.com/itskum47/FwForge/control_plane/store"
)

// StatusFetcher is the part of the CI client the poller needs.
type StatusFetcher interface {
	GetStatus(ctx context.Context, buildResultKey string) <-chan bamboo.StatusOutcome
}

// Poller periodically fetches the CI status of every active build and
// feeds it to the Reconciler.
type Poller struct {
	store      store.Store
	fetcher    StatusFetcher
	reconciler *Reconciler
	interval   time.Duration
	timeout    time.Duration
	logger     *slog.Logger

	group    singleflight.Group
	inflight sync.WaitGroup
	started  atomic.Bool
	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewPoller(s store.Store, fetcher StatusFetcher, r *Reconciler, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		store:      s,
		fetcher:    fetcher,
		reconciler: r,
		interval:   interval,
		timeout:    interval,
		logger:     logging.OrDefault(logger),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs the poll loop in the background until ctx is done or Stop
// is called.
func (p *Poller) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(p.done)
		p.Run(ctx)
	}()
}

// Run polls on every interval until ctx is done or Stop is called. A
// second concurrent Run returns immediately, so a new leadership term can
// call it again once the previous term's loop has exited.
func (p *Poller) Run(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	defer p.running.Store(false)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("status poller started", "interval", p.interval)
	defer p.logger.Info("status poller stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Stop ends the loop and waits for outstanding fetches.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	if p.started.Load() {
		<-p.done
	}
	p.inflight.Wait()
}

// Tick issues one status fetch per active build. Fetches complete in the
// background; errors are logged and counted but never returned.
func (p *Poller) Tick(ctx context.Context) {
	builds, err := p.store.ListActiveBuilds(ctx)
	if err != nil {
		p.logger.Error("list active builds failed", "error", err)
		observability.PollErrors.Inc()
		return
	}
	if len(builds) == 0 {
		return
	}
	p.logger.Debug("polling active builds", "count", len(builds))

	for _, b := range builds {
		p.inflight.Add(1)
		go func(buildID, key string) {
			defer p.inflight.Done()
			p.poll(ctx, buildID, key)
		}(b.ID, b.ExternalKey)
	}
}

func (p *Poller) poll(ctx context.Context, buildID, key string) {
	// Concurrent ticks for the same key share one fetch and one apply.
	_, err, _ := p.group.Do(key, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		var out bamboo.StatusOutcome
		select {
		case out = <-p.fetcher.GetStatus(fetchCtx, key):
		case <-fetchCtx.Done():
			return nil, fetchCtx.Err()
		}
		if out.Err != nil {
			return nil, out.Err
		}
		return nil, p.reconciler.ApplyStatus(ctx, buildID, out.Status)
	})
	if err != nil {
		observability.PollErrors.Inc()
		p.logger.Error("poll build failed", "build_id", buildID, "external_key", key, "error", err)
	}
}

// Wait blocks until fetches started by previous ticks have been applied.
func (p *Poller) Wait() {
	p.inflight.Wait()
}
