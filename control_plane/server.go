package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/FwForge/control_plane/bamboo"
	"github.com/itskum47/FwForge/control_plane/config"
	"github.com/itskum47/FwForge/control_plane/coordination"
	"github.com/itskum47/FwForge/control_plane/idempotency"
	"github.com/itskum47/FwForge/control_plane/middleware"
	"github.com/itskum47/FwForge/control_plane/ratelimit"
	"github.com/itskum47/FwForge/control_plane/reconciler"
	"github.com/itskum47/FwForge/control_plane/resilience"
	"github.com/itskum47/FwForge/control_plane/scheduler"
	"github.com/itskum47/FwForge/control_plane/store"
	"github.com/itskum47/FwForge/control_plane/streaming"
	"github.com/itskum47/FwForge/control_plane/timeline"
)

// Server wires the control plane together. With Redis configured, the
// admission loop, the status poller and the dispatch monitor run only on
// the elected leader; every replica serves the API and webhooks.
type Server struct {
	cfg    config.Config
	logger *slog.Logger

	store      store.Store
	postgres   *store.PostgresStore // nil with the memory store
	redis      *store.RedisStore    // nil when standalone
	ci         *bamboo.Client
	reconciler *reconciler.Reconciler
	scheduler  *scheduler.Scheduler
	poller     *reconciler.Poller
	monitor    *coordination.DispatchMonitor
	elector    *coordination.LeaderElector
	hub        *EventHub
	health     *resilience.DegradedMode
	api        *API
	limiters   []*ratelimit.KeyedLimiter

	loops sync.WaitGroup
}

// Open connects to the configured backends and assembles a Server.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if cfg.Bamboo.BaseURL == "" {
		return nil, errors.New("bamboo.baseUrl is required")
	}

	var st store.Store
	var pg *store.PostgresStore
	if cfg.Postgres.DSN != "" {
		var err error
		pg, err = store.NewPostgresStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		st = pg
		logger.Info("using postgres store")
	} else {
		st = store.NewMemoryStore()
		logger.Warn("postgres.dsn not set, using in-memory store")
	}

	var rs *store.RedisStore
	if cfg.Redis.Addr != "" {
		var err error
		rs, err = store.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			if pg != nil {
				pg.Close()
			}
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		logger.Info("connected to redis", "addr", cfg.Redis.Addr)
	} else {
		logger.Warn("redis.addr not set, running standalone without leader election")
	}

	s := NewServer(cfg, logger, st, rs, nil)
	if pg != nil {
		s.postgres = pg
		s.health.Register("postgres", pg)
	}
	return s, nil
}

// NewServer assembles the components over an existing store. rs may be
// nil; httpClient may be nil.
func NewServer(cfg config.Config, logger *slog.Logger, st store.Store, rs *store.RedisStore, httpClient *http.Client) *Server {
	s := &Server{cfg: cfg, logger: logger, store: st, redis: rs}

	s.hub = NewEventHub(logger)
	publisher := streaming.MultiPublisher{streaming.NewLogPublisher(logger), s.hub}

	s.ci = bamboo.NewClient(bamboo.Config{
		BaseURL:       cfg.Bamboo.BaseURL,
		APIToken:      cfg.Bamboo.APIToken,
		Username:      cfg.Bamboo.Username,
		Password:      cfg.Bamboo.Password,
		Timeout:       cfg.Bamboo.Timeout(),
		RatePerSecond: cfg.Bamboo.RatePerSecond,
		Burst:         cfg.Bamboo.Burst,
	}, httpClient, logger.With("component", "bamboo"))

	var recOpts []reconciler.Option
	if rs != nil {
		recOpts = append(recOpts, reconciler.WithLocker(reconciler.NewRedisLocker(rs, 30*time.Second, logger)))
	}
	s.reconciler = reconciler.New(st, publisher, logger.With("component", "reconciler"), recOpts...)

	s.scheduler = scheduler.NewScheduler(st, s.ci, s.reconciler, timeline.NewStore(0), scheduler.Config{
		Enabled:           cfg.Scheduler.Enabled,
		MaxConcurrent:     cfg.Scheduler.MaxConcurrentBuilds,
		DefaultMaxRetries: cfg.Scheduler.DefaultMaxRetries,
		PollInterval:      cfg.Scheduler.QueuePollInterval(),
		CircuitThreshold:  cfg.Scheduler.CircuitBreakerThreshold,
		CircuitCooldown:   cfg.Scheduler.CircuitCooldown(),
	}, logger.With("component", "scheduler"), scheduler.WithPublisher(publisher))

	s.poller = reconciler.NewPoller(st, s.ci, s.reconciler, cfg.Scheduler.StatusPollInterval(), logger.With("component", "poller"))

	s.health = resilience.NewDegradedMode(15*time.Second, logger.With("component", "health"))

	var coord store.Coordinator
	var kv idempotency.KV
	if rs != nil {
		coord = rs
		kv = rs
		s.health.Register("redis", rs)
		s.elector = coordination.NewLeaderElector(rs, st, nodeID(), cfg.Leader.TTL(), logger)
	}
	s.monitor = coordination.NewDispatchMonitor(st, coord, cfg.Monitor.Interval(), cfg.Monitor.RequestTimeout(), logger)

	webhookLimiter := ratelimit.NewKeyedLimiter(cfg.Webhooks.RatePerSecond, cfg.Webhooks.Burst)
	// Enqueue is operator traffic; a fixed modest budget per client.
	enqueueLimiter := ratelimit.NewKeyedLimiter(5, 20)
	s.limiters = []*ratelimit.KeyedLimiter{webhookLimiter, enqueueLimiter}

	s.api = NewAPI(APIDeps{
		Store:          st,
		Scheduler:      s.scheduler,
		Reconciler:     s.reconciler,
		CI:             s.ci,
		Hub:            s.hub,
		Elector:        s.elector,
		Idempotency:    idempotency.NewStore(kv, idempotency.DefaultTTL, logger),
		Health:         s.health,
		RequestTimeout: cfg.Monitor.RequestTimeout(),
		WebhookLimiter: webhookLimiter,
		EnqueueLimiter: enqueueLimiter,
		Logger:         logger,
	})
	return s
}

func nodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Handler returns the full middleware-wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.api.Routes(mux)
	var h http.Handler = mux
	h = middleware.LoggingMiddleware(s.logger, h)
	h = middleware.RequestIDMiddleware(h)
	h = middleware.CORSMiddleware(s.cfg.Server.CORSOrigin, h)
	return h
}

// runLeaderLoops runs the single-writer loops until ctx is cancelled.
func (s *Server) runLeaderLoops(ctx context.Context) {
	s.logger.Info("starting leader loops")
	for _, run := range []func(context.Context){s.scheduler.Run, s.poller.Run, s.monitor.Run} {
		s.loops.Add(1)
		go func(run func(context.Context)) {
			defer s.loops.Done()
			run(ctx)
		}(run)
	}
}

// Start launches background work: the event hub, dependency probes,
// limiter pruning and, directly or through leader election, the leader
// loops.
func (s *Server) Start(ctx context.Context) {
	s.loops.Add(3)
	go func() {
		defer s.loops.Done()
		s.hub.Run(ctx)
	}()
	go func() {
		defer s.loops.Done()
		s.health.Run(ctx)
	}()
	go func() {
		defer s.loops.Done()
		s.pruneLimiters(ctx)
	}()

	if s.elector == nil {
		s.runLeaderLoops(ctx)
		return
	}
	s.elector.SetCallbacks(
		func(leaderCtx context.Context) {
			if ctx.Err() != nil {
				return
			}
			epoch, _ := coordination.GetEpochFromContext(leaderCtx)
			s.logger.Info("elected leader", "epoch", epoch)
			// leaderCtx ends on step-down, which the elector also performs
			// when ctx is cancelled.
			s.runLeaderLoops(leaderCtx)
		},
		func() {
			s.logger.Warn("leadership lost, leader loops stopping")
		},
	)
	s.elector.Start(ctx)
}

func (s *Server) pruneLimiters(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, l := range s.limiters {
				l.Prune()
			}
		}
	}
}

// ApplyConfig re-applies the runtime-tunable settings after a reload.
func (s *Server) ApplyConfig(cfg config.Config) {
	s.scheduler.SetEnabled(cfg.Scheduler.Enabled)
	s.scheduler.SetMaxConcurrent(cfg.Scheduler.MaxConcurrentBuilds)
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.Start(runCtx)

	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control plane listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	s.logger.Info("shutting down")
	shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown incomplete", "error", err)
	}
	cancel()
	s.Close()
	return serveErr
}

// Close stops background work and releases connections.
func (s *Server) Close() {
	if s.elector != nil {
		s.elector.Stop()
	}
	s.loops.Wait()
	s.scheduler.Wait()
	s.poller.Wait()
	s.reconciler.Wait()
	s.api.Wait()
	if s.redis != nil {
		s.redis.Close()
	}
	if s.postgres != nil {
		s.postgres.Close()
	}
}
