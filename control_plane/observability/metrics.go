package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks queue items per status.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fwforge_queue_items",
		Help: "Current number of queue items by status",
	}, []string{"status"})

	// SchedulerDecisions tracks the number of decisions made by type.
	SchedulerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fwforge_scheduler_decisions_total",
		Help: "Total number of admission decisions made",
	}, []string{"decision", "reason"})

	// SchedulerLoopDuration tracks the duration of one admission tick.
	SchedulerLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fwforge_scheduler_tick_duration_seconds",
		Help:    "Duration of one admission tick",
		Buckets: prometheus.DefBuckets,
	})

	// SchedulerCircuitState tracks the CI circuit breaker.
	SchedulerCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fwforge_scheduler_circuit_state",
		Help: "CI circuit breaker state (1 = current state)",
	}, []string{"state"})

	// QueueWaitSeconds tracks time from enqueue to dispatch.
	QueueWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fwforge_queue_wait_seconds",
		Help:    "Time queue items wait before being dispatched",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s to ~2h
	})

	// DispatchOutcomes counts trigger results.
	DispatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fwforge_dispatch_outcomes_total",
		Help: "Trigger outcomes per dispatch attempt",
	}, []string{"outcome"}) // accepted, error

	// CICallDuration tracks latency of calls to the CI backend.
	CICallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fwforge_ci_call_duration_seconds",
		Help:    "CI backend call latency",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	}, []string{"op", "outcome"})

	// StageTransitions counts applied stage status changes.
	StageTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fwforge_stage_transitions_total",
		Help: "Applied stage status transitions",
	}, []string{"stage", "status", "source"}) // source: poll, webhook, api, dispatch

	// BuildsFinished counts finalized builds.
	BuildsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fwforge_builds_finished_total",
		Help: "Builds that reached a terminal status",
	}, []string{"status"})

	// BuildDurationSeconds tracks end-to-end build duration.
	BuildDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fwforge_build_duration_seconds",
		Help:    "Build duration from start to finish",
		Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10s to ~11h
	})

	// WebhooksReceived counts webhook deliveries.
	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fwforge_webhooks_received_total",
		Help: "Webhook deliveries by route and outcome",
	}, []string{"route", "outcome"})

	// PollErrors counts failed status polls.
	PollErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fwforge_poll_errors_total",
		Help: "Status polls that failed",
	})

	// TimedOutRequests is the number of dispatches still awaiting a response past the cutoff.
	TimedOutRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fwforge_timed_out_requests",
		Help: "Build requests still in sent status past the monitor cutoff",
	})

	// BuildLocksHeld is the number of per-build locks present in Redis.
	BuildLocksHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fwforge_build_locks_held",
		Help: "Per-build mutation locks currently held",
	})

	// LeadershipEpoch tracks the current fencing epoch for the leader.
	LeadershipEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fwforge_leader_epoch",
		Help: "Current fencing epoch of the leader",
	}, []string{"node_id"})

	// LeadershipTransitions tracks leadership acquisition and loss events.
	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fwforge_leader_transitions_total",
		Help: "Total number of leadership transitions",
	}, []string{"node_id", "event"})

	// LeadershipTransitionDuration tracks time taken for leadership transitions.
	LeadershipTransitionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fwforge_leader_transition_duration_seconds",
		Help:    "Time taken for leadership transition (step-down to become-leader)",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	// LeaderStatus tracks current leader status.
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fwforge_leader_status",
		Help: "Current leader status (1 = leader, 0 = follower)",
	})

	// RedisLatency tracks Redis operation roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fwforge_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})

	// APIRateLimited tracks API requests rejected by rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fwforge_api_rate_limited_total",
		Help: "API requests rejected by rate limiter",
	}, []string{"endpoint"})

	// HTTPRequests counts served API requests.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fwforge_http_requests_total",
		Help: "HTTP requests by method and status code",
	}, []string{"method", "code"})

	// IdempotencyReplays counts responses served from the idempotency cache.
	IdempotencyReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fwforge_idempotency_replays_total",
		Help: "Responses replayed for a repeated Idempotency-Key",
	})

	// EventPublishFailures tracks failed event publish attempts (non-blocking).
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fwforge_event_publish_failures_total",
		Help: "Failed event publish attempts (best-effort)",
	}, []string{"event_type", "reason"})

	// StreamClients tracks connected WebSocket clients.
	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fwforge_stream_clients",
		Help: "Current number of connected event stream clients",
	})

	// DependencyUp is 1 while a dependency answers its health probe.
	DependencyUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fwforge_dependency_up",
		Help: "Whether a backing dependency answered its last health probe",
	}, []string{"dependency"})

	// ConfigReloads counts hot-reload attempts.
	ConfigReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fwforge_config_reloads_total",
		Help: "Configuration reload attempts",
	}, []string{"outcome"})
)
