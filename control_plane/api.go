package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itskum47/FwForge/control_plane/bamboo"
	"github.com/itskum47/FwForge/control_plane/coordination"
	"github.com/itskum47/FwForge/control_plane/idempotency"
	"github.com/itskum47/FwForge/control_plane/logging"
	"github.com/itskum47/FwForge/control_plane/observability"
	"github.com/itskum47/FwForge/control_plane/ratelimit"
	"github.com/itskum47/FwForge/control_plane/reconciler"
	"github.com/itskum47/FwForge/control_plane/resilience"
	"github.com/itskum47/FwForge/control_plane/scheduler"
	"github.com/itskum47/FwForge/control_plane/store"
)

const maxBodyBytes = 1 << 20

// CIBackend is the part of the CI client the handlers call directly.
type CIBackend interface {
	Cancel(ctx context.Context, buildResultKey string) <-chan error
	GetPlan(ctx context.Context, planKey string) <-chan bamboo.PlanOutcome
}

// APIDeps are the collaborators the HTTP handlers call into.
type APIDeps struct {
	Store       store.Store
	Scheduler   *scheduler.Scheduler
	Reconciler  *reconciler.Reconciler
	CI          CIBackend
	Hub         *EventHub
	Elector     *coordination.LeaderElector // nil when running standalone
	Idempotency *idempotency.Store
	Health      *resilience.DegradedMode // optional
	// RequestTimeout is the default cutoff for the timed-out request query.
	RequestTimeout time.Duration
	WebhookLimiter *ratelimit.KeyedLimiter
	EnqueueLimiter *ratelimit.KeyedLimiter
	Logger         *slog.Logger
}

type API struct {
	store          store.Store
	scheduler      *scheduler.Scheduler
	reconciler     *reconciler.Reconciler
	ci             CIBackend
	hub            *EventHub
	elector        *coordination.LeaderElector
	idempotency    *idempotency.Store
	health         *resilience.DegradedMode
	requestTimeout time.Duration
	webhookLimiter *ratelimit.KeyedLimiter
	enqueueLimiter *ratelimit.KeyedLimiter
	logger         *slog.Logger
	dashboard      *DashboardService

	// cancels tracks remote cancel continuations so shutdown can drain them.
	cancels sync.WaitGroup
}

func NewAPI(d APIDeps) *API {
	a := &API{
		store:          d.Store,
		scheduler:      d.Scheduler,
		reconciler:     d.Reconciler,
		ci:             d.CI,
		hub:            d.Hub,
		elector:        d.Elector,
		idempotency:    d.Idempotency,
		health:         d.Health,
		requestTimeout: d.RequestTimeout,
		webhookLimiter: d.WebhookLimiter,
		enqueueLimiter: d.EnqueueLimiter,
		logger:         logging.OrDefault(d.Logger),
	}
	if a.idempotency == nil {
		a.idempotency = idempotency.NewStore(nil, 0, a.logger)
	}
	if a.webhookLimiter == nil {
		a.webhookLimiter = ratelimit.NewKeyedLimiter(0, 0)
	}
	if a.enqueueLimiter == nil {
		a.enqueueLimiter = ratelimit.NewKeyedLimiter(0, 0)
	}
	if a.requestTimeout <= 0 {
		a.requestTimeout = 30 * time.Minute
	}
	a.dashboard = NewDashboardService(a.store, a.scheduler, a.elector, a.hub)
	return a
}

// Routes registers every endpoint on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Queue
	mux.Handle("POST /api/queue", a.enqueueLimiter.Middleware("enqueue", a.withIdempotency(a.handleEnqueue)))
	mux.HandleFunc("GET /api/queue", a.handleListQueue)
	mux.HandleFunc("GET /api/queue/status", a.handleQueueStatus)
	mux.HandleFunc("GET /api/queue/{id}", a.handleGetQueueItem)
	mux.HandleFunc("POST /api/queue/{id}/cancel", a.withIdempotency(a.handleCancelQueueItem))
	mux.HandleFunc("POST /api/queue/{id}/priority", a.handleSetPriority)
	mux.HandleFunc("GET /api/queue/{id}/timeline", a.handleQueueTimeline)

	// Builds
	mux.HandleFunc("GET /api/builds", a.handleListBuilds)
	mux.HandleFunc("GET /api/builds/{id}", a.handleGetBuild)
	mux.HandleFunc("POST /api/builds/{id}/status", a.handleUpdateBuildStatus)
	mux.HandleFunc("POST /api/builds/{id}/stages/{stage}/status", a.handleUpdateStageStatus)
	mux.HandleFunc("POST /api/builds/{id}/release-status", a.handleUpdateReleaseStatus)
	mux.HandleFunc("POST /api/builds/{id}/cancel", a.withIdempotency(a.handleCancelBuild))
	mux.HandleFunc("GET /api/builds/{id}/incident", a.handleBuildIncident)
	mux.HandleFunc("GET /api/requests/timed-out", a.handleTimedOutRequests)

	// Webhooks
	webhook := func(route string, h http.HandlerFunc) http.Handler {
		return a.webhookLimiter.Middleware("webhook", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r = r.WithContext(logging.WithLogger(r.Context(), logging.FromContext(r.Context()).With("webhook", route)))
			h(w, r)
		}))
	}
	mux.Handle("POST /api/webhooks/bamboo/stage", webhook("stage", a.handleStageWebhook))
	mux.Handle("POST /api/webhooks/bamboo/stage/{stage}", webhook("stage", a.handleStageWebhook))
	mux.Handle("POST /api/webhooks/bamboo/build", webhook("build", a.handleBuildWebhook))
	mux.Handle("POST /api/webhooks/bamboo", webhook("legacy", a.handleLegacyWebhook))
	mux.Handle("POST /api/webhooks/build-notification", webhook("notification", a.handleBuildNotification))

	// Catalog seeding
	mux.HandleFunc("PUT /api/projects/{id}", a.handlePutProject)
	mux.HandleFunc("GET /api/projects/{id}", a.handleGetProject)
	mux.HandleFunc("GET /api/projects/{id}/layers", a.handleListLayers)
	mux.HandleFunc("GET /api/projects/{id}/plan", a.handleGetProjectPlan)
	mux.HandleFunc("PUT /api/layers/{id}", a.handlePutLayer)
	mux.HandleFunc("GET /api/layers/{id}", a.handleGetLayer)

	// Admin
	mux.HandleFunc("POST /admin/scheduler", a.handleAdminScheduler)
	mux.HandleFunc("GET /admin/scheduler/snapshot", a.handleSchedulerSnapshot)
	mux.HandleFunc("GET /api/dashboard", a.handleGetDashboard)

	// Streaming
	mux.HandleFunc("GET /api/stream", a.handleStream)
}

// Wait blocks until outstanding remote cancels have resolved.
func (a *API) Wait() {
	a.cancels.Wait()
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if a.health != nil {
		if a.health.IsDegraded() {
			resp["status"] = "degraded"
		}
		resp["dependencies"] = a.health.HealthCheck()
	}
	if a.elector != nil {
		resp["leader"] = a.elector.GetState()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps typed domain errors onto HTTP status codes.
func (a *API) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var nf *store.NotFoundError
	var sc *store.StateConflictError
	var ext *bamboo.ExternalCallError
	switch {
	case errors.As(err, &nf):
		writeError(w, http.StatusNotFound, nf.Error())
	case errors.As(err, &sc):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":   sc.Error(),
			"current": sc.Current,
		})
	case errors.Is(err, reconciler.ErrUnmappableStage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &ext):
		writeError(w, http.StatusBadGateway, ext.Error())
	default:
		logging.FromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// responseRecorder captures a response for the idempotency cache.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays the stored response for a repeated
// Idempotency-Key. Server errors are not cached so the caller may retry.
func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}
		key = r.Method + " " + r.URL.Path + " " + key

		if resp, found := a.idempotency.Get(r.Context(), key); found {
			observability.IdempotencyReplays.Inc()
			for k, v := range resp.Headers {
				for _, val := range v {
					w.Header().Add(k, val)
				}
			}
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		if rec.statusCode >= 500 {
			return
		}
		a.idempotency.Set(r.Context(), key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    map[string][]string{"Content-Type": rec.Header().Values("Content-Type")},
		})
	}
}
