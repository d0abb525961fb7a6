// Package bamboo is an asynchronous client for the Bamboo REST API.
// Every call returns a channel that receives exactly one outcome; the
// client never retries.
package bamboo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/itskum47/FwForge/control_plane/logging"
	"github.com/itskum47/FwForge/control_plane/observability"
	"golang.org/x/time/rate"
)

const maxErrorBody = 2048

// Config holds connection settings for a Bamboo server.
type Config struct {
	BaseURL       string
	APIToken      string // preferred over basic auth when set
	Username      string
	Password      string
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
}

// Client talks to one Bamboo server.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient creates a Client. A nil httpClient gets one with cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logging.OrDefault(logger).With("component", "bamboo"),
	}
}

// Trigger queues a run of planKey with the given bamboo.variable.* values.
func (c *Client) Trigger(ctx context.Context, planKey string, variables map[string]string) <-chan TriggerOutcome {
	out := make(chan TriggerOutcome, 1)
	go func() {
		q := url.Values{}
		for k, v := range variables {
			q.Set("bamboo.variable."+k, v)
		}
		path := "/rest/api/latest/queue/" + url.PathEscape(planKey)
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var res TriggerResult
		err := c.do(ctx, "trigger", http.MethodPost, path, &res)
		if err != nil {
			c.logger.Error("trigger failed", "plan_key", planKey, "error", err)
			out <- TriggerOutcome{Err: err}
			return
		}
		c.logger.Info("build triggered", "plan_key", planKey, "build_result_key", res.BuildResultKey)
		out <- TriggerOutcome{Result: &res}
	}()
	return out
}

// GetStatus fetches the current result of a triggered build.
func (c *Client) GetStatus(ctx context.Context, buildResultKey string) <-chan StatusOutcome {
	out := make(chan StatusOutcome, 1)
	go func() {
		var st BuildStatus
		path := "/rest/api/latest/result/" + url.PathEscape(buildResultKey) + "?expand=stages"
		if err := c.do(ctx, "status", http.MethodGet, path, &st); err != nil {
			out <- StatusOutcome{Err: err}
			return
		}
		out <- StatusOutcome{Status: &st}
	}()
	return out
}

// Cancel stops a queued or running build.
func (c *Client) Cancel(ctx context.Context, buildResultKey string) <-chan error {
	out := make(chan error, 1)
	go func() {
		err := c.do(ctx, "cancel", http.MethodDelete, "/rest/api/latest/queue/"+url.PathEscape(buildResultKey), nil)
		if err != nil {
			c.logger.Error("cancel failed", "build_result_key", buildResultKey, "error", err)
		} else {
			c.logger.Info("build stopped", "build_result_key", buildResultKey)
		}
		out <- err
	}()
	return out
}

// GetPlan fetches plan details.
func (c *Client) GetPlan(ctx context.Context, planKey string) <-chan PlanOutcome {
	out := make(chan PlanOutcome, 1)
	go func() {
		var p Plan
		if err := c.do(ctx, "plan", http.MethodGet, "/rest/api/latest/plan/"+url.PathEscape(planKey)+"?expand=stages", &p); err != nil {
			out <- PlanOutcome{Err: err}
			return
		}
		out <- PlanOutcome{Plan: &p}
	}()
	return out
}

func (c *Client) do(ctx context.Context, op, method, path string, into any) (err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		observability.CICallDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return &ExternalCallError{Op: op, Err: fmt.Errorf("rate limit wait: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, nil)
	if err != nil {
		return &ExternalCallError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return &ExternalCallError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &ExternalCallError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	if into == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil && err != io.EOF {
		return &ExternalCallError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	switch {
	case c.cfg.APIToken != "":
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	case c.cfg.Username != "":
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
}
