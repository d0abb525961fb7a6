package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/itskum47/FwForge/control_plane/logging"
	"github.com/itskum47/FwForge/control_plane/observability"
)

// webhookStages maps the per-stage routes onto Bamboo stage labels.
var webhookStages = map[string]string{
	"build":    "Build",
	"sam":      "SAM",
	"coverity": "Coverity",
}

// unwrap returns x for a {"value": x} wrapper and v otherwise.
func unwrap(v any) any {
	if m, ok := v.(map[string]any); ok {
		if inner, ok := m["value"]; ok {
			return inner
		}
	}
	return v
}

// extractString reads a plain or wrapped scalar as a string.
func extractString(m map[string]any, key string) string {
	switch v := unwrap(m[key]).(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprint(v)
	default:
		return fmt.Sprint(v)
	}
}

// stagePayload picks the nested "payload" object when present, else the
// body itself, and unwraps top-level {"value": x} fields.
func stagePayload(body map[string]any) map[string]any {
	src := body
	if nested, ok := body["payload"].(map[string]any); ok {
		src = nested
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = unwrap(v)
	}
	if _, ok := out["status"]; !ok {
		// Bamboo's own field names, for payloads forwarded verbatim.
		for _, alt := range []string{"state", "buildState"} {
			if s, ok := out[alt].(string); ok {
				out["status"] = s
				break
			}
		}
	}
	return out
}

func (a *API) handleStageWebhook(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if !decodeJSON(w, r, &body) {
		return
	}

	key := extractString(body, "buildResultKey")
	stage := extractString(body, "stageName")
	if routeStage := r.PathValue("stage"); routeStage != "" {
		label, ok := webhookStages[strings.ToLower(routeStage)]
		if !ok {
			writeError(w, http.StatusNotFound, "unknown stage route")
			return
		}
		stage = label
	}
	if key == "" || stage == "" {
		observability.WebhooksReceived.WithLabelValues("stage", "rejected").Inc()
		writeError(w, http.StatusBadRequest, "buildResultKey and stageName are required")
		return
	}

	if err := a.reconciler.HandleStageWebhook(r.Context(), key, stage, stagePayload(body)); err != nil {
		// Acknowledged anyway; the poller converges the stage later.
		observability.WebhooksReceived.WithLabelValues("stage", "error").Inc()
		logging.FromContext(r.Context()).Error("stage webhook not applied",
			"build_result_key", key, "stage", stage, "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "stage": stage})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed", "stage": stage})
}

func (a *API) handleBuildWebhook(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if !decodeJSON(w, r, &body) {
		return
	}
	key := extractString(body, "buildResultKey")
	if key == "" {
		observability.WebhooksReceived.WithLabelValues("build", "rejected").Inc()
		writeError(w, http.StatusBadRequest, "missing buildResultKey")
		return
	}
	observability.WebhooksReceived.WithLabelValues("build", "received").Inc()
	logging.FromContext(r.Context()).Info("build webhook received", "build_result_key", key)
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

// handleLegacyWebhook keeps the old endpoint answering; it only logs.
func (a *API) handleLegacyWebhook(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if !decodeJSON(w, r, &body) {
		return
	}
	observability.WebhooksReceived.WithLabelValues("legacy", "received").Inc()
	logging.FromContext(r.Context()).Info("legacy bamboo webhook",
		"build_result_key", extractString(body, "buildResultKey"),
		"build_state", extractString(body, "buildState"),
		"lifecycle_state", extractString(body, "lifeCycleState"),
	)
	w.WriteHeader(http.StatusOK)
}

// handleBuildNotification routes a generic {buildId, status, stageName?}
// notification to the explicit status updates. Rejected updates are
// logged; the sender always gets 200.
func (a *API) handleBuildNotification(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if !decodeJSON(w, r, &body) {
		return
	}
	buildID := extractString(body, "buildId")
	status := strings.ToLower(extractString(body, "status"))
	stage := extractString(body, "stageName")
	logger := logging.FromContext(r.Context()).With("build_id", buildID, "status", status, "stage", stage)

	outcome := "applied"
	var err error
	switch {
	case buildID == "" || status == "":
		outcome = "ignored"
	case stage != "":
		st, ok := parseStageStatus(status)
		if !ok {
			outcome = "ignored"
			break
		}
		_, err = a.reconciler.UpdateStageStatus(r.Context(), buildID, stage, st)
	default:
		st, ok := parseBuildStatus(status)
		if !ok {
			outcome = "ignored"
			break
		}
		_, err = a.reconciler.UpdateBuildStatus(r.Context(), buildID, st)
	}
	if err != nil {
		outcome = "rejected"
		logger.Warn("build notification not applied", "error", err)
	}
	observability.WebhooksReceived.WithLabelValues("notification", outcome).Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": outcome})
}
