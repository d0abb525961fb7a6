package main

import (
	"context"
	"net/http"
	"time"

	"github.com/itskum47/FwForge/control_plane/logging"
	"github.com/itskum47/FwForge/control_plane/store"
)

func parseBuildStatus(s string) (store.BuildStatus, bool) {
	switch st := store.BuildStatus(s); st {
	case store.BuildPending, store.BuildRunning, store.BuildSuccess, store.BuildFailed, store.BuildCancelled:
		return st, true
	}
	return "", false
}

func parseStageStatus(s string) (store.StageStatus, bool) {
	switch st := store.StageStatus(s); st {
	case store.StagePending, store.StageRunning, store.StageSuccess, store.StageFailed, store.StageSkipped:
		return st, true
	}
	return "", false
}

func (a *API) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.BuildFilter{
		ProjectID: q.Get("projectId"),
		LayerID:   q.Get("layerId"),
		Limit:     queryLimit(r, 100),
	}
	if s := q.Get("status"); s != "" {
		st, ok := parseBuildStatus(s)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown build status")
			return
		}
		f.Status = st
	}
	builds, err := a.store.ListBuilds(r.Context(), f)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	if builds == nil {
		builds = []*store.Build{}
	}
	writeJSON(w, http.StatusOK, builds)
}

func (a *API) loadBuild(ctx context.Context, id string) (*store.Build, error) {
	b, err := a.store.GetBuild(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, &store.NotFoundError{Entity: "build", ID: id}
	}
	return b, nil
}

func (a *API) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	b, err := a.loadBuild(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	stages, err := a.store.ListStages(r.Context(), b.ID)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"build": b, "stages": stages})
}

func (a *API) handleUpdateBuildStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	status, ok := parseBuildStatus(body.Status)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown build status")
		return
	}
	b, err := a.reconciler.UpdateBuildStatus(r.Context(), r.PathValue("id"), status)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) handleUpdateStageStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	status, ok := parseStageStatus(body.Status)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown stage status")
		return
	}
	st, err := a.reconciler.UpdateStageStatus(r.Context(), r.PathValue("id"), r.PathValue("stage"), status)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleUpdateReleaseStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ReleaseStatus string `json:"releaseStatus"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	status := store.ReleaseStatus(body.ReleaseStatus)
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown release status")
		return
	}
	b, err := a.reconciler.UpdateReleaseStatus(r.Context(), r.PathValue("id"), status)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleCancelBuild asks Bamboo to stop the build and returns at once.
// The local status follows through the poller once Bamboo reports it.
func (a *API) handleCancelBuild(w http.ResponseWriter, r *http.Request) {
	b, err := a.loadBuild(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	if b.Status.IsTerminal() || b.ExternalKey == "" {
		a.writeStoreError(w, r, &store.StateConflictError{
			Entity: "build", ID: b.ID, Current: string(b.Status), Op: "cancel",
		})
		return
	}

	logger := logging.FromContext(r.Context()).With("build_id", b.ID, "build_result_key", b.ExternalKey)
	result := a.ci.Cancel(context.WithoutCancel(r.Context()), b.ExternalKey)
	a.cancels.Add(1)
	go func() {
		defer a.cancels.Done()
		if err := <-result; err != nil {
			logger.Error("remote cancel failed", "error", err)
			return
		}
		logger.Info("remote cancel accepted")
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted":       true,
		"buildId":        b.ID,
		"buildResultKey": b.ExternalKey,
	})
}

// handleTimedOutRequests reports requests still awaiting a CI response.
// It never mutates them.
func (a *API) handleTimedOutRequests(w http.ResponseWriter, r *http.Request) {
	olderThan := a.requestTimeout
	if v := r.URL.Query().Get("olderThan"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "olderThan must be a positive duration such as 30m")
			return
		}
		olderThan = d
	}
	reqs, err := a.store.ListTimedOutRequests(r.Context(), time.Now().Add(-olderThan))
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []*store.BuildRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"olderThan": olderThan.String(),
		"requests":  reqs,
	})
}
