package main

import (
	"net/http"
	"strconv"

	"github.com/itskum47/FwForge/control_plane/scheduler"
	"github.com/itskum47/FwForge/control_plane/store"
)

func (a *API) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req scheduler.EnqueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ProjectID == "" || req.LayerID == "" {
		writeError(w, http.StatusBadRequest, "projectId and layerId are required")
		return
	}

	item, err := a.scheduler.Enqueue(r.Context(), req)
	if err != nil {
		// An unknown project or layer is a bad request here, not a missing resource.
		if store.IsNotFound(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"queueId": item.ID,
		"status":  item.Status,
		"item":    item,
	})
}

func parseQueueStatus(s string) (store.QueueStatus, bool) {
	switch st := store.QueueStatus(s); st {
	case "", store.QueueWaiting, store.QueueProcessing, store.QueueCompleted, store.QueueFailed, store.QueueCancelled:
		return st, true
	}
	return "", false
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func (a *API) handleListQueue(w http.ResponseWriter, r *http.Request) {
	status, ok := parseQueueStatus(r.URL.Query().Get("status"))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown queue status")
		return
	}
	items, err := a.store.ListQueueItems(r.Context(), status, queryLimit(r, 200))
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	if items == nil {
		items = []*store.QueueItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *API) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.scheduler.QueueStatus(r.Context())
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleGetQueueItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	item, err := a.store.GetQueueItem(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	if item == nil {
		a.writeStoreError(w, r, &store.NotFoundError{Entity: "queue item", ID: id})
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *API) handleCancelQueueItem(w http.ResponseWriter, r *http.Request) {
	if _, err := a.scheduler.Cancel(r.Context(), r.PathValue("id")); err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) handleSetPriority(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Priority *int `json:"priority"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Priority == nil {
		writeError(w, http.StatusBadRequest, "priority is required")
		return
	}
	item, err := a.scheduler.SetPriority(r.Context(), r.PathValue("id"), *body.Priority)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *API) handleQueueTimeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	item, err := a.store.GetQueueItem(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	if item == nil {
		a.writeStoreError(w, r, &store.NotFoundError{Entity: "queue item", ID: id})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queueId": id,
		"status":  item.Status,
		"events":  a.scheduler.Timeline(id),
	})
}

func (a *API) handleAdminScheduler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled       *bool `json:"enabled"`
		MaxConcurrent *int  `json:"maxConcurrent"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.MaxConcurrent != nil && *body.MaxConcurrent < 1 {
		writeError(w, http.StatusBadRequest, "maxConcurrent must be at least 1")
		return
	}
	if body.Enabled != nil {
		a.scheduler.SetEnabled(*body.Enabled)
	}
	if body.MaxConcurrent != nil {
		a.scheduler.SetMaxConcurrent(*body.MaxConcurrent)
	}
	a.handleQueueStatus(w, r)
}

func (a *API) handleSchedulerSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := a.scheduler.GetSnapshot(r.Context())
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	resp := map[string]any{"scheduler": snap}
	if a.elector != nil {
		resp["leader"] = a.elector.GetState()
	}
	writeJSON(w, http.StatusOK, resp)
}
