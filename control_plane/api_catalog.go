package main

import (
	"net/http"
	"time"

	"github.com/itskum47/FwForge/control_plane/store"
)

// The project catalog is owned by another service; these endpoints only
// seed it so that enqueue has something to resolve.

func (a *API) handlePutProject(w http.ResponseWriter, r *http.Request) {
	var p store.Project
	if !decodeJSON(w, r, &p) {
		return
	}
	p.ID = r.PathValue("id")
	if p.PlanID == "" {
		writeError(w, http.StatusBadRequest, "planId is required")
		return
	}
	now := time.Now().UTC()
	if existing, err := a.store.GetProject(r.Context(), p.ID); err == nil && existing != nil {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if err := a.store.UpsertProject(r.Context(), &p); err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := a.store.GetProject(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	if p == nil {
		a.writeStoreError(w, r, &store.NotFoundError{Entity: "project", ID: id})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleListLayers(w http.ResponseWriter, r *http.Request) {
	layers, err := a.store.ListLayers(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	if layers == nil {
		layers = []*store.Layer{}
	}
	writeJSON(w, http.StatusOK, layers)
}

func (a *API) handlePutLayer(w http.ResponseWriter, r *http.Request) {
	var l store.Layer
	if !decodeJSON(w, r, &l) {
		return
	}
	l.ID = r.PathValue("id")
	switch l.Type {
	case "":
		l.Type = store.LayerNormal
	case store.LayerNormal, store.LayerRelease, store.LayerPrivate:
	default:
		writeError(w, http.StatusBadRequest, "type must be layer, release or private")
		return
	}
	p, err := a.store.GetProject(r.Context(), l.ProjectID)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	if p == nil {
		writeError(w, http.StatusBadRequest, "unknown projectId "+l.ProjectID)
		return
	}
	now := time.Now().UTC()
	if existing, err := a.store.GetLayer(r.Context(), l.ID); err == nil && existing != nil {
		l.CreatedAt = existing.CreatedAt
	} else {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	if err := a.store.UpsertLayer(r.Context(), &l); err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (a *API) handleGetLayer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	l, err := a.store.GetLayer(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	if l == nil {
		a.writeStoreError(w, r, &store.NotFoundError{Entity: "layer", ID: id})
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// handleGetProjectPlan looks up the project's Bamboo plan so operators can
// check the plan key and its stages before enqueueing.
func (a *API) handleGetProjectPlan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := a.store.GetProject(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	if p == nil {
		a.writeStoreError(w, r, &store.NotFoundError{Entity: "project", ID: id})
		return
	}
	select {
	case out := <-a.ci.GetPlan(r.Context(), p.PlanID):
		if out.Err != nil {
			a.writeStoreError(w, r, out.Err)
			return
		}
		writeJSON(w, http.StatusOK, out.Plan)
	case <-r.Context().Done():
		writeError(w, http.StatusGatewayTimeout, "plan lookup cancelled")
	}
}
