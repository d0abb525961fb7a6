package main

import (
	"fmt"
	"net/http"

	"github.com/itskum47/FwForge/control_plane/incident"
	"github.com/itskum47/FwForge/control_plane/store"
)

// handleBuildIncident returns the captured failure context of a build as
// a downloadable JSON document.
func (a *API) handleBuildIncident(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	report, err := incident.Capture(r.Context(), a.store, a.scheduler, id)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	if report == nil {
		a.writeStoreError(w, r, &store.NotFoundError{Entity: "build", ID: id})
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=incident-%s.json", id))
	writeJSON(w, http.StatusOK, report)
}
