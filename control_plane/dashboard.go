package main

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/itskum47/FwForge/control_plane/coordination"
	"github.com/itskum47/FwForge/control_plane/scheduler"
	"github.com/itskum47/FwForge/control_plane/store"
)

// Dashboard is the operator overview of queue, builds and leadership.
type Dashboard struct {
	Queue               scheduler.QueueStatus     `json:"queue"`
	CircuitState        string                    `json:"circuitState"`
	ConsecutiveFailures int                       `json:"consecutiveFailures"`
	ActiveBuilds        int                       `json:"activeBuilds"`
	ReleaseCandidates   int                       `json:"releaseCandidates"`
	RecentBuilds        []*store.Build            `json:"recentBuilds"`
	StreamClients       int                       `json:"streamClients"`
	Role                string                    `json:"role"`
	Leader              *coordination.LeaderState `json:"leader,omitempty"`
	Timestamp           time.Time                 `json:"timestamp"`
}

const dashboardRecent = 10

// DashboardService gathers the dashboard from the store and the live
// components. Store reads run concurrently.
type DashboardService struct {
	store     store.Store
	scheduler *scheduler.Scheduler
	elector   *coordination.LeaderElector
	hub       *EventHub
}

func NewDashboardService(s store.Store, sched *scheduler.Scheduler, elector *coordination.LeaderElector, hub *EventHub) *DashboardService {
	return &DashboardService{store: s, scheduler: sched, elector: elector, hub: hub}
}

func (d *DashboardService) Get(ctx context.Context) (Dashboard, error) {
	out := Dashboard{Role: "standalone", Timestamp: time.Now().UTC()}
	if d.elector != nil {
		st := d.elector.GetState()
		out.Leader = &st
		out.Role = clusterRole(st.IsLeader)
	}
	if d.hub != nil {
		out.StreamClients = d.hub.ClientCount()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snap, err := d.scheduler.GetSnapshot(gctx)
		if err != nil {
			return err
		}
		out.Queue = snap.Status
		out.CircuitState = snap.CircuitState
		out.ConsecutiveFailures = snap.ConsecutiveFailures
		return nil
	})
	g.Go(func() error {
		active, err := d.store.ListActiveBuilds(gctx)
		out.ActiveBuilds = len(active)
		return err
	})
	g.Go(func() error {
		succeeded, err := d.store.ListBuilds(gctx, store.BuildFilter{Status: store.BuildSuccess})
		for _, b := range succeeded {
			if b.ReleaseStatus == store.ReleaseAvailable {
				out.ReleaseCandidates++
			}
		}
		return err
	})
	g.Go(func() error {
		recent, err := d.store.ListBuilds(gctx, store.BuildFilter{Limit: dashboardRecent})
		out.RecentBuilds = recent
		return err
	})
	if err := g.Wait(); err != nil {
		return Dashboard{}, err
	}
	if out.RecentBuilds == nil {
		out.RecentBuilds = []*store.Build{}
	}
	return out, nil
}

func clusterRole(isLeader bool) string {
	if isLeader {
		return "leader"
	}
	return "follower"
}

func (a *API) handleGetDashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := a.dashboard.Get(r.Context())
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dash)
}
