// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpapi wires the daemon's operational HTTP surface — health
// and readiness probes, metrics, manual trigger, state and show
// inspection, and forced re-filtering — onto an internal/httpsvc.Service.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/andronics/tvsyncd/internal/filter"
	"github.com/andronics/tvsyncd/internal/metrics"
	"github.com/andronics/tvsyncd/internal/model"
	"github.com/andronics/tvsyncd/internal/opstate"
	"github.com/andronics/tvsyncd/internal/scheduler"
	"github.com/andronics/tvsyncd/internal/sonarr"
	"github.com/andronics/tvsyncd/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

// API holds the dependencies every handler needs. Register attaches
// its routes to an existing *http.ServeMux (an internal/httpsvc.Service
// embeds one, so it satisfies http.Handler registration directly).
type API struct {
	Store     *store.Store
	State     *opstate.Manager
	Scheduler *scheduler.Scheduler
	Sonarr    *sonarr.Client
	Processor *filter.Processor
	Metrics   *metrics.Metrics
	Registry  *prometheus.Registry
}

// Register attaches every handler to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/ready", a.handleReady)
	mux.Handle("/metrics", metrics.Handler(a.Registry))
	mux.HandleFunc("/trigger", a.handleTrigger)
	mux.HandleFunc("/state", a.handleState)
	mux.HandleFunc("/shows", a.handleShows)
	mux.HandleFunc("/refilter", a.handleRefilter)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth is a pure liveness probe: if the process can answer
// HTTP at all, it reports ok.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady additionally checks the cache database and the
// downstream library manager are both reachable.
func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]bool{
		"store":  a.Store.Healthcheck(ctx) == nil,
		"sonarr": a.Sonarr.Healthcheck(ctx),
	}

	allHealthy := true
	for _, ok := range checks {
		allHealthy = allHealthy && ok
	}

	status := http.StatusOK
	state := "ready"
	if !allHealthy {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}

	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

// handleTrigger requests an immediate sync cycle, refusing with 409 if
// one is already in flight.
func (a *API) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if a.Scheduler.IsRunning() {
		writeJSON(w, http.StatusConflict, map[string]string{
			"status": "already_running", "message": "sync cycle already in progress",
		})
		return
	}
	a.Scheduler.TriggerNow()
	writeJSON(w, http.StatusOK, map[string]string{"status": "triggered"})
}

// handleState summarizes operational state and cache totals.
func (a *API) handleState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := a.State.Get()

	byStatus, err := a.Store.CountByStatus(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	total, err := a.Store.TotalCount(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	var nextRun *time.Time
	if a.Scheduler != nil {
		nr := a.Scheduler.NextRun()
		if !nr.IsZero() {
			nextRun = &nr
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"initial_sync_complete":   s.InitialSyncComplete,
		"last_incremental_sync":  unixOrNil(s.LastIncrementalSyncAt),
		"last_cycle_finished_at": timeOrNil(s.LastCycleFinishedAt),
		"last_cycle_successful":  s.LastCycleSuccessful,
		"next_scheduled_run":     nextRun,
		"sync_running":           a.Scheduler != nil && a.Scheduler.IsRunning(),
		"status_counts":          byStatus,
		"total_shows":            total,
	})
}

func unixOrNil(ts int64) any {
	if ts == 0 {
		return nil
	}
	return time.Unix(ts, 0).UTC()
}

func timeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// handleShows lists cached shows filtered by processing status.
// Without a status filter it returns an empty list, matching the
// original tool's refusal to dump the entire cache unfiltered.
func (a *API) handleShows(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := r.URL.Query().Get("status")

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}

	var shows []*model.Show
	if status != "" {
		var err error
		shows, err = a.Store.ListByStatus(ctx, model.Status(status), limit, offset)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"shows":  shows,
		"count":  len(shows),
		"limit":  limit,
		"offset": offset,
	})
}

// handleRefilter forces immediate re-evaluation of every FILTERED
// show against the live filter configuration, independent of whether
// the fingerprint has changed since the last cycle.
func (a *API) handleRefilter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	// Updates are applied after iteration completes; writing through
	// the store's single connection while a cursor is open would
	// deadlock.
	var reconsidered []int64
	type reasonUpdate struct {
		id               int64
		reason, category string
	}
	var relabeled []reasonUpdate
	err := a.Store.IterFiltered(ctx, func(show *model.Show) error {
		decision := a.Processor.Process(show)
		switch {
		case decision.Kind != filter.Filter:
			reconsidered = append(reconsidered, show.UpstreamID)
		case show.FilterReason == nil || *show.FilterReason != decision.Reason:
			relabeled = append(relabeled, reasonUpdate{show.UpstreamID, decision.Reason, decision.Category})
		}
		return nil
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
		return
	}

	for _, id := range reconsidered {
		if err := a.Store.UpdateStatus(ctx, id, model.StatusPending); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
			return
		}
	}
	for _, u := range relabeled {
		if err := a.Store.MarkFiltered(ctx, u.id, u.reason, u.category); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "error", "error": err.Error()})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "complete",
		"shows_re_evaluated": len(reconsidered) + len(relabeled),
		"shows_reverted":     len(reconsidered),
	})
}
