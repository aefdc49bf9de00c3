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

// Package syncengine orchestrates one sync cycle: walking the upstream
// catalog (in full on the first run, incrementally afterward),
// classifying each show against the configured filter, submitting
// accepted shows downstream, and retrying shows still waiting on a
// downstream id. It is the one component that holds all the others
// (store, opstate, the two HTTP clients, and the processor) together.
package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/andronics/tvsyncd/internal/filter"
	"github.com/andronics/tvsyncd/internal/metrics"
	"github.com/andronics/tvsyncd/internal/model"
	"github.com/andronics/tvsyncd/internal/opstate"
	"github.com/andronics/tvsyncd/internal/sonarr"
	"github.com/andronics/tvsyncd/internal/store"
	"github.com/andronics/tvsyncd/internal/tvmaze"
	"github.com/andronics/tvsyncd/pkg/config"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// maxConsecutiveNotFound bounds the above-highest-known-id probe: this
// many consecutive misses (404s or failed probes other than rate
// limiting) is taken as "reached the end of the upstream id space for
// now".
const maxConsecutiveNotFound = 10

// rateLimitBackoff is how long a cycle pauses when the upstream client
// has exhausted its own 429 retry budget, before carrying on.
const rateLimitBackoff = 10 * time.Second

// Engine ties the cache, operational state, upstream/downstream
// clients and the filter processor into one sync cycle.
type Engine struct {
	Store      *store.Store
	State      *opstate.Manager
	TVMaze     *tvmaze.Client
	Sonarr     *sonarr.Client
	Processor  *filter.Processor
	Params     config.Parameters
	Metrics    *metrics.Metrics
	Log        logrus.FieldLogger
}

// Stats tallies the outcomes of one cycle, mirroring the summary line
// logged at the end of every run.
type Stats struct {
	Processed int
	Added     int
	Filtered  int
	Exists    int
	Skipped   int
	Failed    int
}

func (s *Stats) String() string {
	return fmt.Sprintf("processed=%d added=%d filtered=%d exists=%d skipped=%d failed=%d",
		s.Processed, s.Added, s.Filtered, s.Exists, s.Skipped, s.Failed)
}

// RunCycle executes one full sync cycle: initial or incremental
// catalog walk, the downstream-id retry pass, state checkpointing, and
// metrics recording. It returns a non-nil error when the cycle did not
// complete successfully.
func (e *Engine) RunCycle(ctx context.Context) error {
	started := time.Now()
	stats := &Stats{}

	cycleLog := e.Log.WithField("cycle_id", uuid.NewString())

	err := e.runCycle(ctx, stats)

	completed := time.Now()
	e.Metrics.RecordCycle(completed.Sub(started), err == nil, completed)
	for outcome, n := range map[string]int{
		"added": stats.Added, "filtered": stats.Filtered, "exists": stats.Exists,
		"skipped": stats.Skipped, "failed": stats.Failed,
	} {
		if n > 0 {
			e.Metrics.RecordCycleOutcome(outcome, n)
		}
	}

	if err != nil {
		cycleLog.WithError(err).Error("sync cycle failed")
		e.refreshCacheMetrics(ctx)
		_ = e.State.Update(func(s *opstate.State) {
			s.LastCycleStartedAt = started
			s.LastCycleFinishedAt = completed
			s.LastCycleSuccessful = false
			s.LastCycleError = err.Error()
		})
		return err
	}

	cycleLog.WithField("stats", stats.String()).Info("sync cycle complete")
	e.refreshCacheMetrics(ctx)
	if err := e.State.Update(func(s *opstate.State) {
		s.LastCycleStartedAt = started
		s.LastCycleFinishedAt = completed
		s.LastCycleSuccessful = true
		s.LastCycleError = ""
		s.LastIncrementalSyncAt = completed.Unix()
	}); err != nil {
		return err
	}
	// Only a fully successful cycle rotates the backup generation, so
	// state.json.bak always holds a known-good document.
	if err := e.State.Backup(); err != nil {
		cycleLog.WithError(err).Warn("failed to back up operational state")
	}
	return nil
}

// RefreshMetrics snapshots the cache-derived counters onto the
// Prometheus gauges backing /metrics. Exposed so callers can populate
// them once at startup, before the first cycle has run.
func (e *Engine) RefreshMetrics(ctx context.Context) {
	e.refreshCacheMetrics(ctx)
}

// refreshCacheMetrics snapshots the cache-derived counters onto the
// Prometheus gauges backing /metrics. It is best-effort: a query
// failure here must never fail the cycle itself.
func (e *Engine) refreshCacheMetrics(ctx context.Context) {
	byStatus, err := e.Store.CountByStatus(ctx)
	if err != nil {
		e.Log.WithError(err).Warn("failed to refresh cache status metrics")
		return
	}
	byCategory, err := e.Store.CountByFilterCategory(ctx)
	if err != nil {
		e.Log.WithError(err).Warn("failed to refresh filter category metrics")
		return
	}
	byRetry, err := e.Store.CountByRetryCount(ctx)
	if err != nil {
		e.Log.WithError(err).Warn("failed to refresh retry count metrics")
		return
	}
	total, err := e.Store.TotalCount(ctx)
	if err != nil {
		e.Log.WithError(err).Warn("failed to refresh total count metric")
		return
	}
	maxID, err := e.Store.MaxUpstreamID(ctx)
	if err != nil {
		e.Log.WithError(err).Warn("failed to refresh max upstream id metric")
		return
	}
	e.Metrics.SetCacheStats(byStatus, byCategory, byRetry, total, int(maxID))
}

func (e *Engine) runCycle(ctx context.Context, stats *Stats) error {
	if err := e.checkFilterChange(ctx); err != nil {
		e.Log.WithError(err).Warn("filter re-evaluation failed, continuing with cycle")
	}

	if !e.State.Get().InitialSyncComplete {
		if err := e.runInitialSync(ctx, stats); err != nil {
			return errors.Wrap(err, "initial sync")
		}
	} else {
		if err := e.runIncrementalSync(ctx, stats); err != nil {
			return errors.Wrap(err, "incremental sync")
		}
	}

	if err := e.retryPendingDownstreamID(ctx, stats); err != nil {
		return errors.Wrap(err, "retry pass")
	}

	return nil
}

// runInitialSync paginates through the entire upstream catalog,
// checkpointing progress after every page so a crash resumes instead
// of restarting from page zero.
func (e *Engine) runInitialSync(ctx context.Context, stats *Stats) error {
	e.Log.Info("starting initial full sync")
	page := e.State.Get().LastPage

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		records, err := e.TVMaze.GetPage(ctx, page)
		if err != nil {
			var rle *model.RateLimitExceededError
			if errors.As(err, &rle) {
				e.Log.WithField("page", page).Warn("upstream rate limit exhausted, backing off")
				time.Sleep(rateLimitBackoff)
				continue
			}
			return errors.Wrapf(err, "fetching catalog page %d", page)
		}
		if len(records) == 0 {
			e.Log.WithField("page", page).Info("reached end of upstream catalog")
			break
		}

		e.Log.WithField("page", page).WithField("count", len(records)).Info("processing catalog page")
		for _, rec := range records {
			show := rec.ToModel()
			if err := e.processSingleShow(ctx, show, stats); err != nil {
				e.Log.WithError(err).WithField("upstream_id", show.UpstreamID).Error("error processing show")
			}
		}

		page++
		if err := e.State.Update(func(s *opstate.State) { s.LastPage = page }); err != nil {
			return errors.Wrap(err, "checkpointing initial sync progress")
		}
	}

	return e.State.Update(func(s *opstate.State) { s.InitialSyncComplete = true })
}

// runIncrementalSync diffs the upstream updates feed against the
// cache, processing anything new or changed, then probes for shows
// above the highest id this cache has ever seen.
func (e *Engine) runIncrementalSync(ctx context.Context, stats *Stats) error {
	e.Log.Info("starting incremental sync")

	window := string(e.Params.Upstream.UpdateWindow)
	updates, err := e.TVMaze.GetUpdates(ctx, window)
	if err != nil {
		return errors.Wrap(err, "fetching updates feed")
	}
	e.Log.WithField("count", len(updates)).Info("fetched updates feed")

	for upstreamID, updatedAt := range updates {
		existing, err := e.Store.Get(ctx, upstreamID)
		if err != nil {
			e.Log.WithError(err).WithField("upstream_id", upstreamID).Error("error reading cached show")
			continue
		}
		if existing != nil && existing.UpstreamUpdatedAt >= updatedAt {
			continue
		}

		rec, err := e.TVMaze.GetShow(ctx, upstreamID)
		if err != nil {
			var nf *model.NotFoundError
			if errors.As(err, &nf) {
				e.Log.WithField("upstream_id", upstreamID).Warn("show no longer exists upstream, skipping")
				continue
			}
			var rle *model.RateLimitExceededError
			if errors.As(err, &rle) {
				e.Log.WithField("upstream_id", upstreamID).Warn("upstream rate limit exhausted, backing off")
				time.Sleep(rateLimitBackoff)
				continue
			}
			e.Log.WithError(err).WithField("upstream_id", upstreamID).Error("error fetching updated show")
			continue
		}

		if err := e.processSingleShow(ctx, rec.ToModel(), stats); err != nil {
			e.Log.WithError(err).WithField("upstream_id", upstreamID).Error("error processing updated show")
		}
	}

	return e.probeForNewShows(ctx, stats)
}

// probeForNewShows walks ids above the highest one ever cached,
// stopping once maxConsecutiveNotFound probes in a row come back 404
// or fail; a rate-limited probe is retried and does not count.
func (e *Engine) probeForNewShows(ctx context.Context, stats *Stats) error {
	highest, err := e.Store.MaxUpstreamID(ctx)
	if err != nil {
		return errors.Wrap(err, "reading highest cached upstream id")
	}

	current := highest + 1
	consecutiveNotFound := 0
	e.Log.WithField("above", highest).Info("probing for new shows")

	for consecutiveNotFound < maxConsecutiveNotFound {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := e.TVMaze.GetShow(ctx, current)
		if err != nil {
			var nf *model.NotFoundError
			if errors.As(err, &nf) {
				consecutiveNotFound++
				current++
				continue
			}
			var rle *model.RateLimitExceededError
			if errors.As(err, &rle) {
				e.Log.WithField("upstream_id", current).Warn("upstream rate limit exhausted, backing off")
				time.Sleep(rateLimitBackoff)
				continue
			}
			e.Log.WithError(err).WithField("upstream_id", current).Error("error probing for new show")
			consecutiveNotFound++
			current++
			continue
		}

		if err := e.processSingleShow(ctx, rec.ToModel(), stats); err != nil {
			e.Log.WithError(err).WithField("upstream_id", current).Error("error processing new show")
		}
		consecutiveNotFound = 0
		current++
	}

	e.Log.WithField("highest_checked", current-1).Info("new show probe complete")
	return nil
}

// retryPendingDownstreamID abandons shows that have waited too long
// for a downstream id, then re-checks the remainder that are due.
func (e *Engine) retryPendingDownstreamID(ctx context.Context, stats *Stats) error {
	now := time.Now()
	abandonAfter, err := config.ParseDuration(e.Params.Sync.AbandonAfter)
	if err != nil {
		return errors.Wrap(err, "parsing sync.abandon_after")
	}

	toAbandon, err := e.Store.DueForAbandonment(ctx, now, abandonAfter)
	if err != nil {
		return errors.Wrap(err, "querying shows due for abandonment")
	}
	for _, show := range toAbandon {
		e.Log.WithField("title", show.Title).Warn("show exceeded abandon_after, marking failed")
		msg := fmt.Sprintf("no downstream id after %s", e.Params.Sync.AbandonAfter)
		if err := e.Store.MarkFailed(ctx, show.UpstreamID, msg); err != nil {
			return errors.Wrap(err, "marking show abandoned")
		}
		stats.Failed++
	}

	toRetry, err := e.Store.ReadyForRetry(ctx, now, abandonAfter)
	if err != nil {
		return errors.Wrap(err, "querying shows ready for retry")
	}
	if len(toRetry) == 0 {
		return nil
	}
	e.Log.WithField("count", len(toRetry)).Info("retrying shows pending downstream id")

	retryDelay, err := config.ParseDuration(e.Params.Sync.RetryDelay)
	if err != nil {
		return errors.Wrap(err, "parsing sync.retry_delay")
	}

	for _, show := range toRetry {
		rec, err := e.TVMaze.GetShow(ctx, show.UpstreamID)
		if err != nil {
			var nf *model.NotFoundError
			if errors.As(err, &nf) {
				e.Log.WithField("upstream_id", show.UpstreamID).Warn("show no longer exists upstream")
				if merr := e.Store.MarkFailed(ctx, show.UpstreamID, "removed upstream"); merr != nil {
					return errors.Wrap(merr, "marking retried show failed")
				}
				stats.Failed++
				continue
			}
			e.Log.WithError(err).WithField("title", show.Title).Error("error retrying show")
			continue
		}

		updated := rec.ToModel()
		updated.LastCheckedAt = now
		if err := e.Store.Upsert(ctx, updated); err != nil {
			return errors.Wrap(err, "re-caching retried show")
		}

		if _, err := e.Store.IncrementRetryCount(ctx, show.UpstreamID); err != nil {
			return errors.Wrap(err, "incrementing retry count")
		}

		if updated.HasDownstreamID() {
			e.Log.WithField("title", updated.Title).Info("show now has a downstream id, processing")
			if err := e.processSingleShow(ctx, updated, stats); err != nil {
				e.Log.WithError(err).WithField("title", updated.Title).Error("error processing retried show")
			}
		} else {
			if err := e.Store.MarkPendingDownstreamID(ctx, show.UpstreamID, now.Add(retryDelay), now); err != nil {
				return errors.Wrap(err, "rescheduling retry")
			}
		}
	}

	return nil
}

// processSingleShow caches show, classifies it, and dispatches on the
// resulting decision: filter, retry, or submit downstream.
func (e *Engine) processSingleShow(ctx context.Context, show *model.Show, stats *Stats) error {
	stats.Processed++
	show.LastCheckedAt = time.Now()
	if err := e.Store.Upsert(ctx, show); err != nil {
		return errors.Wrap(err, "caching show")
	}

	decision := e.Processor.Process(show)

	switch decision.Kind {
	case filter.Filter:
		stats.Filtered++
		if e.Params.DryRun {
			e.Log.WithField("title", show.Title).WithField("reason", decision.Reason).Info("dry run: would filter")
		}
		return e.Store.MarkFiltered(ctx, show.UpstreamID, decision.Reason, decision.Category)

	case filter.Retry:
		stats.Skipped++
		retryDelay, err := config.ParseDuration(e.Params.Sync.RetryDelay)
		if err != nil {
			return errors.Wrap(err, "parsing sync.retry_delay")
		}
		now := time.Now()
		if e.Params.DryRun {
			e.Log.WithField("title", show.Title).Info("dry run: pending downstream id")
		}
		return e.Store.MarkPendingDownstreamID(ctx, show.UpstreamID, now.Add(retryDelay), now)

	case filter.Add:
		return e.addShow(ctx, show, decision, stats)

	default:
		stats.Skipped++
		return e.Store.UpdateStatus(ctx, show.UpstreamID, model.StatusSkipped)
	}
}

func (e *Engine) addShow(ctx context.Context, show *model.Show, decision filter.Decision, stats *Stats) error {
	if e.Params.DryRun {
		e.Log.WithField("title", show.Title).WithField("reason", decision.Reason).Info("dry run: would add")
		stats.Added++
		return nil
	}

	lookup, err := e.Sonarr.Lookup(ctx, *show.DownstreamCatalogID)
	if err != nil {
		return errors.Wrap(err, "looking up show downstream")
	}
	if lookup == nil {
		e.Log.WithField("title", show.Title).Warn("show not found in downstream lookup, marking pending")
		retryDelay, err := config.ParseDuration(e.Params.Sync.RetryDelay)
		if err != nil {
			return errors.Wrap(err, "parsing sync.retry_delay")
		}
		now := time.Now()
		stats.Skipped++
		return e.Store.MarkPendingDownstreamID(ctx, show.UpstreamID, now.Add(retryDelay), now)
	}

	result, err := e.Sonarr.Add(ctx, *decision.Params)
	if err != nil {
		return errors.Wrap(err, "submitting show downstream")
	}

	switch result.Outcome {
	case sonarr.Added:
		stats.Added++
		e.Log.WithField("title", show.Title).Info("added")
		return e.Store.MarkAdded(ctx, show.UpstreamID, result.SeriesID, time.Now())
	case sonarr.AlreadyExists:
		stats.Exists++
		return e.Store.UpdateStatus(ctx, show.UpstreamID, model.StatusExists)
	default:
		stats.Failed++
		e.Log.WithField("title", show.Title).WithField("message", result.Message).Warn("failed to add show")
		return e.Store.MarkFailed(ctx, show.UpstreamID, result.Message)
	}
}

// checkFilterChange re-evaluates every FILTERED show when the
// configured filter spec's fingerprint has changed since the last
// cycle, transitioning any newly-matching show back to PENDING.
func (e *Engine) checkFilterChange(ctx context.Context) error {
	spec := filter.Spec{Exclude: e.Params.Filters.Exclude, Selections: e.Params.Filters.Selections}
	hash := filter.Hash(spec)

	state := e.State.Get()
	if state.LastFilterHash == hash {
		return nil
	}
	if state.LastFilterHash == "" {
		e.Log.WithField("hash", hash).Info("recording initial filter hash")
		return e.State.Update(func(s *opstate.State) { s.LastFilterHash = hash })
	}
	e.Log.Info("filter configuration changed, re-evaluating filtered shows")

	// Both updates are collected first and applied after the iteration
	// finishes: the store serves reads and writes over one connection,
	// so writing mid-iteration would deadlock against the open cursor.
	var toReconsider []int64
	type reasonUpdate struct {
		id               int64
		reason, category string
	}
	var toRelabel []reasonUpdate
	err := e.Store.IterFiltered(ctx, func(show *model.Show) error {
		decision := e.Processor.Process(show)
		switch {
		case decision.Kind != filter.Filter:
			toReconsider = append(toReconsider, show.UpstreamID)
		case show.FilterReason == nil || *show.FilterReason != decision.Reason:
			toRelabel = append(toRelabel, reasonUpdate{show.UpstreamID, decision.Reason, decision.Category})
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "iterating filtered shows")
	}

	for _, id := range toReconsider {
		if err := e.Store.UpdateStatus(ctx, id, model.StatusPending); err != nil {
			return errors.Wrapf(err, "reverting show %d to pending", id)
		}
	}
	for _, u := range toRelabel {
		if err := e.Store.MarkFiltered(ctx, u.id, u.reason, u.category); err != nil {
			return errors.Wrapf(err, "updating filter reason for show %d", u.id)
		}
	}
	e.Log.WithField("reverted", len(toReconsider)).WithField("relabeled", len(toRelabel)).Info("filtered shows re-evaluated after filter change")

	return e.State.Update(func(s *opstate.State) { s.LastFilterHash = hash })
}

// ReconcileSelections submits downstream every cached PENDING or
// FILTERED show that matches the configured selections, has a
// downstream id and is not already tracked downstream, independent of
// the upstream catalog walk. Shows in other statuses are not examined.
// cmd/tvsyncd runs it at startup until one run succeeds, then records
// that in operational state and skips it on later startups.
func (e *Engine) ReconcileSelections(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	existingIDs, err := e.Sonarr.ListAllSeries(ctx)
	if err != nil {
		return stats, errors.Wrap(err, "listing downstream series")
	}
	existing := make(map[int64]struct{}, len(existingIDs))
	for _, id := range existingIDs {
		existing[id] = struct{}{}
	}
	e.Log.WithField("count", len(existing)).Info("found series already tracked downstream")

	var candidates []*model.Show
	for _, status := range []model.Status{model.StatusPending, model.StatusFiltered} {
		shows, err := e.Store.ListByStatus(ctx, status, 1_000_000, 0)
		if err != nil {
			return stats, errors.Wrapf(err, "listing shows with status %s", status)
		}
		for _, show := range shows {
			if !show.HasDownstreamID() {
				continue
			}
			if _, ok := existing[*show.DownstreamCatalogID]; ok {
				continue
			}
			decision := e.Processor.Process(show)
			if decision.Kind == filter.Add {
				candidates = append(candidates, show)
			}
		}
	}
	e.Log.WithField("count", len(candidates)).Info("found selection-matching shows not yet tracked downstream")

	for _, show := range candidates {
		if err := e.processSingleShow(ctx, show, stats); err != nil {
			e.Log.WithError(err).WithField("title", show.Title).Error("error reconciling show")
		}
	}

	return stats, nil
}
