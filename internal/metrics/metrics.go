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

// Package metrics provides Prometheus metrics for tvsyncd.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/andronics/tvsyncd/internal/build"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the sync daemon.
type Metrics struct {
	buildInfoGauge *prometheus.GaugeVec

	cacheStatusGauge         *prometheus.GaugeVec
	cacheFilterCategoryGauge *prometheus.GaugeVec
	cacheRetryCountGauge     *prometheus.GaugeVec
	cacheTotalGauge          prometheus.Gauge
	cacheMaxUpstreamIDGauge  prometheus.Gauge

	cycleOutcomeTotal    *prometheus.CounterVec
	cycleDurationSummary prometheus.Summary
	cycleTotal           prometheus.Counter
	cycleFailedTotal     prometheus.Counter

	syncHealthyGauge        prometheus.Gauge
	lastCycleTimestampGauge prometheus.Gauge

	rateLimitWaitSummary prometheus.Summary

	// cacheMetricCache holds the label sets last written to the cache
	// gauges, so a status/category/retry-count that drops to zero
	// observations can have its series removed rather than left stale.
	cacheMetricCache *CacheMetricLabels
}

// CacheMetricLabels is the set of label values currently exported for
// each cache-derived gauge vector.
type CacheMetricLabels struct {
	Statuses       map[string]struct{}
	FilterCategory map[string]struct{}
	RetryCounts    map[int]struct{}
}

const (
	BuildInfoGauge = "tvsyncd_build_info"

	CacheStatusGauge         = "tvsyncd_cache_shows_by_status"
	CacheFilterCategoryGauge = "tvsyncd_cache_shows_by_filter_category"
	CacheRetryCountGauge     = "tvsyncd_cache_shows_by_retry_count"
	CacheTotalGauge          = "tvsyncd_cache_shows_total"
	CacheMaxUpstreamIDGauge  = "tvsyncd_cache_max_upstream_id"

	CycleOutcomeTotal    = "tvsyncd_cycle_outcome_total"
	CycleDurationSummary = "tvsyncd_cycle_duration_seconds"
	CycleTotal           = "tvsyncd_cycle_total"
	CycleFailedTotal     = "tvsyncd_cycle_failed_total"

	SyncHealthyGauge        = "tvsyncd_sync_healthy"
	LastCycleTimestampGauge = "tvsyncd_last_cycle_timestamp_seconds"

	RateLimitWaitSummary = "tvsyncd_ratelimit_wait_seconds"
)

// NewMetrics creates a new set of metrics and registers them with the
// supplied registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := Metrics{
		buildInfoGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: BuildInfoGauge,
				Help: "Build information for tvsyncd. Labels include the branch and git SHA that tvsyncd was built from, and the tvsyncd version.",
			},
			[]string{"branch", "revision", "version"},
		),
		cacheMetricCache: &CacheMetricLabels{
			Statuses:       map[string]struct{}{},
			FilterCategory: map[string]struct{}{},
			RetryCounts:    map[int]struct{}{},
		},
		cacheStatusGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: CacheStatusGauge,
				Help: "Number of cached shows by processing status.",
			},
			[]string{"status"},
		),
		cacheFilterCategoryGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: CacheFilterCategoryGauge,
				Help: "Number of filtered shows by filter category.",
			},
			[]string{"category"},
		),
		cacheRetryCountGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: CacheRetryCountGauge,
				Help: "Number of shows pending a downstream id, by retry count.",
			},
			[]string{"retry_count"},
		),
		cacheTotalGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: CacheTotalGauge,
				Help: "Total number of shows in the cache.",
			},
		),
		cacheMaxUpstreamIDGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: CacheMaxUpstreamIDGauge,
				Help: "Highest upstream id ever observed.",
			},
		),
		cycleOutcomeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: CycleOutcomeTotal,
				Help: "Total number of shows processed by cycle outcome (added, filtered, skipped, failed, exists).",
			},
			[]string{"outcome"},
		),
		cycleDurationSummary: prometheus.NewSummary(prometheus.SummaryOpts{
			Name:       CycleDurationSummary,
			Help:       "Summary of sync cycle durations.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),
		cycleTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: CycleTotal,
				Help: "Total number of sync cycles run since startup.",
			},
		),
		cycleFailedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: CycleFailedTotal,
				Help: "Total number of sync cycles that aborted with an error.",
			},
		),
		syncHealthyGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: SyncHealthyGauge,
				Help: "1 if the most recently completed sync cycle finished without error, 0 otherwise.",
			},
		),
		lastCycleTimestampGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: LastCycleTimestampGauge,
				Help: "Unix timestamp of the last completed sync cycle.",
			},
		),
		rateLimitWaitSummary: prometheus.NewSummary(prometheus.SummaryOpts{
			Name:       RateLimitWaitSummary,
			Help:       "Summary of time spent blocked waiting to acquire an upstream rate-limit slot.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),
	}
	m.buildInfoGauge.WithLabelValues(build.Branch, build.Sha, build.Version).Set(1)
	m.register(registry)
	return &m
}

// register registers the Metrics with the supplied registry.
func (m *Metrics) register(registry *prometheus.Registry) {
	registry.MustRegister(
		m.buildInfoGauge,
		m.cacheStatusGauge,
		m.cacheFilterCategoryGauge,
		m.cacheRetryCountGauge,
		m.cacheTotalGauge,
		m.cacheMaxUpstreamIDGauge,
		m.cycleOutcomeTotal,
		m.cycleDurationSummary,
		m.cycleTotal,
		m.cycleFailedTotal,
		m.syncHealthyGauge,
		m.lastCycleTimestampGauge,
		m.rateLimitWaitSummary,
	)
}

// Zero sets initial values for all the registered metrics, matching the
// shape of a freshly started daemon with an empty cache: counts are
// zero and sync_healthy is 1.
func (m *Metrics) Zero() {
	m.SetCacheStats(map[string]int{}, map[string]int{}, map[int]int{}, 0, 0)
	m.syncHealthyGauge.Set(1)
	m.cycleOutcomeTotal.WithLabelValues("added").Add(0)
	m.cycleOutcomeTotal.WithLabelValues("filtered").Add(0)
	m.cycleOutcomeTotal.WithLabelValues("skipped").Add(0)
	m.cycleOutcomeTotal.WithLabelValues("failed").Add(0)
	m.cycleOutcomeTotal.WithLabelValues("exists").Add(0)
	prometheus.NewTimer(m.cycleDurationSummary).ObserveDuration()
}

// Handler returns a http Handler for a metrics endpoint.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// SetCacheStats records the current cache-derived counters, matching
// a snapshot from the statistics surface (C9). Labels that are no
// longer present in the snapshot are removed from the gauge vectors
// so stale series don't linger.
func (m *Metrics) SetCacheStats(byStatus, byFilterCategory map[string]int, byRetryCount map[int]int, total, maxUpstreamID int) {
	seenStatuses := map[string]struct{}{}
	for status, count := range byStatus {
		m.cacheStatusGauge.WithLabelValues(status).Set(float64(count))
		seenStatuses[status] = struct{}{}
	}
	for status := range m.cacheMetricCache.Statuses {
		if _, ok := seenStatuses[status]; !ok {
			m.cacheStatusGauge.DeleteLabelValues(status)
		}
	}

	seenCategories := map[string]struct{}{}
	for category, count := range byFilterCategory {
		m.cacheFilterCategoryGauge.WithLabelValues(category).Set(float64(count))
		seenCategories[category] = struct{}{}
	}
	for category := range m.cacheMetricCache.FilterCategory {
		if _, ok := seenCategories[category]; !ok {
			m.cacheFilterCategoryGauge.DeleteLabelValues(category)
		}
	}

	seenRetryCounts := map[int]struct{}{}
	for n, count := range byRetryCount {
		m.cacheRetryCountGauge.WithLabelValues(strconv.Itoa(n)).Set(float64(count))
		seenRetryCounts[n] = struct{}{}
	}
	for n := range m.cacheMetricCache.RetryCounts {
		if _, ok := seenRetryCounts[n]; !ok {
			m.cacheRetryCountGauge.DeleteLabelValues(strconv.Itoa(n))
		}
	}

	m.cacheMetricCache = &CacheMetricLabels{
		Statuses:       seenStatuses,
		FilterCategory: seenCategories,
		RetryCounts:    seenRetryCounts,
	}

	m.cacheTotalGauge.Set(float64(total))
	m.cacheMaxUpstreamIDGauge.Set(float64(maxUpstreamID))
}

// RecordCycleOutcome increments the per-outcome counter for one cycle's
// processing results.
func (m *Metrics) RecordCycleOutcome(outcome string, n int) {
	if n <= 0 {
		return
	}
	m.cycleOutcomeTotal.WithLabelValues(outcome).Add(float64(n))
}

// RecordCycle records that a cycle completed, its duration, and
// whether it finished without error.
func (m *Metrics) RecordCycle(duration time.Duration, successful bool, completedAt time.Time) {
	m.cycleTotal.Inc()
	m.cycleDurationSummary.Observe(duration.Seconds())
	m.lastCycleTimestampGauge.Set(float64(completedAt.Unix()))
	if successful {
		m.syncHealthyGauge.Set(1)
	} else {
		m.cycleFailedTotal.Inc()
		m.syncHealthyGauge.Set(0)
	}
}

// ObserveRateLimitWait records time spent blocked in the rate limiter.
func (m *Metrics) ObserveRateLimitWait(d time.Duration) {
	m.rateLimitWaitSummary.Observe(d.Seconds())
}
