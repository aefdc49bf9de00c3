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

package syncengine_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/andronics/tvsyncd/internal/filter"
	"github.com/andronics/tvsyncd/internal/metrics"
	"github.com/andronics/tvsyncd/internal/model"
	"github.com/andronics/tvsyncd/internal/opstate"
	"github.com/andronics/tvsyncd/internal/ratelimit"
	"github.com/andronics/tvsyncd/internal/sonarr"
	"github.com/andronics/tvsyncd/internal/store"
	"github.com/andronics/tvsyncd/internal/syncengine"
	"github.com/andronics/tvsyncd/internal/tvmaze"
	"github.com/andronics/tvsyncd/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func selectorFromYAML(t *testing.T, y string) config.Selector {
	t.Helper()
	var s config.Selector
	require.NoError(t, yaml.Unmarshal([]byte(y), &s))
	return s
}

type fakeUpstream struct {
	pages map[int][]tvmaze.ShowRecord
	shows map[int64]tvmaze.ShowRecord
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{pages: map[int][]tvmaze.ShowRecord{}, shows: map[int64]tvmaze.ShowRecord{}}
}

func (f *fakeUpstream) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/shows", func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		records, ok := f.pages[page]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(records)
	})

	mux.HandleFunc("/updates/shows", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]int64{}
		for id, rec := range f.shows {
			out[strconv.FormatInt(id, 10)] = rec.Updated
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	mux.HandleFunc("/shows/", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/shows/"), 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		rec, ok := f.shows[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(rec)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newFakeDownstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/system/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"version": "4.0.1"})
	})
	mux.HandleFunc("/api/v3/rootfolder", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{{"id": 1, "path": "/tv"}})
	})
	mux.HandleFunc("/api/v3/qualityprofile", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{{"id": 7, "name": "HD-1080p"}})
	})
	mux.HandleFunc("/api/v3/tag", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{})
	})
	mux.HandleFunc("/api/v3/series/lookup", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]sonarr.SeriesLookup{{ID: 1, TvdbID: 1001, Title: "X"}})
	})
	mux.HandleFunc("/api/v3/series", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode([]map[string]any{})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 500})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestEngine(t *testing.T, upstreamURL, downstreamURL string) *syncengine.Engine {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	st, err := opstate.Load(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	limiter := ratelimit.New(20, 10*time.Second)
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	tvc := tvmaze.New(upstreamURL, "", limiter, log)
	sc := sonarr.New(downstreamURL, "key", log)

	params := config.Defaults()
	params.DryRun = true
	params.Downstream.URL = downstreamURL
	params.Downstream.RootFolder = selectorFromYAML(t, "/tv")
	params.Downstream.QualityProfile = selectorFromYAML(t, "HD-1080p")
	params.Filters.Selections = []config.Selection{{Languages: []string{"English"}}}

	resolved, err := sc.Validate(ctx, params.Downstream)
	require.NoError(t, err)

	return &syncengine.Engine{
		Store:     s,
		State:     st,
		TVMaze:    tvc,
		Sonarr:    sc,
		Processor: &filter.Processor{Spec: filter.Spec{Exclude: params.Filters.Exclude, Selections: params.Filters.Selections}, Downstream: *resolved},
		Params:    params,
		Metrics:   metrics.NewMetrics(prometheus.NewRegistry()),
		Log:       log,
	}
}

func TestRunCycleInitialSyncAddsMatchingShow(t *testing.T) {
	up := newFakeUpstream()
	tvdbID := int64(1001)
	up.pages[0] = []tvmaze.ShowRecord{{
		ID: 1, Name: "Breaking Bad", Language: "English",
		Externals: tvmaze.Externals{TheTVDB: &tvdbID},
	}}

	upSrv := up.server(t)
	downSrv := newFakeDownstream(t)

	e := newTestEngine(t, upSrv.URL, downSrv.URL)
	e.Params.DryRun = false

	require.NoError(t, e.RunCycle(context.Background()))

	show, err := e.Store.Get(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, show)
	assert.Equal(t, "ADDED", string(show.ProcessingStatus))
}

func TestRunCycleFiltersNonMatchingShow(t *testing.T) {
	up := newFakeUpstream()
	tvdbID := int64(2002)
	up.pages[0] = []tvmaze.ShowRecord{{
		ID: 2, Name: "French Show", Language: "French",
		Externals: tvmaze.Externals{TheTVDB: &tvdbID},
	}}

	upSrv := up.server(t)
	downSrv := newFakeDownstream(t)

	e := newTestEngine(t, upSrv.URL, downSrv.URL)
	e.Params.DryRun = false

	require.NoError(t, e.RunCycle(context.Background()))

	show, err := e.Store.Get(context.Background(), 2)
	require.NoError(t, err)
	require.NotNil(t, show)
	assert.Equal(t, "FILTERED", string(show.ProcessingStatus))
}

func TestRunCycleMarksPendingDownstreamIDWhenMissing(t *testing.T) {
	up := newFakeUpstream()
	up.pages[0] = []tvmaze.ShowRecord{{ID: 3, Name: "No TVDB", Language: "English"}}

	upSrv := up.server(t)
	downSrv := newFakeDownstream(t)

	e := newTestEngine(t, upSrv.URL, downSrv.URL)

	require.NoError(t, e.RunCycle(context.Background()))

	show, err := e.Store.Get(context.Background(), 3)
	require.NoError(t, err)
	require.NotNil(t, show)
	assert.Equal(t, "PENDING_DOWNSTREAM_ID", string(show.ProcessingStatus))
}

func TestRunCycleSetsInitialSyncCompleteAfterFirstRun(t *testing.T) {
	up := newFakeUpstream()
	up.pages[0] = []tvmaze.ShowRecord{}

	upSrv := up.server(t)
	downSrv := newFakeDownstream(t)

	e := newTestEngine(t, upSrv.URL, downSrv.URL)
	require.NoError(t, e.RunCycle(context.Background()))

	assert.True(t, e.State.Get().InitialSyncComplete)
}

func TestRetryPassPromotesShowOnceDownstreamIDAppears(t *testing.T) {
	up := newFakeUpstream()
	tvdbID := int64(1001)
	up.shows[3] = tvmaze.ShowRecord{
		ID: 3, Name: "Y", Language: "English",
		Externals: tvmaze.Externals{TheTVDB: &tvdbID},
	}

	upSrv := up.server(t)
	downSrv := newFakeDownstream(t)

	e := newTestEngine(t, upSrv.URL, downSrv.URL)
	e.Params.DryRun = false

	ctx := context.Background()
	require.NoError(t, e.Store.Upsert(ctx, &model.Show{UpstreamID: 3, Title: "Y"}))
	now := time.Now()
	require.NoError(t, e.Store.MarkPendingDownstreamID(ctx, 3, now.Add(-time.Minute), now.Add(-time.Hour)))
	require.NoError(t, e.State.Update(func(s *opstate.State) { s.InitialSyncComplete = true }))

	require.NoError(t, e.RunCycle(ctx))

	show, err := e.Store.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAdded, show.ProcessingStatus)
	assert.Equal(t, 1, show.RetryCount, "a successful retry still counts as an attempt")
	assert.Nil(t, show.PendingSince, "leaving the retry queue resets the abandonment clock")
}

func TestRetryPassAbandonsShowPastHorizon(t *testing.T) {
	up := newFakeUpstream()
	up.shows[4] = tvmaze.ShowRecord{ID: 4, Name: "Z", Language: "English"}

	upSrv := up.server(t)
	downSrv := newFakeDownstream(t)

	e := newTestEngine(t, upSrv.URL, downSrv.URL)
	e.Params.Sync.AbandonAfter = "1s"

	ctx := context.Background()
	require.NoError(t, e.Store.Upsert(ctx, &model.Show{UpstreamID: 4, Title: "Z"}))
	now := time.Now()
	require.NoError(t, e.Store.MarkPendingDownstreamID(ctx, 4, now.Add(-time.Minute), now.Add(-time.Hour)))
	require.NoError(t, e.State.Update(func(s *opstate.State) { s.InitialSyncComplete = true }))

	require.NoError(t, e.RunCycle(ctx))

	show, err := e.Store.Get(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, show.ProcessingStatus)
	require.NotNil(t, show.ErrorMessage)
	assert.Contains(t, *show.ErrorMessage, "no downstream id")
	assert.Equal(t, 0, show.RetryCount, "an abandoned show must not also be retried in the same pass")
}

func TestFilterChangeRevertsNowMatchingShowToPending(t *testing.T) {
	up := newFakeUpstream()
	upSrv := up.server(t)
	downSrv := newFakeDownstream(t)

	e := newTestEngine(t, upSrv.URL, downSrv.URL)

	ctx := context.Background()
	tvdbID := int64(1001)
	require.NoError(t, e.Store.Upsert(ctx, &model.Show{
		UpstreamID: 5, Title: "Reborn", Language: "English", DownstreamCatalogID: &tvdbID,
	}))
	require.NoError(t, e.Store.MarkFiltered(ctx, 5, "no selection matched", "selection"))
	require.NoError(t, e.State.Update(func(s *opstate.State) {
		s.InitialSyncComplete = true
		s.LastFilterHash = "0000000000000000"
	}))

	require.NoError(t, e.RunCycle(ctx))

	show, err := e.Store.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, show.ProcessingStatus)
	assert.Equal(t, filter.Hash(e.Processor.Spec), e.State.Get().LastFilterHash)
}

func TestRunCycleMarksExistsWhenDownstreamAlreadyTracks(t *testing.T) {
	up := newFakeUpstream()
	tvdbID := int64(1001)
	up.pages[0] = []tvmaze.ShowRecord{{
		ID: 6, Name: "Dup", Language: "English",
		Externals: tvmaze.Externals{TheTVDB: &tvdbID},
	}}

	upSrv := up.server(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/system/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"version": "4.0.1"})
	})
	mux.HandleFunc("/api/v3/rootfolder", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{{"id": 1, "path": "/tv"}})
	})
	mux.HandleFunc("/api/v3/qualityprofile", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{{"id": 7, "name": "HD-1080p"}})
	})
	mux.HandleFunc("/api/v3/tag", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{})
	})
	mux.HandleFunc("/api/v3/series/lookup", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]sonarr.SeriesLookup{{ID: 1, TvdbID: 1001, Title: "Dup"}})
	})
	mux.HandleFunc("/api/v3/series", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`[{"errorMessage":"This series has already been added"}]`))
	})
	downSrv := httptest.NewServer(mux)
	t.Cleanup(downSrv.Close)

	e := newTestEngine(t, upSrv.URL, downSrv.URL)
	e.Params.DryRun = false

	require.NoError(t, e.RunCycle(context.Background()))

	show, err := e.Store.Get(context.Background(), 6)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExists, show.ProcessingStatus)
	assert.Nil(t, show.DownstreamSeriesID)
}
