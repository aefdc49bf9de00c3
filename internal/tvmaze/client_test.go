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

package tvmaze_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andronics/tvsyncd/internal/model"
	"github.com/andronics/tvsyncd/internal/ratelimit"
	"github.com/andronics/tvsyncd/internal/tvmaze"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, handler http.HandlerFunc) *tvmaze.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	limiter := ratelimit.New(1000, time.Second)
	return tvmaze.New(srv.URL, "", limiter, logrus.StandardLogger())
}

func TestGetPageReturnsEmptyOnNotFound(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	shows, err := c.GetPage(context.Background(), 99)
	require.NoError(t, err)
	assert.Empty(t, shows)
}

func TestGetShowReturnsNotFoundError(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.GetShow(context.Background(), 1)
	var nf *model.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestGetShowDecodesExternals(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(tvmaze.ShowRecord{
			ID:       1,
			Name:     "Example",
			Language: "English",
			Externals: tvmaze.Externals{
				TheTVDB: ptrInt64(12345),
			},
		})
	})

	show, err := c.GetShow(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "Example", show.Name)
	require.NotNil(t, show.Externals.TheTVDB)
	assert.Equal(t, int64(12345), *show.Externals.TheTVDB)
}

func TestToModelCarriesRatingAverage(t *testing.T) {
	avg := 8.4
	rec := tvmaze.ShowRecord{ID: 1, Name: "Example", Rating: &tvmaze.RatingInfo{Average: &avg}}

	show := rec.ToModel()
	require.NotNil(t, show.Rating)
	assert.Equal(t, 8.4, *show.Rating)
}

func TestToModelToleratesMissingRating(t *testing.T) {
	show := tvmaze.ShowRecord{ID: 1, Name: "Example"}.ToModel()
	assert.Nil(t, show.Rating)
}

func TestGetUpdatesParsesStringKeys(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "week", r.URL.Query().Get("since"))
		_ = json.NewEncoder(w).Encode(map[string]int64{"100": 1577836800})
	})

	updates, err := c.GetUpdates(context.Background(), "week")
	require.NoError(t, err)
	assert.Equal(t, int64(1577836800), updates[100])
}

func TestGetRetriesOn5xxThenSucceeds(t *testing.T) {
	calls := 0
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(tvmaze.ShowRecord{ID: 7})
	})

	show, err := c.GetShow(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), show.ID)
	assert.Equal(t, 2, calls)
}

func TestGetReturns429AsRateLimitExceededAfterRetries(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.GetShow(context.Background(), 1)
	var rle *model.RateLimitExceededError
	require.ErrorAs(t, err, &rle)
}

func ptrInt64(v int64) *int64 { return &v }
