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

// Package tvmaze is the upstream catalog client: a thin, rate-limited,
// retrying HTTP client over the public TVMaze-shaped show catalog.
package tvmaze

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/andronics/tvsyncd/internal/model"
	"github.com/andronics/tvsyncd/internal/ratelimit"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	defaultBaseURL   = "https://api.tvmaze.com"
	requestTimeout   = 30 * time.Second
	maxRetries       = 3
	defaultRetryWait = 10 * time.Second
)

// Client is a rate-limited client for the upstream catalog API.
type Client struct {
	// ObserveWait, when non-nil, receives the time each request spent
	// blocked in the rate limiter before being admitted.
	ObserveWait func(time.Duration)

	baseURL string
	apiKey  string

	httpClient *http.Client
	limiter    *ratelimit.Limiter
	log        logrus.FieldLogger
}

// New constructs a Client. limiter is shared ownership: callers using
// more than one Client against the same upstream should pass the same
// Limiter so they're admission-controlled together.
func New(baseURL, apiKey string, limiter *ratelimit.Limiter, log logrus.FieldLogger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: requestTimeout},
		limiter:    limiter,
		log:        log,
	}
}

// NetworkInfo is an upstream network or web-channel reference.
type NetworkInfo struct {
	Name    string `json:"name"`
	Country *struct {
		Code string `json:"code"`
	} `json:"country"`
}

// Externals carries the downstream-usable identifiers attached to an
// upstream show record.
type Externals struct {
	TheTVDB *int64  `json:"thetvdb"`
	IMDB    *string `json:"imdb"`
}

// RatingInfo carries the upstream's average user rating for a show.
type RatingInfo struct {
	Average *float64 `json:"average"`
}

// ShowRecord is the upstream show shape, decoded defensively: every
// field the daemon doesn't strictly need to classify a show is
// tolerated absent.
type ShowRecord struct {
	ID         int64        `json:"id"`
	Name       string       `json:"name"`
	Type       string       `json:"type"`
	Language   string       `json:"language"`
	Status     string       `json:"status"`
	Premiered  string       `json:"premiered"`
	Ended      string       `json:"ended"`
	Runtime    *int         `json:"runtime"`
	Genres     []string     `json:"genres"`
	Network    *NetworkInfo `json:"network"`
	WebChannel *NetworkInfo `json:"webChannel"`
	Rating     *RatingInfo  `json:"rating"`
	Externals  Externals    `json:"externals"`
	Updated    int64        `json:"updated"`
}

// ToModel translates an upstream record into the cache's Show entity,
// preferring the broadcast network over the web channel when both
// carry a name.
func (s ShowRecord) ToModel() *model.Show {
	network, country := "", ""
	switch {
	case s.Network != nil && s.Network.Name != "":
		network = s.Network.Name
		if s.Network.Country != nil {
			country = s.Network.Country.Code
		}
	case s.WebChannel != nil && s.WebChannel.Name != "":
		network = s.WebChannel.Name
		if s.WebChannel.Country != nil {
			country = s.WebChannel.Country.Code
		}
	}

	var rating *float64
	if s.Rating != nil {
		rating = s.Rating.Average
	}

	return &model.Show{
		UpstreamID:          s.ID,
		Title:               s.Name,
		Type:                s.Type,
		Language:            s.Language,
		Status:              s.Status,
		Premiered:           s.Premiered,
		Ended:               s.Ended,
		Runtime:             s.Runtime,
		Genres:              s.Genres,
		Network:             network,
		Country:             country,
		Rating:              rating,
		DownstreamCatalogID: s.Externals.TheTVDB,
		SecondaryID:         s.Externals.IMDB,
		UpstreamUpdatedAt:   s.Updated,
	}
}

// GetPage fetches one page of the catalog. A 404 means the catalog
// has no more pages and returns an empty, non-error result.
func (c *Client) GetPage(ctx context.Context, page int) ([]ShowRecord, error) {
	var out []ShowRecord
	err := c.get(ctx, "/shows", url.Values{"page": {strconv.Itoa(page)}}, &out)
	var nf *model.NotFoundError
	if errors.As(err, &nf) {
		return nil, nil
	}
	return out, err
}

// GetShow fetches a single show by its upstream id.
func (c *Client) GetShow(ctx context.Context, id int64) (*ShowRecord, error) {
	var out ShowRecord
	if err := c.get(ctx, fmt.Sprintf("/shows/%d", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetUpdates fetches the set of upstream ids changed within window
// ("day", "week", or "month"), mapped to their unix update timestamp.
func (c *Client) GetUpdates(ctx context.Context, window string) (map[int64]int64, error) {
	var raw map[string]int64
	if err := c.get(ctx, "/updates/shows", url.Values{"since": {window}}, &raw); err != nil {
		return nil, err
	}

	out := make(map[int64]int64, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		out[id] = v
	}
	return out, nil
}

// get performs one rate-limited, retrying GET against the upstream
// catalog and decodes the JSON response body into out.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if query == nil {
		query = url.Values{}
	}
	if c.apiKey != "" {
		query.Set("apikey", c.apiKey)
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	attempt := 0
	rateLimitMisses := 0
	for {
		acquireStart := time.Now()
		c.limiter.Acquire()
		if c.ObserveWait != nil {
			c.ObserveWait(time.Since(acquireStart))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return errors.Wrapf(err, "building request for %s", path)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt >= maxRetries {
				return &model.TransportError{Op: path, Err: err}
			}
			c.backoff(attempt)
			attempt++
			continue
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return &model.NotFoundError{Resource: "show", ID: path}

		case resp.StatusCode == http.StatusTooManyRequests:
			wait := retryAfter(resp.Header.Get("Retry-After"))
			resp.Body.Close()
			// 429 does not count against the transport retry budget,
			// but is itself bounded so a persistently misbehaving
			// upstream can't hang a cycle forever.
			if rateLimitMisses >= maxRetries {
				return &model.RateLimitExceededError{Op: path}
			}
			rateLimitMisses++
			c.log.WithField("path", path).WithField("wait", wait).Warn("upstream rate limited this request")
			time.Sleep(wait)
			continue

		case resp.StatusCode >= 500:
			resp.Body.Close()
			if attempt >= maxRetries {
				return &model.TransportError{Op: path, StatusCode: resp.StatusCode}
			}
			c.backoff(attempt)
			attempt++
			continue

		case resp.StatusCode >= 400:
			defer resp.Body.Close()
			return &model.TransportError{Op: path, StatusCode: resp.StatusCode}

		default:
			defer resp.Body.Close()
			if out == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return errors.Wrapf(err, "decoding response from %s", path)
			}
			return nil
		}
	}
}

func (c *Client) backoff(attempt int) {
	time.Sleep(time.Duration(1<<uint(attempt)) * time.Second)
}

func retryAfter(header string) time.Duration {
	if header == "" {
		return defaultRetryWait
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultRetryWait
}
