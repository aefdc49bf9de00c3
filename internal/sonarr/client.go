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

// Package sonarr is the downstream client: access to the library
// manager that actually tracks and downloads accepted shows.
package sonarr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andronics/tvsyncd/internal/model"
	"github.com/andronics/tvsyncd/pkg/config"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const requestTimeout = 30 * time.Second

// alreadyExistsPhrases are substrings the library manager's error
// responses use to signal "this series is already tracked", which is
// not a failure. Matched case-insensitively against the lowercased
// response body.
var alreadyExistsPhrases = []string{
	"already been added",
	"already exists",
}

// Client is the downstream library-manager client.
type Client struct {
	baseURL string
	apiKey  string

	httpClient *http.Client
	log        logrus.FieldLogger
}

func New(baseURL, apiKey string, log logrus.FieldLogger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        log,
	}
}

type rootFolder struct {
	ID   int64  `json:"id"`
	Path string `json:"path"`
}

type qualityProfile struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type languageProfile struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type tag struct {
	ID    int64  `json:"id"`
	Label string `json:"label"`
}

type systemStatus struct {
	Version string `json:"version"`
}

// ResolvedConfig is the downstream configuration group, validated once
// at startup against the live library-manager state.
type ResolvedConfig struct {
	RootFolderPath    string
	QualityProfileID  int64
	LanguageProfileID *int64
	Monitor           string
	SearchOnAdd       bool
	TagIDs            []int64
}

// Params is what's actually sent to the library manager to add one
// show; it combines the resolved static configuration with the
// per-show downstream catalog id and title.
type Params struct {
	DownstreamCatalogID int64
	Title               string
	RootFolderPath      string
	QualityProfileID    int64
	LanguageProfileID   *int64
	Monitor             string
	SearchOnAdd         bool
	TagIDs              []int64
}

// Params builds the full add-series request for one show.
func (rc ResolvedConfig) Params(downstreamCatalogID int64, title string) Params {
	return Params{
		DownstreamCatalogID: downstreamCatalogID,
		Title:               title,
		RootFolderPath:      rc.RootFolderPath,
		QualityProfileID:    rc.QualityProfileID,
		LanguageProfileID:   rc.LanguageProfileID,
		Monitor:             rc.Monitor,
		SearchOnAdd:         rc.SearchOnAdd,
		TagIDs:              rc.TagIDs,
	}
}

// Validate resolves every configured Selector against the live
// library-manager state. It fails fast with a ConfigError, which is
// the only error this client raises during startup. Root folder and
// quality profile diagnostics list the available values; language
// profile and tag diagnostics name only the value that was not found.
func (c *Client) Validate(ctx context.Context, cfg config.DownstreamParameters) (*ResolvedConfig, error) {
	status, err := c.systemStatus(ctx)
	if err != nil {
		return nil, &model.ConfigError{Message: fmt.Sprintf("could not reach downstream library manager: %v", err)}
	}

	folders, err := c.rootFolders(ctx)
	if err != nil {
		return nil, &model.ConfigError{Message: fmt.Sprintf("could not list root folders: %v", err)}
	}
	folderPath, err := resolveRootFolder(cfg.RootFolder, folders)
	if err != nil {
		return nil, err
	}

	profiles, err := c.qualityProfiles(ctx)
	if err != nil {
		return nil, &model.ConfigError{Message: fmt.Sprintf("could not list quality profiles: %v", err)}
	}
	qualityID, err := resolveQualityProfile(cfg.QualityProfile, profiles)
	if err != nil {
		return nil, err
	}

	var languageID *int64
	if requiresLanguageProfile(status.Version) {
		langProfiles, err := c.languageProfiles(ctx)
		if err != nil {
			// Treat an error here as "this server doesn't have the
			// endpoint" (version 4+), not as a fatal validation error.
			c.log.WithError(err).Debug("language profile endpoint unavailable, assuming v4+ server")
		} else {
			id, err := resolveLanguageProfile(cfg.LanguageProfile, langProfiles)
			if err != nil {
				return nil, err
			}
			languageID = &id
		}
	}

	tags, err := c.tags(ctx)
	if err != nil {
		return nil, &model.ConfigError{Message: fmt.Sprintf("could not list tags: %v", err)}
	}
	tagIDs, err := resolveTags(cfg.Tags, tags)
	if err != nil {
		return nil, err
	}

	return &ResolvedConfig{
		RootFolderPath:    folderPath,
		QualityProfileID:  qualityID,
		LanguageProfileID: languageID,
		Monitor:           string(cfg.Monitor),
		SearchOnAdd:       cfg.SearchOnAdd,
		TagIDs:            tagIDs,
	}, nil
}

// requiresLanguageProfile decides whether a reported server version
// uses language profiles at all (v3 only; v4 folded them into quality
// profiles).
func requiresLanguageProfile(version string) bool {
	return !strings.HasPrefix(version, "4")
}

func resolveRootFolder(sel config.Selector, folders []rootFolder) (string, error) {
	if id, ok := sel.ByID(); ok {
		for _, f := range folders {
			if f.ID == id {
				return f.Path, nil
			}
		}
		return "", &model.ConfigError{Message: fmt.Sprintf("root folder id %d not found; available: %s", id, rootFolderList(folders))}
	}
	name, _ := sel.ByName()
	for _, f := range folders {
		if strings.EqualFold(f.Path, name) {
			return f.Path, nil
		}
	}
	return "", &model.ConfigError{Message: fmt.Sprintf("root folder %q not found; available: %s", name, rootFolderList(folders))}
}

func rootFolderList(folders []rootFolder) string {
	paths := make([]string, len(folders))
	for i, f := range folders {
		paths[i] = f.Path
	}
	return strings.Join(paths, ", ")
}

func resolveQualityProfile(sel config.Selector, profiles []qualityProfile) (int64, error) {
	if id, ok := sel.ByID(); ok {
		for _, p := range profiles {
			if p.ID == id {
				return p.ID, nil
			}
		}
		return 0, &model.ConfigError{Message: fmt.Sprintf("quality profile id %d not found; available: %s", id, qualityProfileList(profiles))}
	}
	name, _ := sel.ByName()
	for _, p := range profiles {
		if strings.EqualFold(p.Name, name) {
			return p.ID, nil
		}
	}
	return 0, &model.ConfigError{Message: fmt.Sprintf("quality profile %q not found; available: %s", name, qualityProfileList(profiles))}
}

func qualityProfileList(profiles []qualityProfile) string {
	names := make([]string, len(profiles))
	for i, p := range profiles {
		names[i] = p.Name
	}
	return strings.Join(names, ", ")
}

func resolveLanguageProfile(sel config.Selector, profiles []languageProfile) (int64, error) {
	if sel.Empty() {
		if len(profiles) > 0 {
			return profiles[0].ID, nil
		}
		return 0, &model.ConfigError{Message: "downstream server requires a language profile and none is configured"}
	}
	if id, ok := sel.ByID(); ok {
		for _, p := range profiles {
			if p.ID == id {
				return p.ID, nil
			}
		}
		return 0, &model.ConfigError{Message: fmt.Sprintf("language profile id %d not found", id)}
	}
	name, _ := sel.ByName()
	for _, p := range profiles {
		if strings.EqualFold(p.Name, name) {
			return p.ID, nil
		}
	}
	return 0, &model.ConfigError{Message: fmt.Sprintf("language profile %q not found", name)}
}

func resolveTags(sels []config.Selector, tags []tag) ([]int64, error) {
	ids := make([]int64, 0, len(sels))
	for _, sel := range sels {
		if id, ok := sel.ByID(); ok {
			ids = append(ids, id)
			continue
		}
		name, _ := sel.ByName()
		found := false
		for _, t := range tags {
			if strings.EqualFold(t.Label, name) {
				ids = append(ids, t.ID)
				found = true
				break
			}
		}
		if !found {
			return nil, &model.ConfigError{Message: fmt.Sprintf("tag %q not found", name)}
		}
	}
	return ids, nil
}

// SeriesLookup is the downstream manager's view of one series, keyed
// by its downstream catalog id.
type SeriesLookup struct {
	ID      int64  `json:"id"`
	TvdbID  int64  `json:"tvdbId"`
	Title   string `json:"title"`
	Monitor bool   `json:"monitored"`
}

// Lookup looks up a series by its downstream catalog id. A result of
// (nil, nil) means the library manager has no knowledge of it; an
// error means the lookup itself failed.
func (c *Client) Lookup(ctx context.Context, downstreamCatalogID int64) (*SeriesLookup, error) {
	var results []SeriesLookup
	term := fmt.Sprintf("tvdb:%d", downstreamCatalogID)
	if err := c.get(ctx, "/api/v3/series/lookup", map[string]string{"term": term}, &results); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

// AddOutcome discriminates the three ways an add-series call can end.
type AddOutcome int

const (
	Added AddOutcome = iota
	AlreadyExists
	Failed
)

// AddResult is the tagged-union outcome of Add.
type AddResult struct {
	Outcome  AddOutcome
	SeriesID int64
	Message  string
}

// Add submits a show for the library manager to begin tracking.
func (c *Client) Add(ctx context.Context, p Params) (*AddResult, error) {
	body := map[string]any{
		"tvdbId":           p.DownstreamCatalogID,
		"title":            p.Title,
		"qualityProfileId": p.QualityProfileID,
		"rootFolderPath":   p.RootFolderPath,
		"monitored":        p.Monitor != "none",
		"seasonFolder":     true,
		"addOptions": map[string]any{
			"monitor":                      p.Monitor,
			"searchForMissingEpisodes":     p.SearchOnAdd,
			"searchForCutoffUnmetEpisodes": false,
		},
		"tags": p.TagIDs,
	}
	// v4+ servers ignore language profiles but still accept the field;
	// 1 is the documented fallback when none was resolved.
	if p.LanguageProfileID != nil {
		body["languageProfileId"] = *p.LanguageProfileID
	} else {
		body["languageProfileId"] = 1
	}

	status, respBody, err := c.post(ctx, "/api/v3/series", body)
	if err != nil {
		return nil, err
	}

	if status >= 200 && status < 300 {
		var created struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(respBody, &created); err != nil {
			return nil, errors.Wrap(err, "decoding add-series response")
		}
		return &AddResult{Outcome: Added, SeriesID: created.ID}, nil
	}

	msg := string(respBody)
	lower := strings.ToLower(msg)
	for _, phrase := range alreadyExistsPhrases {
		if strings.Contains(lower, phrase) {
			return &AddResult{Outcome: AlreadyExists, Message: msg}, nil
		}
	}
	return &AddResult{Outcome: Failed, Message: msg}, nil
}

// Healthcheck reports whether the downstream library manager is
// currently reachable.
func (c *Client) Healthcheck(ctx context.Context) bool {
	_, err := c.systemStatus(ctx)
	return err == nil
}

type seriesSummary struct {
	ID     int64 `json:"id"`
	TvdbID int64 `json:"tvdbId"`
}

// ListAllSeries lists every series currently tracked downstream, used
// by the startup selection reconciliation pass.
func (c *Client) ListAllSeries(ctx context.Context) ([]int64, error) {
	var series []seriesSummary
	if err := c.get(ctx, "/api/v3/series", nil, &series); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(series))
	for _, s := range series {
		ids = append(ids, s.TvdbID)
	}
	return ids, nil
}

func (c *Client) systemStatus(ctx context.Context) (*systemStatus, error) {
	var s systemStatus
	if err := c.get(ctx, "/api/v3/system/status", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) rootFolders(ctx context.Context) ([]rootFolder, error) {
	var out []rootFolder
	err := c.get(ctx, "/api/v3/rootfolder", nil, &out)
	return out, err
}

func (c *Client) qualityProfiles(ctx context.Context) ([]qualityProfile, error) {
	var out []qualityProfile
	err := c.get(ctx, "/api/v3/qualityprofile", nil, &out)
	return out, err
}

func (c *Client) languageProfiles(ctx context.Context) ([]languageProfile, error) {
	var out []languageProfile
	err := c.get(ctx, "/api/v3/languageprofile", nil, &out)
	return out, err
}

func (c *Client) tags(ctx context.Context) ([]tag, error) {
	var out []tag
	err := c.get(ctx, "/api/v3/tag", nil, &out)
	return out, err
}

func (c *Client) get(ctx context.Context, path string, query map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return errors.Wrapf(err, "building request for %s", path)
	}
	c.authenticate(req)

	q := req.URL.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &model.TransportError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &model.NotFoundError{Resource: "downstream resource", ID: path}
	}
	if resp.StatusCode >= 400 {
		return &model.TransportError{Op: path, StatusCode: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decoding response from %s", path)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, errors.Wrap(err, "encoding request body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), strings.NewReader(string(payload)))
	if err != nil {
		return 0, nil, errors.Wrapf(err, "building request for %s", path)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authenticate(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, &model.TransportError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "reading response from %s", path)
	}
	return resp.StatusCode, respBody, nil
}

func (c *Client) authenticate(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
}

func (c *Client) url(path string) string {
	return c.baseURL + path
}
