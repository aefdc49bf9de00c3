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

// Package config implements parsing and validation of tvsyncd's YAML
// configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v2"
)

// WindowType names the lookback window used when polling the upstream
// updates feed.
type WindowType string

const (
	DayWindow   WindowType = "day"
	WeekWindow  WindowType = "week"
	MonthWindow WindowType = "month"
)

func (w WindowType) Validate() error {
	switch w {
	case DayWindow, WeekWindow, MonthWindow:
		return nil
	default:
		return fmt.Errorf("invalid upstream update_window %q", w)
	}
}

// MonitorType names a downstream monitoring policy applied to newly
// added series.
type MonitorType string

const (
	MonitorAll          MonitorType = "all"
	MonitorFuture       MonitorType = "future"
	MonitorExisting     MonitorType = "existing"
	MonitorPilot        MonitorType = "pilot"
	MonitorFirstSeason  MonitorType = "firstSeason"
	MonitorLatestSeason MonitorType = "latestSeason"
	MonitorMissing      MonitorType = "missing"
	MonitorNone         MonitorType = "none"
)

func (m MonitorType) Validate() error {
	switch m {
	case MonitorAll, MonitorFuture, MonitorExisting, MonitorPilot,
		MonitorFirstSeason, MonitorLatestSeason, MonitorMissing, MonitorNone:
		return nil
	default:
		return fmt.Errorf("invalid downstream monitor policy %q", m)
	}
}

// LogLevelType names a logrus logging level.
type LogLevelType string

const (
	LogLevelTrace LogLevelType = "trace"
	LogLevelDebug LogLevelType = "debug"
	LogLevelInfo  LogLevelType = "info"
	LogLevelWarn  LogLevelType = "warn"
	LogLevelError LogLevelType = "error"
	LogLevelFatal LogLevelType = "fatal"
	LogLevelPanic LogLevelType = "panic"
)

func (l LogLevelType) Validate() error {
	switch l {
	case LogLevelTrace, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelFatal, LogLevelPanic:
		return nil
	default:
		return fmt.Errorf("invalid logging level %q", l)
	}
}

// LogFormatType names a supported log output format.
type LogFormatType string

const (
	LogFormatText LogFormatType = "text"
	LogFormatJSON LogFormatType = "json"
)

func (f LogFormatType) Validate() error {
	switch f {
	case LogFormatText, LogFormatJSON:
		return nil
	default:
		return fmt.Errorf("invalid logging format %q", f)
	}
}

// UpstreamParameters configures access to the upstream catalog.
type UpstreamParameters struct {
	APIKey       string     `yaml:"api_key,omitempty"`
	RateLimit    int        `yaml:"rate_limit,omitempty"`
	UpdateWindow WindowType `yaml:"update_window,omitempty"`
}

func (u UpstreamParameters) Validate() error {
	if u.RateLimit <= 0 {
		return fmt.Errorf("upstream rate_limit must be positive, got %d", u.RateLimit)
	}
	return u.UpdateWindow.Validate()
}

// SyncParameters configures cycle cadence and the retry/abandonment
// queue for shows pending a downstream id.
type SyncParameters struct {
	PollInterval string `yaml:"poll_interval,omitempty"`
	RetryDelay   string `yaml:"retry_delay,omitempty"`
	AbandonAfter string `yaml:"abandon_after,omitempty"`
}

func (s SyncParameters) Validate() error {
	if _, err := ParseDuration(s.PollInterval); err != nil {
		return fmt.Errorf("sync poll_interval: %w", err)
	}
	if _, err := ParseDuration(s.RetryDelay); err != nil {
		return fmt.Errorf("sync retry_delay: %w", err)
	}
	if _, err := ParseDuration(s.AbandonAfter); err != nil {
		return fmt.Errorf("sync abandon_after: %w", err)
	}
	return nil
}

// ExcludeParameters is the global deny-list applied before selections.
type ExcludeParameters struct {
	Genres    []string `yaml:"genres,omitempty"`
	Types     []string `yaml:"types,omitempty"`
	Languages []string `yaml:"languages,omitempty"`
	Countries []string `yaml:"countries,omitempty"`
	Networks  []string `yaml:"networks,omitempty"`
}

// Selection is one ordered accept-rule: a conjunction of constraints.
// An unset constraint is vacuously satisfied.
type Selection struct {
	Name            string   `yaml:"name,omitempty"`
	Languages       []string `yaml:"languages,omitempty"`
	Countries       []string `yaml:"countries,omitempty"`
	Genres          []string `yaml:"genres,omitempty"`
	Types           []string `yaml:"types,omitempty"`
	Networks        []string `yaml:"networks,omitempty"`
	Statuses        []string `yaml:"statuses,omitempty"`
	PremieredAfter  string   `yaml:"premiered_after,omitempty"`
	PremieredBefore string   `yaml:"premiered_before,omitempty"`
	EndedAfter      string   `yaml:"ended_after,omitempty"`
	EndedBefore     string   `yaml:"ended_before,omitempty"`
	RuntimeMin      *int     `yaml:"runtime_min,omitempty"`
	RuntimeMax      *int     `yaml:"runtime_max,omitempty"`
	RatingMin       *float64 `yaml:"rating_min,omitempty"`
	RatingMax       *float64 `yaml:"rating_max,omitempty"`
}

// FilterParameters is the declarative filter specification: an exclude
// set followed by an ordered list of accept selections.
type FilterParameters struct {
	Exclude    ExcludeParameters `yaml:"exclude,omitempty"`
	Selections []Selection       `yaml:"selections,omitempty"`
}

// DownstreamParameters configures access to, and defaults used when
// submitting shows to, the downstream library manager.
type DownstreamParameters struct {
	URL             string      `yaml:"url"`
	APIKey          string      `yaml:"api_key"`
	RootFolder      Selector    `yaml:"root_folder"`
	QualityProfile  Selector    `yaml:"quality_profile"`
	LanguageProfile Selector    `yaml:"language_profile,omitempty"`
	Monitor         MonitorType `yaml:"monitor,omitempty"`
	SearchOnAdd     bool        `yaml:"search_on_add"`
	Tags            []Selector  `yaml:"tags,omitempty"`
}

func (d DownstreamParameters) Validate() error {
	if strings.TrimSpace(d.URL) == "" {
		return errors.New("downstream url is required")
	}
	if d.RootFolder.Empty() {
		return errors.New("downstream root_folder is required")
	}
	if d.QualityProfile.Empty() {
		return errors.New("downstream quality_profile is required")
	}
	return d.Monitor.Validate()
}

// StorageParameters configures the on-disk storage directory.
type StorageParameters struct {
	Path string `yaml:"path,omitempty"`
}

// LoggingParameters configures process-level structured logging.
type LoggingParameters struct {
	Level  LogLevelType  `yaml:"level,omitempty"`
	Format LogFormatType `yaml:"format,omitempty"`
}

func (l LoggingParameters) Validate() error {
	if err := l.Level.Validate(); err != nil {
		return err
	}
	return l.Format.Validate()
}

// ServerParameters configures the daemon's own HTTP surface.
type ServerParameters struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port,omitempty"`
}

func (s ServerParameters) Validate() error {
	if !s.Enabled {
		return nil
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("server port %d out of range", s.Port)
	}
	return nil
}

// Parameters is the root of the tvsyncd configuration file.
type Parameters struct {
	Upstream   UpstreamParameters   `yaml:"upstream,omitempty"`
	Sync       SyncParameters       `yaml:"sync,omitempty"`
	Filters    FilterParameters     `yaml:"filters,omitempty"`
	Downstream DownstreamParameters `yaml:"downstream,omitempty"`
	Storage    StorageParameters    `yaml:"storage,omitempty"`
	Logging    LoggingParameters    `yaml:"logging,omitempty"`
	Server     ServerParameters     `yaml:"server,omitempty"`

	// DryRun defaults to true: the daemon must never make destructive
	// downstream calls without an operator's explicit opt-in.
	DryRun bool `yaml:"dry_run"`
}

// Validate verifies every parameter group and joins the failures of
// all groups into one error, rather than stopping at the first failing
// group. Each group reports only its first failure.
func (p *Parameters) Validate() error {
	var errs []error

	if err := p.Upstream.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := p.Sync.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := p.Downstream.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := p.Logging.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := p.Server.Validate(); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(p.Storage.Path) == "" {
		errs = append(errs, errors.New("storage path is required"))
	}
	// An empty selections list is valid: the processor treats it as
	// "filter everything", which is a deliberate configuration.

	return errors.Join(errs...)
}

// Defaults returns the default set of parameters. Every field an
// operator doesn't set in their YAML file retains these values.
func Defaults() Parameters {
	return Parameters{
		Upstream: UpstreamParameters{
			RateLimit:    20,
			UpdateWindow: WeekWindow,
		},
		Sync: SyncParameters{
			PollInterval: "6h",
			RetryDelay:   "1w",
			AbandonAfter: "1y",
		},
		Downstream: DownstreamParameters{
			Monitor:     MonitorAll,
			SearchOnAdd: true,
		},
		Storage: StorageParameters{
			Path: GetenvOr("TVSYNCD_STORAGE_PATH", "/data"),
		},
		Logging: LoggingParameters{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Server: ServerParameters{
			Enabled: true,
			Port:    8080,
		},
		DryRun: true,
	}
}

// Parse reads parameters from a YAML input stream. Any parameter not
// specified by the input retains its value from Defaults(). ${VAR} and
// ${VAR_FILE} references are interpolated before parsing, and
// SECTION_KEY[_SUBKEY] environment variables are applied after
// parsing, so they override both the file and its own interpolations.
func Parse(in io.Reader) (*Parameters, error) {
	raw, err := io.ReadAll(in)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	raw, err = interpolateEnv(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to interpolate configuration: %w", err)
	}

	conf := Defaults()
	decoder := yaml.NewDecoder(strings.NewReader(string(raw)))
	decoder.SetStrict(true)

	if err := decoder.Decode(&conf); err != nil {
		// The YAML decoder returns EOF when there are no YAML nodes
		// at all; in that case the defaults stand as parsed.
		if err != io.EOF {
			return nil, fmt.Errorf("failed to parse configuration: %w", err)
		}
	}

	if err := applyEnvOverrides(&conf); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return &conf, nil
}

// OverlayOnDefaults merges a partial Parameters fragment (for example,
// one built from command-line flags) onto Defaults(), with the
// fragment's explicitly-set fields taking precedence.
func OverlayOnDefaults(partial Parameters) (Parameters, error) {
	res := Defaults()
	if err := mergo.Merge(&res, partial, mergo.WithOverride); err != nil {
		return Parameters{}, fmt.Errorf("failed to overlay configuration: %w", err)
	}
	return res, nil
}
