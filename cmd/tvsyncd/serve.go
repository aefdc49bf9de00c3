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

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/andronics/tvsyncd/internal/filter"
	"github.com/andronics/tvsyncd/internal/httpapi"
	"github.com/andronics/tvsyncd/internal/httpsvc"
	"github.com/andronics/tvsyncd/internal/metrics"
	"github.com/andronics/tvsyncd/internal/opstate"
	"github.com/andronics/tvsyncd/internal/ratelimit"
	"github.com/andronics/tvsyncd/internal/scheduler"
	"github.com/andronics/tvsyncd/internal/sonarr"
	"github.com/andronics/tvsyncd/internal/store"
	"github.com/andronics/tvsyncd/internal/syncengine"
	"github.com/andronics/tvsyncd/internal/tvmaze"
	"github.com/andronics/tvsyncd/internal/workgroup"
	"github.com/andronics/tvsyncd/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

// schedulerStopTimeout bounds how long shutdown waits for an in-flight
// sync cycle to drain. The cycle's sleeps (rate-limiter admission, 429
// backoff) don't observe context cancellation, so the join needs its
// own deadline.
const schedulerStopTimeout = 300 * time.Second

// serveContext holds the flags for the serve subcommand.
type serveContext struct {
	ConfigFile string
	Debug      bool
}

// registerServe registers the serve subcommand and its flags with app.
func registerServe(app *kingpin.Application) (*kingpin.CmdClause, *serveContext) {
	var ctx serveContext

	serve := app.Command("serve", "Run the tvsyncd sync daemon.")
	serve.Flag("config", "Path to the tvsyncd YAML configuration file.").
		Short('c').Default("/etc/tvsyncd/config.yaml").Envar("TVSYNCD_CONFIG").StringVar(&ctx.ConfigFile)
	serve.Flag("debug", "Enable debug logging, overriding the configured level.").
		Short('d').BoolVar(&ctx.Debug)

	return serve, &ctx
}

// Serve holds the wired dependencies for one run of the daemon.
type Serve struct {
	log      *logrus.Logger
	ctx      *serveContext
	params   *config.Parameters
	registry *prometheus.Registry
	group    workgroup.Group
}

// NewServe loads and validates configuration, ready for doServe to wire
// up the daemon's components.
func NewServe(log *logrus.Logger, ctx *serveContext) (*Serve, error) {
	f, err := os.Open(ctx.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("opening configuration file %s: %w", ctx.ConfigFile, err)
	}
	defer f.Close()

	params, err := config.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing configuration file %s: %w", ctx.ConfigFile, err)
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	return &Serve{
		log:      log,
		ctx:      ctx,
		params:   params,
		registry: registry,
	}, nil
}

// doServe wires up every component described in the sync engine's
// design and runs until a termination signal arrives or a fatal
// startup step fails.
func (s *Serve) doServe() error {
	if s.ctx.Debug {
		s.log.SetLevel(logrus.DebugLevel)
	} else if lvl, err := logrus.ParseLevel(string(s.params.Logging.Level)); err == nil {
		s.log.SetLevel(lvl)
	}
	if s.params.Logging.Format == config.LogFormatJSON {
		s.log.SetFormatter(&logrus.JSONFormatter{})
	}

	if s.params.DryRun {
		s.log.Warn("dry_run is enabled: no shows will be submitted downstream")
	}

	if err := os.MkdirAll(s.params.Storage.Path, 0o755); err != nil {
		return fmt.Errorf("creating storage directory %s: %w", s.params.Storage.Path, err)
	}

	cache, err := store.Open(filepath.Join(s.params.Storage.Path, "shows.db"))
	if err != nil {
		return fmt.Errorf("opening show cache: %w", err)
	}
	defer cache.Close()

	state, err := opstate.Load(filepath.Join(s.params.Storage.Path, "state.json"))
	if err != nil {
		return fmt.Errorf("loading operational state: %w", err)
	}

	limiter := ratelimit.New(s.params.Upstream.RateLimit, 10*time.Second)
	upstream := tvmaze.New("", s.params.Upstream.APIKey, limiter, s.log.WithField("component", "tvmaze"))
	downstream := sonarr.New(s.params.Downstream.URL, s.params.Downstream.APIKey, s.log.WithField("component", "sonarr"))

	s.log.WithFields(logrus.Fields{
		"storage_path":  s.params.Storage.Path,
		"dry_run":       s.params.DryRun,
		"poll_interval": s.params.Sync.PollInterval,
		"rate_limit":    s.params.Upstream.RateLimit,
		"selections":    len(s.params.Filters.Selections),
	}).Info("starting tvsyncd")

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	resolved, err := downstream.Validate(startupCtx, s.params.Downstream)
	cancelStartup()
	if err != nil {
		return fmt.Errorf("validating downstream library manager configuration: %w", err)
	}

	processor := &filter.Processor{
		Spec:       filter.Spec{Exclude: s.params.Filters.Exclude, Selections: s.params.Filters.Selections},
		Downstream: *resolved,
	}

	m := metrics.NewMetrics(s.registry)
	m.Zero()
	upstream.ObserveWait = m.ObserveRateLimitWait

	engine := &syncengine.Engine{
		Store:     cache,
		State:     state,
		TVMaze:    upstream,
		Sonarr:    downstream,
		Processor: processor,
		Params:    *s.params,
		Metrics:   m,
		Log:       s.log.WithField("component", "syncengine"),
	}
	engine.RefreshMetrics(context.Background())

	if !state.Get().SelectionReconciliationComplete {
		s.log.Info("running one-time selection reconciliation pass")
		reconcileCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		stats, err := engine.ReconcileSelections(reconcileCtx)
		cancel()
		if err != nil {
			s.log.WithError(err).Warn("selection reconciliation failed, will retry on next startup")
		} else {
			s.log.WithField("stats", stats.String()).Info("selection reconciliation complete")
			if err := state.Update(func(st *opstate.State) { st.SelectionReconciliationComplete = true }); err != nil {
				s.log.WithError(err).Warn("failed to persist selection reconciliation completion")
			}
		}
	}

	pollInterval, err := config.ParseDuration(s.params.Sync.PollInterval)
	if err != nil {
		return fmt.Errorf("parsing sync.poll_interval: %w", err)
	}

	sched := &scheduler.Scheduler{
		Interval: pollInterval,
		Func: func(ctx context.Context, manual bool) {
			if err := engine.RunCycle(ctx); err != nil {
				s.log.WithError(err).WithField("manual", manual).Error("sync cycle returned an error")
			}
		},
		Log: s.log.WithField("component", "scheduler"),
	}

	s.group.Add(func(stop <-chan struct{}) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			sched.Run(ctx)
		}()

		<-stop
		cancel()
		select {
		case <-done:
		case <-time.After(schedulerStopTimeout):
			s.log.WithField("timeout", schedulerStopTimeout).Warn("timed out waiting for in-flight sync cycle, abandoning it")
		}
		return nil
	})

	if s.params.Server.Enabled {
		svc := &httpsvc.Service{
			Addr:        "",
			Port:        s.params.Server.Port,
			FieldLogger: s.log.WithField("component", "httpapi"),
		}
		api := &httpapi.API{
			Store:     cache,
			State:     state,
			Scheduler: sched,
			Sonarr:    downstream,
			Processor: processor,
			Metrics:   m,
			Registry:  s.registry,
		}
		api.Register(&svc.ServeMux)

		s.group.Add(func(stop <-chan struct{}) error {
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				<-stop
				cancel()
			}()
			if err := svc.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	s.group.Add(func(stop <-chan struct{}) error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sig)

		select {
		case recv := <-sig:
			s.log.WithField("signal", recv.String()).Info("received shutdown signal")
		case <-stop:
		}
		return nil
	})

	return s.group.Run()
}
