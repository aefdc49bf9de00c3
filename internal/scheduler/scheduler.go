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

// Package scheduler runs a function on a fixed interval, with support
// for an immediate manual trigger and shutdown on context cancellation.
// Run takes the context whose cancellation stops it; any bound on how
// long shutdown waits for an in-flight cycle is up to the caller.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Scheduler periodically invokes Func, honoring both its configured
// interval and out-of-band manual triggers.
type Scheduler struct {
	Interval time.Duration
	Func     func(ctx context.Context, manual bool)
	Log      logrus.FieldLogger

	mu      sync.Mutex
	running bool
	nextRun time.Time

	trigger chan struct{}
	once    sync.Once
}

func (s *Scheduler) init() {
	s.once.Do(func() {
		s.trigger = make(chan struct{}, 1)
	})
}

// TriggerNow requests an immediate cycle. If a cycle is already
// scheduled to start imminently the request may coalesce with it; at
// most one pending trigger is ever queued.
func (s *Scheduler) TriggerNow() {
	s.init()
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// NextRun reports when the next cycle is due to start. The zero value
// means no cycle has been scheduled yet.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// IsRunning reports whether a cycle is currently executing.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Run executes the scheduling loop until ctx is canceled. It can be
// registered via workgroup.Group.AddContext, which supplies and cancels
// ctx; cmd/tvsyncd instead wraps it in workgroup.Group.Add with its own
// stop deadline. Run itself blocks until the in-flight cycle (if any)
// returns after cancellation is observed.
func (s *Scheduler) Run(ctx context.Context) {
	s.init()
	log := s.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log.Info("scheduler loop started")
	defer log.Info("scheduler loop exited")

	for {
		s.mu.Lock()
		s.nextRun = time.Now().Add(s.Interval)
		s.mu.Unlock()

		timer := time.NewTimer(s.Interval)
		var manual bool
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.trigger:
			manual = true
			timer.Stop()
		case <-timer.C:
		}

		if manual {
			log.Info("running sync cycle (manually triggered)")
		} else {
			log.Info("running sync cycle (scheduled)")
		}

		s.mu.Lock()
		s.running = true
		s.mu.Unlock()

		func() {
			defer func() {
				s.mu.Lock()
				s.running = false
				s.mu.Unlock()
			}()
			s.Func(ctx, manual)
		}()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
