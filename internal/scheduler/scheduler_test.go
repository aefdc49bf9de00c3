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

package scheduler_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andronics/tvsyncd/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunInvokesFuncOnInterval(t *testing.T) {
	var calls int32
	s := &scheduler.Scheduler{
		Interval: 10 * time.Millisecond,
		Func: func(ctx context.Context, manual bool) {
			atomic.AddInt32(&calls, 1)
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestTriggerNowRunsImmediately(t *testing.T) {
	started := make(chan bool, 1)
	s := &scheduler.Scheduler{
		Interval: time.Hour,
		Func: func(ctx context.Context, manual bool) {
			started <- manual
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.TriggerNow()

	select {
	case manual := <-started:
		assert.True(t, manual)
	case <-time.After(time.Second):
		t.Fatal("trigger did not run a cycle in time")
	}
}

func TestRunExitsPromptlyOnContextCancel(t *testing.T) {
	s := &scheduler.Scheduler{
		Interval: time.Hour,
		Func:     func(ctx context.Context, manual bool) {},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not exit after context cancellation")
	}
}

func TestIsRunningReflectsInFlightCycle(t *testing.T) {
	release := make(chan struct{})
	s := &scheduler.Scheduler{
		Interval: time.Hour,
		Func: func(ctx context.Context, manual bool) {
			<-release
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.TriggerNow()
	require.Eventually(t, s.IsRunning, time.Second, time.Millisecond)

	close(release)
	require.Eventually(t, func() bool { return !s.IsRunning() }, time.Second, time.Millisecond)
}
