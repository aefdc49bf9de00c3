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

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time deterministically instead of
// sleeping in wall-clock time.
type fakeClock struct {
	now time.Time
}

func newFakeLimiter(max int, window time.Duration) (*Limiter, *fakeClock) {
	fc := &fakeClock{now: time.Unix(0, 0)}
	l := New(max, window)
	l.nowFn = func() time.Time { return fc.now }
	l.sleep = func(d time.Duration) { fc.now = fc.now.Add(d) }
	return l, fc
}

func TestAcquireAdmitsUpToMaxWithoutBlocking(t *testing.T) {
	l, fc := newFakeLimiter(3, 10*time.Second)
	start := fc.now

	for i := 0; i < 3; i++ {
		l.Acquire()
	}

	assert.Equal(t, start, fc.now, "first max acquisitions must not block")
}

func TestAcquireBlocksTheMaxPlusOnethCall(t *testing.T) {
	l, fc := newFakeLimiter(3, 10*time.Second)

	for i := 0; i < 3; i++ {
		l.Acquire()
	}
	before := fc.now
	l.Acquire()

	elapsed := fc.now.Sub(before)
	assert.GreaterOrEqual(t, elapsed, 10*time.Second-time.Millisecond)
}

func TestAcquireClearsAfterWindowElapses(t *testing.T) {
	l, fc := newFakeLimiter(2, 5*time.Second)

	l.Acquire()
	l.Acquire()
	fc.now = fc.now.Add(6 * time.Second)

	before := fc.now
	l.Acquire()
	require.Equal(t, before, fc.now, "acquisitions older than window must have expired")
}

func TestWaitTimeIsNonBlockingAndMatchesAcquireDelay(t *testing.T) {
	l, fc := newFakeLimiter(1, 10*time.Second)

	l.Acquire()
	wait := l.WaitTime()
	assert.Equal(t, 10*time.Second, wait)

	// WaitTime must not itself consume a slot.
	wait2 := l.WaitTime()
	assert.Equal(t, wait, wait2)
	_ = fc
}

func TestWaitTimeIsZeroWhenSlotAvailable(t *testing.T) {
	l, _ := newFakeLimiter(2, 10*time.Second)
	l.Acquire()
	assert.Equal(t, time.Duration(0), l.WaitTime())
}
