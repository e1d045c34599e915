// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"sort"
	"sync"
	"time"
)

// =============================================================================
// CLOCK ABSTRACTION
// =============================================================================

// Clock abstracts wall-clock time and timer scheduling so countdown state
// machines can be driven by virtual time in tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc schedules f to run after d. The returned Timer can be
	// stopped before it fires.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop cancels the timer. Returns false if it already fired or was
	// already stopped.
	Stop() bool
}

// =============================================================================
// SYSTEM CLOCK
// =============================================================================

type systemClock struct{}

type systemTimer struct {
	t *time.Timer
}

// NewSystemClock returns a Clock backed by the runtime timers.
func NewSystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return &systemTimer{t: time.AfterFunc(d, f)}
}

func (s *systemTimer) Stop() bool {
	return s.t.Stop()
}

// =============================================================================
// FAKE CLOCK (TEST SUPPORT)
// =============================================================================

// FakeClock is a deterministic Clock for tests. Advance moves virtual time
// forward, firing due timers in deadline order. Callbacks that schedule
// further timers (1 Hz tick chains) are handled: a timer scheduled by a
// fired callback fires within the same Advance if its deadline is reached.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
	nextID int
}

type fakeTimer struct {
	clock    *FakeClock
	id       int
	deadline time.Time
	fn       func()
	stopped  bool
	fired    bool
}

// NewFakeClock creates a FakeClock starting at a fixed instant.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the current virtual time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules f at now+d in virtual time.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	t := &fakeTimer{
		clock:    c,
		id:       c.nextID,
		deadline: c.now.Add(d),
		fn:       f,
	}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves virtual time forward by d, firing every timer whose
// deadline falls within the window, in order. Callbacks run without the
// clock lock held so they may schedule new timers.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)

	for {
		next := c.nextDueLocked(target)
		if next == nil {
			break
		}
		if next.deadline.After(c.now) {
			c.now = next.deadline
		}
		next.fired = true
		fn := next.fn
		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}

	c.now = target
	c.mu.Unlock()
}

// PendingTimers returns the number of scheduled, unfired, unstopped timers.
func (c *FakeClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

// nextDueLocked returns the earliest live timer with deadline <= target,
// breaking deadline ties by scheduling order.
func (c *FakeClock) nextDueLocked(target time.Time) *fakeTimer {
	live := make([]*fakeTimer, 0, len(c.timers))
	for _, t := range c.timers {
		if !t.fired && !t.stopped && !t.deadline.After(target) {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		return nil
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].deadline.Equal(live[j].deadline) {
			return live[i].id < live[j].id
		}
		return live[i].deadline.Before(live[j].deadline)
	})
	return live[0]
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}
