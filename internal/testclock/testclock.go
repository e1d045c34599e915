// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package testclock runs the countdown for a timed test. The server owns
// the remaining time: the local clock ticks once per second for display
// and persistence, and periodically re-synchronizes with the backend so a
// paused or tampered local clock cannot buy extra time. When the countdown
// reaches zero the test is submitted exactly once and all volatile test
// state is swept.
package testclock

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jeranaias/studygate/internal/store"
	"github.com/jeranaias/studygate/internal/util"
	"github.com/jeranaias/studygate/internal/vault"
)

// =============================================================================
// STATES
// =============================================================================

// State is the countdown lifecycle state.
type State int

const (
	// StateIdle means no test is loaded.
	StateIdle State = iota
	// StateCounting means the 1 Hz countdown is running.
	StateCounting
	// StateExpired means the countdown hit zero and the test was
	// submitted.
	StateExpired
	// StateCompleted means the server reported the test as already
	// finished.
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateCounting:
		return "COUNTING"
	case StateExpired:
		return "EXPIRED"
	case StateCompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// =============================================================================
// COLLABORATOR INTERFACE
// =============================================================================

// TestAPI is the slice of the backend client the clock needs.
type TestAPI interface {
	// TestDuration returns the server-authoritative seconds remaining,
	// or completed=true when the test is already finished.
	TestDuration(ctx context.Context, studentID, testID string) (secondsLeft int, completed bool, err error)

	// SubmitTest finalizes the test on the backend.
	SubmitTest(ctx context.Context, studentID, testID string) error
}

// =============================================================================
// CALLBACKS
// =============================================================================

// Callbacks receive countdown events, invoked outside the clock's lock.
type Callbacks struct {
	// OnTick fires once per second with the seconds remaining.
	OnTick func(secondsLeft int)
	// OnExpired fires once when the countdown reaches zero.
	OnExpired func()
	// OnCompleted fires when the server reports the test already
	// finished, so the caller can redirect away.
	OnCompleted func()
}

// =============================================================================
// CLOCK
// =============================================================================

// defaultResyncTicks is how many local ticks pass between server
// re-synchronizations.
const defaultResyncTicks = 30

// Clock is the countdown for one timed test. Safe for concurrent use.
type Clock struct {
	mu sync.Mutex

	state     State
	studentID string
	testID    string
	remaining int
	tickCount int

	resyncTicks int
	submitted   bool

	store store.Store
	vault *vault.Vault
	api   TestAPI
	clock util.Clock
	timer util.Timer

	cb Callbacks
}

// Options configures a new Clock.
type Options struct {
	Store store.Store
	Vault *vault.Vault
	API   TestAPI
	// ResyncTicks overrides the resync cadence. Zero means the default.
	ResyncTicks int
	Callbacks   Callbacks
	// TimeSource overrides the scheduling clock. Nil means real time.
	TimeSource util.Clock
}

// New creates an idle Clock.
func New(opts Options) *Clock {
	clk := opts.TimeSource
	if clk == nil {
		clk = util.NewSystemClock()
	}
	resync := opts.ResyncTicks
	if resync <= 0 {
		resync = defaultResyncTicks
	}
	return &Clock{
		state:       StateIdle,
		store:       opts.Store,
		vault:       opts.Vault,
		api:         opts.API,
		clock:       clk,
		resyncTicks: resync,
		cb:          opts.Callbacks,
	}
}

// State returns the countdown state.
func (c *Clock) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Remaining returns the seconds left on the local countdown.
func (c *Clock) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// =============================================================================
// SEED AND TICK
// =============================================================================

// Seed fetches the server-authoritative remaining time and starts the
// countdown. A test the server reports as completed never starts counting;
// the completion callback fires instead.
func (c *Clock) Seed(ctx context.Context, studentID, testID string) error {
	seconds, completed, err := c.api.TestDuration(ctx, studentID, testID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.studentID = studentID
	c.testID = testID
	c.tickCount = 0
	c.submitted = false

	if completed {
		c.state = StateCompleted
		c.logEvent("TEST_ALREADY_COMPLETED")
		onCompleted := c.cb.OnCompleted
		c.mu.Unlock()

		if onCompleted != nil {
			onCompleted()
		}
		return nil
	}

	c.remaining = seconds
	c.persistRemainingLocked()

	if c.remaining <= 0 {
		c.expireLocked()
		return nil
	}

	c.state = StateCounting
	c.logEvent("TEST_CLOCK_SEEDED")
	c.timer = c.clock.AfterFunc(time.Second, c.onTick)
	c.mu.Unlock()
	return nil
}

// Stop halts the countdown without submitting, for page unmount. The
// persisted remaining time survives so a reload can re-seed.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.state == StateCounting {
		c.state = StateIdle
		c.logEvent("TEST_CLOCK_STOPPED")
	}
}

// onTick decrements the countdown once per second.
func (c *Clock) onTick() {
	c.mu.Lock()
	if c.state != StateCounting {
		c.mu.Unlock()
		return
	}

	c.remaining--
	c.tickCount++
	c.persistRemainingLocked()

	if c.tickCount%c.resyncTicks == 0 {
		if !c.resync() {
			return
		}
	}

	if c.remaining <= 0 {
		c.expireLocked()
		return
	}

	c.timer = c.clock.AfterFunc(time.Second, c.onTick)
	onTick := c.cb.OnTick
	left := c.remaining
	c.mu.Unlock()

	if onTick != nil {
		onTick(left)
	}
}

// resync pulls the server-authoritative remaining time. The lock is
// released around the network call so State, Remaining, and Stop never
// wait on a slow backend; the result is discarded when the countdown moved
// on in the meantime. Errors keep the local countdown ticking until the
// next resync.
//
// Called with the lock held. Returns false, with the lock released, when
// the countdown must not continue; otherwise the lock is still held.
func (c *Clock) resync() bool {
	studentID, testID := c.studentID, c.testID
	c.mu.Unlock()

	seconds, completed, err := c.api.TestDuration(context.Background(), studentID, testID)

	c.mu.Lock()
	if c.state != StateCounting || c.testID != testID {
		c.mu.Unlock()
		return false
	}
	if err != nil {
		log.Printf("testclock: resync failed, keeping local countdown: %v", err)
		return true
	}
	if completed {
		c.state = StateCompleted
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		c.logEvent("TEST_COMPLETED_REMOTELY")
		onCompleted := c.cb.OnCompleted
		c.mu.Unlock()

		if onCompleted != nil {
			onCompleted()
		}
		return false
	}
	c.remaining = seconds
	c.persistRemainingLocked()
	return true
}

// =============================================================================
// EXPIRY
// =============================================================================

// expireLocked runs the end-of-test sequence: stop ticking, persist a zero
// duration, sweep volatile test state, and submit exactly once. Releases
// the lock before invoking the expiry callback.
func (c *Clock) expireLocked() {
	c.remaining = 0
	c.state = StateExpired
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.persistRemainingLocked()

	c.store.SweepPrefix(store.KeyAnswerPrefix)
	c.store.SweepPrefix(store.KeyQuestionStatusPrefix)
	c.store.SweepPrefix(store.KeyTableCachePrefix)

	c.logEvent("TEST_EXPIRED")

	var submit bool
	if !c.submitted {
		c.submitted = true
		submit = true
	}
	studentID, testID := c.studentID, c.testID
	onExpired := c.cb.OnExpired
	c.mu.Unlock()

	if submit {
		// Detached from any page context: an unmount must not cancel
		// the submission.
		go func() {
			if err := c.api.SubmitTest(context.Background(), studentID, testID); err != nil {
				log.Printf("testclock: submit failed: %v", err)
			}
		}()
	}
	if onExpired != nil {
		onExpired()
	}
}

// persistRemainingLocked writes the remaining seconds in both plain and
// encrypted form. Caller holds the lock.
func (c *Clock) persistRemainingLocked() {
	plain := util.IntToString(c.remaining)
	c.store.Set(store.KeyTestDurationPrefix+c.testID, plain)

	enc, err := c.vault.EncryptString(plain)
	if err != nil {
		log.Printf("testclock: encrypt remaining: %v", err)
		return
	}
	c.store.Set(store.KeyTestDurationEncPrefix+c.testID, enc)
}

func (c *Clock) logEvent(event string) {
	log.Printf("%s | %s | test=%s remaining=%d", c.clock.Now().Format(time.RFC3339), event, c.testID, c.remaining)
}
