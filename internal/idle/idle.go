// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package idle implements the inactivity watchdog for an authenticated
// session. After a configurable quiet period it raises a warning and
// counts down once per second; if no activity arrives before the
// countdown hits zero the session is declared expired.
//
// State machine:
//
//	Idle -> Running        Start()
//	Running -> Warning     inactivity timer fires
//	Warning -> Running     Touch() during the countdown
//	Warning -> Expired     countdown reaches zero
//	any -> Idle            Stop() / EnterLoginRoute()
package idle

import (
	"log"
	"sync"
	"time"

	"github.com/jeranaias/studygate/internal/util"
)

// =============================================================================
// STATES
// =============================================================================

// State is the watchdog lifecycle state.
type State int

const (
	// StateIdle means the watchdog is not armed (no session, or on the
	// login route).
	StateIdle State = iota
	// StateRunning means the inactivity timer is armed.
	StateRunning
	// StateWarning means the warning countdown is ticking.
	StateWarning
	// StateExpired means the countdown ran out and expiry was signaled.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateWarning:
		return "WARNING"
	case StateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// =============================================================================
// MONITOR
// =============================================================================

// Callbacks receive watchdog transitions. All callbacks are invoked
// outside the monitor's lock, so they may call back into the monitor.
type Callbacks struct {
	// OnWarning fires when the quiet period elapses, with the countdown
	// length in seconds.
	OnWarning func(secondsLeft int)
	// OnWarningTick fires once per second during the countdown.
	OnWarningTick func(secondsLeft int)
	// OnExpired fires exactly once when the countdown reaches zero.
	OnExpired func()
}

// Monitor is the inactivity watchdog. All methods are safe for concurrent
// use.
type Monitor struct {
	mu sync.Mutex

	state          State
	inactivityWait time.Duration
	warningSecs    int
	secondsLeft    int

	clock          util.Clock
	inactivityTmr  util.Timer
	countdownTmr   util.Timer
	lastActivityAt time.Time

	cb Callbacks
}

// New creates a Monitor. inactivityWait is the quiet period before the
// warning; warningSecs is the countdown length.
func New(inactivityWait time.Duration, warningSecs int, cb Callbacks) *Monitor {
	return NewWithClock(inactivityWait, warningSecs, cb, util.NewSystemClock())
}

// NewWithClock is New with an injectable clock.
func NewWithClock(inactivityWait time.Duration, warningSecs int, cb Callbacks, clock util.Clock) *Monitor {
	return &Monitor{
		state:          StateIdle,
		inactivityWait: inactivityWait,
		warningSecs:    warningSecs,
		clock:          clock,
		cb:             cb,
	}
}

// State returns the current watchdog state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SecondsLeft returns the remaining countdown seconds, or 0 outside the
// warning state.
func (m *Monitor) SecondsLeft() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateWarning {
		return 0
	}
	return m.secondsLeft
}

// LastActivity returns the time of the most recent recorded activity.
func (m *Monitor) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivityAt
}

// Start arms the watchdog. A no-op when already running or warning.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateRunning || m.state == StateWarning {
		return
	}
	m.logEvent("WATCHDOG_START")
	m.state = StateRunning
	m.lastActivityAt = m.clock.Now()
	m.armInactivityLocked()
}

// Touch records user activity. In Running it pushes the inactivity
// deadline out; in Warning it cancels the countdown and returns to
// Running. Ignored in Idle and Expired.
func (m *Monitor) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateRunning:
		m.lastActivityAt = m.clock.Now()
		m.armInactivityLocked()
	case StateWarning:
		m.logEvent("WARNING_CANCELLED")
		m.lastActivityAt = m.clock.Now()
		m.stopCountdownLocked()
		m.state = StateRunning
		m.armInactivityLocked()
	}
}

// EnterLoginRoute disarms the watchdog: there is nothing to guard on the
// login screen.
func (m *Monitor) EnterLoginRoute() {
	m.Stop()
}

// Stop disarms the watchdog and returns it to Idle.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateIdle {
		return
	}
	m.logEvent("WATCHDOG_STOP")
	m.stopTimersLocked()
	m.state = StateIdle
	m.secondsLeft = 0
}

// =============================================================================
// INTERNALS
// =============================================================================

// armInactivityLocked stops any pending inactivity timer before arming a
// new one. Caller holds the lock.
func (m *Monitor) armInactivityLocked() {
	if m.inactivityTmr != nil {
		m.inactivityTmr.Stop()
	}
	m.inactivityTmr = m.clock.AfterFunc(m.inactivityWait, m.onInactivity)
}

func (m *Monitor) stopCountdownLocked() {
	if m.countdownTmr != nil {
		m.countdownTmr.Stop()
		m.countdownTmr = nil
	}
}

func (m *Monitor) stopTimersLocked() {
	if m.inactivityTmr != nil {
		m.inactivityTmr.Stop()
		m.inactivityTmr = nil
	}
	m.stopCountdownLocked()
}

// onInactivity transitions Running -> Warning and starts the 1 Hz
// countdown.
func (m *Monitor) onInactivity() {
	m.mu.Lock()
	if m.state != StateRunning {
		m.mu.Unlock()
		return
	}
	m.state = StateWarning
	m.secondsLeft = m.warningSecs
	m.logEvent("WARNING_SHOWN")
	m.countdownTmr = m.clock.AfterFunc(time.Second, m.onCountdownTick)
	onWarning := m.cb.OnWarning
	left := m.secondsLeft
	m.mu.Unlock()

	if onWarning != nil {
		onWarning(left)
	}
}

// onCountdownTick decrements once per second until cancelled or zero.
func (m *Monitor) onCountdownTick() {
	m.mu.Lock()
	if m.state != StateWarning {
		m.mu.Unlock()
		return
	}
	m.secondsLeft--
	left := m.secondsLeft

	if left <= 0 {
		m.state = StateExpired
		m.stopTimersLocked()
		m.logEvent("SESSION_EXPIRED")
		onExpired := m.cb.OnExpired
		m.mu.Unlock()

		if onExpired != nil {
			onExpired()
		}
		return
	}

	m.countdownTmr = m.clock.AfterFunc(time.Second, m.onCountdownTick)
	onTick := m.cb.OnWarningTick
	m.mu.Unlock()

	if onTick != nil {
		onTick(left)
	}
}

func (m *Monitor) logEvent(event string) {
	log.Printf("%s | %s | state=%s", m.clock.Now().Format(time.RFC3339), event, m.state)
}
