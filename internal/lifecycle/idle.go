// Package lifecycle enforces idle expiry and client-side redirects on top of a session store.
package lifecycle

import (
	"sync"
	"time"
)

// DefaultIdleWindow is the inactivity window used when none is configured.
const DefaultIdleWindow = 30 * time.Minute

// Timer is a cancellable single-fire timer.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks. Tests substitute a manual clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealClock is backed by time.AfterFunc.
var RealClock Clock = realClock{}

// IdleTimer owns at most one live timer. Arm, Touch and Disarm serialize on one
// mutex, and every reschedule stops the previous handle before creating the next.
type IdleTimer struct {
	mu     sync.Mutex
	clock  Clock
	window time.Duration
	onIdle func()

	armed bool
	timer Timer
	gen   uint64
}

// NewIdleTimer returns a disarmed timer calling onIdle when window elapses without a Touch.
func NewIdleTimer(clock Clock, window time.Duration, onIdle func()) *IdleTimer {
	if clock == nil {
		clock = RealClock
	}
	if window <= 0 {
		window = DefaultIdleWindow
	}
	return &IdleTimer{clock: clock, window: window, onIdle: onIdle}
}

// Arm starts a window unless one is already running.
func (t *IdleTimer) Arm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.armed {
		return
	}
	t.armed = true
	t.scheduleLocked()
}

// Touch restarts the window. Ignored while disarmed.
func (t *IdleTimer) Touch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed {
		return
	}
	t.scheduleLocked()
}

// Disarm cancels any live window.
func (t *IdleTimer) Disarm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armed = false
	t.stopLocked()
}

// Armed reports the current state.
func (t *IdleTimer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// Live returns the number of timers that can still fire; never more than one.
func (t *IdleTimer) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil {
		return 0
	}
	return 1
}

func (t *IdleTimer) scheduleLocked() {
	t.stopLocked()
	gen := t.gen
	t.timer = t.clock.AfterFunc(t.window, func() { t.fire(gen) })
}

func (t *IdleTimer) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

// fire runs on the clock's goroutine. A callback from a stopped or replaced
// timer carries an old generation and is dropped.
func (t *IdleTimer) fire(gen uint64) {
	t.mu.Lock()
	if !t.armed || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.armed = false
	t.timer = nil
	t.gen++
	cb := t.onIdle
	t.mu.Unlock()

	if cb != nil {
		cb()
	}
}
