package lifecycle

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualTimer struct {
	clock   *manualClock
	due     time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// manualClock fires timers only when Advance moves past their due time.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, due: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.due.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

// Pending counts timers that were neither stopped nor fired.
func (c *manualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func TestIdleTimerFiresAfterWindow(t *testing.T) {
	clock := newManualClock()
	var fired atomic.Int32
	timer := NewIdleTimer(clock, 30*time.Minute, func() { fired.Add(1) })

	timer.Arm()
	require.True(t, timer.Armed())

	clock.Advance(29 * time.Minute)
	assert.Zero(t, fired.Load())

	clock.Advance(time.Minute)
	assert.Equal(t, int32(1), fired.Load())
	assert.False(t, timer.Armed())
	assert.Zero(t, clock.Pending())
}

func TestIdleTimerFiresOnceThenStaysDisarmed(t *testing.T) {
	clock := newManualClock()
	var fired atomic.Int32
	timer := NewIdleTimer(clock, time.Minute, func() { fired.Add(1) })

	timer.Arm()
	clock.Advance(time.Minute)
	clock.Advance(time.Hour)
	timer.Touch()
	clock.Advance(time.Hour)

	assert.Equal(t, int32(1), fired.Load())
	assert.Zero(t, timer.Live())
}

func TestIdleTimerTouchBurstKeepsOneLiveTimer(t *testing.T) {
	clock := newManualClock()
	var fired atomic.Int32
	timer := NewIdleTimer(clock, 30*time.Minute, func() { fired.Add(1) })
	timer.Arm()

	for i := 0; i < 200; i++ {
		timer.Touch()
	}

	assert.Equal(t, 1, clock.Pending())
	assert.Equal(t, 1, timer.Live())

	clock.Advance(30 * time.Minute)
	assert.Equal(t, int32(1), fired.Load())
}

func TestIdleTimerTouchRestartsWindow(t *testing.T) {
	clock := newManualClock()
	var fired atomic.Int32
	timer := NewIdleTimer(clock, 10*time.Minute, func() { fired.Add(1) })
	timer.Arm()

	clock.Advance(9 * time.Minute)
	timer.Touch()
	clock.Advance(9 * time.Minute)
	assert.Zero(t, fired.Load())

	clock.Advance(time.Minute)
	assert.Equal(t, int32(1), fired.Load())
}

func TestIdleTimerArmTwiceDoesNotReschedule(t *testing.T) {
	clock := newManualClock()
	timer := NewIdleTimer(clock, time.Minute, func() {})

	timer.Arm()
	timer.Arm()

	clock.mu.Lock()
	created := len(clock.timers)
	clock.mu.Unlock()
	assert.Equal(t, 1, created)
}

func TestIdleTimerDisarmCancels(t *testing.T) {
	clock := newManualClock()
	var fired atomic.Int32
	timer := NewIdleTimer(clock, time.Minute, func() { fired.Add(1) })

	timer.Arm()
	timer.Disarm()
	clock.Advance(time.Hour)

	assert.Zero(t, fired.Load())
	assert.Zero(t, clock.Pending())

	timer.Touch()
	assert.Zero(t, clock.Pending(), "touch while disarmed must not schedule")
}

func TestIdleTimerStaleCallbackDropped(t *testing.T) {
	clock := newManualClock()
	var fired atomic.Int32
	timer := NewIdleTimer(clock, time.Minute, func() { fired.Add(1) })
	timer.Arm()

	clock.mu.Lock()
	stale := clock.timers[0]
	clock.mu.Unlock()

	timer.Touch()
	// a callback that raced its own Stop still runs; it must be ignored
	stale.f()
	assert.Zero(t, fired.Load())
	assert.True(t, timer.Armed())
}

func TestIdleTimerDefaults(t *testing.T) {
	timer := NewIdleTimer(nil, 0, nil)
	assert.Equal(t, DefaultIdleWindow, timer.window)
	assert.Equal(t, RealClock, timer.clock)
}

func TestIdleTimerConcurrentTouches(t *testing.T) {
	clock := newManualClock()
	timer := NewIdleTimer(clock, time.Minute, func() {})
	timer.Arm()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				timer.Touch()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, clock.Pending())
}
