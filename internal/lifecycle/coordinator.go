package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/spec-kit/isp-console/internal/session"
)

// maxRedirectHops stops a misconfigured route table from bouncing forever.
const maxRedirectHops = 4

// NoticeKind identifies a user-visible message.
type NoticeKind string

const (
	NoticeInactive NoticeKind = "inactive"
)

// Notice is a toast shown to the user.
type Notice struct {
	Kind    NoticeKind
	Message string
}

// Notifier surfaces notices to the user.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notice) { f(n) }

// SessionSource is the part of the session store the coordinator depends on.
type SessionSource interface {
	Watch() (<-chan session.AuthState, func())
	Logout(ctx context.Context, redirectTarget string) error
}

// Config tunes a Coordinator.
type Config struct {
	Routes     Routes
	IdleWindow time.Duration
	Clock      Clock
}

// Coordinator drives the idle timer and client-side redirects from one loop
// fed by state changes, navigations and activity signals.
type Coordinator struct {
	source   SessionSource
	browser  session.Navigator
	notifier Notifier
	logger   *zap.Logger
	routes   Routes
	idle     *IdleTimer

	navCh      chan string
	activityCh chan struct{}
	idleCh     chan struct{}
	expiredCh  chan struct{}
	stopped    chan struct{}
	stopOnce   sync.Once

	mu       sync.RWMutex
	path     string
	state    session.AuthState
	decision Decision
	expiring bool

	wg conc.WaitGroup
}

// NewCoordinator builds a coordinator starting at initialPath. browser performs
// the actual client navigation.
func NewCoordinator(source SessionSource, browser session.Navigator, notifier Notifier, logger *zap.Logger, initialPath string, cfg Config) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = NotifierFunc(func(Notice) {})
	}
	c := &Coordinator{
		source:     source,
		browser:    browser,
		notifier:   notifier,
		logger:     logger,
		routes:     cfg.Routes,
		navCh:      make(chan string, 8),
		activityCh: make(chan struct{}, 1),
		idleCh:     make(chan struct{}, 1),
		expiredCh:  make(chan struct{}, 1),
		stopped:    make(chan struct{}),
		path:       initialPath,
		state:      session.AuthState{Status: session.StatusLoading},
	}
	c.idle = NewIdleTimer(cfg.Clock, cfg.IdleWindow, c.signalIdle)
	return c
}

// Navigate records a client navigation. It implements session.Navigator so the
// store's logout redirect flows through the same loop.
func (c *Coordinator) Navigate(target string) {
	select {
	case c.navCh <- target:
	case <-c.stopped:
	}
}

// Touch reports user activity. Bursts collapse into a single pending signal.
func (c *Coordinator) Touch() {
	select {
	case c.activityCh <- struct{}{}:
	default:
	}
}

// Path returns the current client location.
func (c *Coordinator) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// Decision returns the decision computed for the current location.
func (c *Coordinator) Decision() Decision {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.decision
}

// IdleArmed reports whether an idle window is running.
func (c *Coordinator) IdleArmed() bool {
	return c.idle.Armed()
}

// Run processes signals until ctx is cancelled. The idle timer is always
// disarmed and the state watch released on return.
func (c *Coordinator) Run(ctx context.Context) error {
	states, cancelWatch := c.source.Watch()
	defer func() {
		c.stopOnce.Do(func() { close(c.stopped) })
		cancelWatch()
		c.idle.Disarm()
		c.wg.Wait()
	}()

	// freshest pulls a state that is already waiting so a navigation is never
	// reconciled against a state the store has since replaced.
	freshest := func() {
		if states == nil {
			return
		}
		select {
		case st, ok := <-states:
			if !ok {
				states = nil
				return
			}
			c.setState(st)
		default:
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case st, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			c.setState(st)
			c.reconcile()

		case target := <-c.navCh:
			freshest()
			c.setPath(target)
			c.browser.Navigate(target)
			c.reconcile()
			c.idle.Touch()

		case <-c.activityCh:
			c.idle.Touch()

		case <-c.idleCh:
			c.expire(ctx)

		case <-c.expiredCh:
			freshest()
			c.setExpiring(false)
			c.reconcile()
		}
	}
}

func (c *Coordinator) signalIdle() {
	select {
	case c.idleCh <- struct{}{}:
	default:
	}
}

// expire logs out off-loop so the store's redirect can re-enter through Navigate.
func (c *Coordinator) expire(ctx context.Context) {
	if c.isExpiring() {
		return
	}
	c.setExpiring(true)
	target := c.routes.LoginPath + "?reason=" + string(NoticeInactive)
	c.logger.Info("session idle, logging out", zap.String("redirect", target))

	c.wg.Go(func() {
		if err := c.source.Logout(ctx, target); err != nil {
			c.logger.Warn("idle logout incomplete", zap.Error(err))
		}
		c.notifier.Notify(Notice{
			Kind:    NoticeInactive,
			Message: "You were logged out due to inactivity.",
		})
		select {
		case c.expiredCh <- struct{}{}:
		default:
		}
	})
}

func (c *Coordinator) reconcile() {
	for hop := 0; hop < maxRedirectHops; hop++ {
		c.mu.RLock()
		path, state := c.path, c.state
		c.mu.RUnlock()

		d := Reconcile(path, state, c.routes)
		c.mu.Lock()
		c.decision = d
		c.mu.Unlock()

		if d.Action == ActionAllow || d.Target == path {
			break
		}
		c.logger.Debug("client redirect",
			zap.String("from", path),
			zap.String("to", d.Target),
			zap.String("action", string(d.Action)))
		c.setPath(d.Target)
		c.browser.Navigate(d.Target)
	}
	c.syncIdle()
}

func (c *Coordinator) syncIdle() {
	c.mu.RLock()
	arm := !c.expiring && ShouldArm(c.path, c.state, c.routes)
	c.mu.RUnlock()

	if arm {
		c.idle.Arm()
	} else {
		c.idle.Disarm()
	}
}

func (c *Coordinator) setPath(p string) {
	c.mu.Lock()
	c.path = p
	c.mu.Unlock()
}

func (c *Coordinator) setState(st session.AuthState) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
}

func (c *Coordinator) setExpiring(v bool) {
	c.mu.Lock()
	c.expiring = v
	c.mu.Unlock()
}

func (c *Coordinator) isExpiring() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiring
}
