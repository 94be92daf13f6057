package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultProviderTimeout = 10 * time.Second

// Options tunes a Store.
type Options struct {
	// ProviderTimeout bounds every identity provider call.
	ProviderTimeout time.Duration
}

type coldStart struct {
	session *Session
	err     error
}

type localEvent struct {
	event   Event
	applied chan struct{}
}

// Store is the single source of truth for the client's AuthState.
// Only the event loop started by Start writes the state.
type Store struct {
	provider IdentityProvider
	nav      Navigator
	logger   *zap.Logger
	timeout  time.Duration

	mu    sync.RWMutex
	state AuthState

	watchMu     sync.Mutex
	watchers    map[int]chan AuthState
	nextID      int
	watchClosed bool

	ready     chan struct{}
	readyOnce sync.Once

	local chan localEvent

	lifeMu      sync.Mutex
	started     bool
	closed      bool
	cancel      context.CancelFunc
	unsubscribe func()
	done        chan struct{}
}

// NewStore builds a store in the Loading state. Call Start to begin consuming events.
func NewStore(provider IdentityProvider, nav Navigator, logger *zap.Logger, opts Options) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = defaultProviderTimeout
	}
	return &Store{
		provider: provider,
		nav:      nav,
		logger:   logger,
		timeout:  opts.ProviderTimeout,
		state:    AuthState{Status: StatusLoading},
		watchers: make(map[int]chan AuthState),
		ready:    make(chan struct{}),
		local:    make(chan localEvent, 4),
	}
}

// Start subscribes to the provider and launches the event loop.
// If the subscription cannot be opened the store settles Unauthenticated.
func (s *Store) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if s.started {
		return nil
	}

	events, unsubscribe, err := s.provider.Subscribe()
	if err != nil {
		s.logger.Warn("session subscription failed", zap.Error(err))
		s.apply(nil, "subscribe_failed")
		return fmt.Errorf("%w: subscribe: %w", ErrIdentityProviderUnavailable, err)
	}

	launched := false
	defer func() {
		if !launched {
			unsubscribe()
		}
	}()

	loopCtx, cancel := context.WithCancel(ctx)
	s.started = true
	s.cancel = cancel
	s.unsubscribe = unsubscribe
	s.done = make(chan struct{})

	initial := make(chan coldStart, 1)
	go s.fetchInitial(loopCtx, initial)
	go s.loop(loopCtx, events, initial)
	launched = true
	return nil
}

// State returns the current snapshot.
func (s *Store) State() AuthState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Ready is closed once the state has left Loading.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// Watch delivers the current state and every later one. The channel holds at
// most one value; a slow reader skips intermediate states but always sees the newest.
func (s *Store) Watch() (<-chan AuthState, func()) {
	ch := make(chan AuthState, 1)

	s.watchMu.Lock()
	if s.watchClosed {
		ch <- s.State()
		close(ch)
		s.watchMu.Unlock()
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	ch <- s.State()
	s.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.watchMu.Lock()
			defer s.watchMu.Unlock()
			if _, ok := s.watchers[id]; ok {
				delete(s.watchers, id)
				close(ch)
			}
		})
	}
}

// Login exchanges credentials. It never touches AuthState; the provider's
// resulting event does.
func (s *Store) Login(ctx context.Context, creds Credentials) error {
	if strings.TrimSpace(creds.ID) == "" || creds.Secret == "" {
		return &CredentialError{Reason: ReasonMissingCredentials}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.provider.ExchangeCredentials(ctx, creds); err != nil {
		classified := classifyExchangeError(err)
		s.logger.Info("login failed", zap.Error(classified))
		return classified
	}
	s.logger.Info("login accepted, awaiting session event")
	return nil
}

// Logout invalidates the session and then navigates to redirectTarget whether
// or not invalidation succeeded. The local state is signed out before navigating.
func (s *Store) Logout(ctx context.Context, redirectTarget string) (err error) {
	defer s.nav.Navigate(redirectTarget)

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	invalidateErr := s.provider.InvalidateSession(callCtx)
	cancel()

	if invalidateErr != nil {
		s.logger.Warn("session invalidation failed", zap.Error(invalidateErr))
		err = fmt.Errorf("%w: invalidate session: %w", ErrIdentityProviderUnavailable, invalidateErr)
	}

	s.signOutLocally(ctx)
	return err
}

// Close unsubscribes from the provider and waits for the loop to exit. Safe to call repeatedly.
func (s *Store) Close() {
	s.lifeMu.Lock()
	if s.closed {
		s.lifeMu.Unlock()
		return
	}
	s.closed = true
	cancel, unsubscribe, done := s.cancel, s.unsubscribe, s.done
	s.lifeMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	if done != nil {
		<-done
	}

	s.watchMu.Lock()
	s.watchClosed = true
	for id, ch := range s.watchers {
		delete(s.watchers, id)
		close(ch)
	}
	s.watchMu.Unlock()
}

// signOutLocally routes a SignedOut through the loop so the single-writer rule holds.
func (s *Store) signOutLocally(ctx context.Context) {
	s.lifeMu.Lock()
	running := s.started && !s.closed
	done := s.done
	s.lifeMu.Unlock()
	if !running {
		return
	}

	ev := localEvent{event: SignedOut{}, applied: make(chan struct{})}
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case s.local <- ev:
	case <-done:
		return
	case <-ctx.Done():
		return
	case <-timer.C:
		return
	}

	select {
	case <-ev.applied:
	case <-done:
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (s *Store) fetchInitial(ctx context.Context, out chan<- coldStart) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sess, err := s.provider.CurrentSession(callCtx)
	out <- coldStart{session: sess, err: err}
}

func (s *Store) loop(ctx context.Context, events <-chan Event, initial <-chan coldStart) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				s.logger.Warn("session event stream closed")
				if s.State().Status == StatusLoading {
					s.apply(nil, "stream_closed")
				}
				continue
			}
			if ev == nil {
				continue
			}
			s.apply(ev.Current(), string(ev.Kind()))

		case le := <-s.local:
			s.apply(le.event.Current(), "local_"+string(le.event.Kind()))
			close(le.applied)

		case res := <-initial:
			initial = nil
			if s.State().Status != StatusLoading {
				// a live event already resolved the state and always wins
				continue
			}
			if res.err != nil {
				level := zap.WarnLevel
				if errors.Is(res.err, context.Canceled) {
					level = zap.DebugLevel
				}
				s.logger.Log(level, "initial session fetch failed", zap.Error(res.err))
			}
			s.apply(res.session, "initial_fetch")
		}
	}
}

// apply replaces the state wholesale and notifies watchers. Called only from
// the loop, or from Start before the loop exists.
func (s *Store) apply(sess *Session, source string) {
	next := stateFor(sess)

	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()

	s.readyOnce.Do(func() { close(s.ready) })

	if prev.Status != next.Status {
		s.logger.Info("auth state changed",
			zap.String("from", prev.Status.String()),
			zap.String("to", next.Status.String()),
			zap.String("source", source))
	}

	s.watchMu.Lock()
	for _, ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
	s.watchMu.Unlock()
}
