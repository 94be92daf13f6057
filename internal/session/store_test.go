package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu            sync.Mutex
	events        chan Event
	unsubscribed  int
	subscribeErr  error
	current       *Session
	currentErr    error
	currentDelay  time.Duration
	exchangeErr   error
	exchanged     []Credentials
	invalidateErr error
	invalidated   int
	block         chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{events: make(chan Event, 16)}
}

func (f *fakeProvider) ExchangeCredentials(ctx context.Context, creds Credentials) (*Session, error) {
	f.mu.Lock()
	f.exchanged = append(f.exchanged, creds)
	block, err := f.block, f.exchangeErr
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return testSession("sess-1"), nil
}

func (f *fakeProvider) InvalidateSession(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
	return f.invalidateErr
}

func (f *fakeProvider) Subscribe() (<-chan Event, func(), error) {
	if f.subscribeErr != nil {
		return nil, nil, f.subscribeErr
	}
	return f.events, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubscribed++
	}, nil
}

func (f *fakeProvider) CurrentSession(ctx context.Context) (*Session, error) {
	if f.currentDelay > 0 {
		select {
		case <-time.After(f.currentDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.current, f.currentErr
}

func (f *fakeProvider) unsubscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribed
}

type recordingNavigator struct {
	mu      sync.Mutex
	targets []string
}

func (n *recordingNavigator) Navigate(target string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.targets = append(n.targets, target)
}

func (n *recordingNavigator) Targets() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.targets...)
}

func testSession(id string) *Session {
	return &Session{
		ID:        id,
		User:      UserIdentity{ID: "user-1", Email: "noc@example.net", DisplayName: "NOC"},
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func startStore(t *testing.T, p *fakeProvider, timeout time.Duration) (*Store, *recordingNavigator) {
	t.Helper()
	nav := &recordingNavigator{}
	store := NewStore(p, nav, nil, Options{ProviderTimeout: timeout})
	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(store.Close)
	return store, nav
}

func waitStatus(t *testing.T, store *Store, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return store.State().Status == want
	}, time.Second, 5*time.Millisecond, "status never became %s", want)
}

func TestStoreStartsLoading(t *testing.T) {
	store := NewStore(newFakeProvider(), &recordingNavigator{}, nil, Options{})
	assert.Equal(t, StatusLoading, store.State().Status)
	assert.Nil(t, store.State().User)
}

func TestSignedInEventAuthenticates(t *testing.T) {
	p := newFakeProvider()
	p.currentDelay = time.Hour
	store, _ := startStore(t, p, 2*time.Second)

	p.events <- SignedIn{Session: testSession("sess-1")}
	waitStatus(t, store, StatusAuthenticated)

	st := store.State()
	require.NotNil(t, st.User)
	assert.Equal(t, "noc@example.net", st.User.Email)
}

func TestEventsApplyInOrder(t *testing.T) {
	p := newFakeProvider()
	p.currentDelay = time.Hour
	store, _ := startStore(t, p, 2*time.Second)

	refreshed := testSession("sess-1")
	refreshed.User.DisplayName = "NOC Refreshed"

	p.events <- InitialSession{Session: nil}
	p.events <- SignedIn{Session: testSession("sess-1")}
	p.events <- TokenRefreshed{Session: refreshed}

	require.Eventually(t, func() bool {
		st := store.State()
		return st.User != nil && st.User.DisplayName == "NOC Refreshed"
	}, time.Second, 5*time.Millisecond)
}

func TestLeavesLoadingExactlyOnce(t *testing.T) {
	p := newFakeProvider()
	p.currentDelay = time.Hour
	store, _ := startStore(t, p, 2*time.Second)

	states, cancel := store.Watch()
	defer cancel()

	first := <-states
	assert.Equal(t, StatusLoading, first.Status)

	p.events <- InitialSession{}
	p.events <- SignedIn{Session: testSession("a")}
	p.events <- SignedOut{}
	p.events <- RecoveryModeEntered{Session: testSession("b")}
	p.events <- SignedOut{}

	<-store.Ready()
	deadline := time.After(300 * time.Millisecond)
	for {
		select {
		case st := <-states:
			assert.NotEqual(t, StatusLoading, st.Status)
		case <-deadline:
			assert.Equal(t, StatusUnauthenticated, store.State().Status)
			return
		}
	}
}

func TestColdStartResolvesWhenNoEventArrives(t *testing.T) {
	p := newFakeProvider()
	p.current = testSession("cold")
	store, _ := startStore(t, p, time.Second)

	waitStatus(t, store, StatusAuthenticated)
}

func TestColdStartNeverOverridesLiveEvent(t *testing.T) {
	p := newFakeProvider()
	p.current = testSession("stale")
	p.currentDelay = 50 * time.Millisecond
	p.events <- SignedOut{}
	store, _ := startStore(t, p, time.Second)

	waitStatus(t, store, StatusUnauthenticated)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StatusUnauthenticated, store.State().Status)
}

func TestColdStartTimeoutSettlesUnauthenticated(t *testing.T) {
	p := newFakeProvider()
	p.currentDelay = time.Hour
	store, _ := startStore(t, p, 20*time.Millisecond)

	select {
	case <-store.Ready():
	case <-time.After(time.Second):
		t.Fatal("store stayed loading after provider timeout")
	}
	assert.Equal(t, StatusUnauthenticated, store.State().Status)
}

func TestColdStartErrorSettlesUnauthenticated(t *testing.T) {
	p := newFakeProvider()
	p.currentErr = errors.New("connection refused")
	store, _ := startStore(t, p, time.Second)

	waitStatus(t, store, StatusUnauthenticated)
}

func TestSubscribeFailureSettlesUnauthenticated(t *testing.T) {
	p := newFakeProvider()
	p.subscribeErr = errors.New("stream refused")
	store := NewStore(p, &recordingNavigator{}, nil, Options{})

	err := store.Start(context.Background())
	require.ErrorIs(t, err, ErrIdentityProviderUnavailable)
	assert.Equal(t, StatusUnauthenticated, store.State().Status)
}

func TestClosedStreamWhileLoadingSettles(t *testing.T) {
	p := newFakeProvider()
	p.currentDelay = time.Hour
	store, _ := startStore(t, p, 5*time.Second)

	close(p.events)
	waitStatus(t, store, StatusUnauthenticated)
}

func TestLoginDoesNotMutateState(t *testing.T) {
	p := newFakeProvider()
	p.currentDelay = time.Hour
	store, _ := startStore(t, p, time.Second)

	require.NoError(t, store.Login(context.Background(), Credentials{ID: "noc@example.net", Secret: "pw"}))
	assert.Equal(t, StatusLoading, store.State().Status, "only the provider event may change state")

	p.events <- SignedIn{Session: testSession("sess-1")}
	waitStatus(t, store, StatusAuthenticated)
}

func TestLoginRejectsBlankCredentialsWithoutCallingProvider(t *testing.T) {
	p := newFakeProvider()
	store := NewStore(p, &recordingNavigator{}, nil, Options{})

	err := store.Login(context.Background(), Credentials{ID: "  ", Secret: "x"})
	require.ErrorIs(t, err, ErrCredentialRejected)

	var cerr *CredentialError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, ReasonMissingCredentials, cerr.Reason)
	assert.Empty(t, p.exchanged)
}

func TestLoginClassifiesProviderErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		reason RejectReason
	}{
		{"invalid", ErrInvalidCredentials, ReasonInvalidCredentials},
		{"unconfirmed", ErrEmailNotConfirmed, ReasonEmailNotConfirmed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newFakeProvider()
			p.exchangeErr = tc.err
			store := NewStore(p, &recordingNavigator{}, nil, Options{})

			err := store.Login(context.Background(), Credentials{ID: "a", Secret: "b"})
			var cerr *CredentialError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tc.reason, cerr.Reason)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestLoginTimeoutIsProviderUnavailable(t *testing.T) {
	p := newFakeProvider()
	p.block = make(chan struct{})
	store := NewStore(p, &recordingNavigator{}, nil, Options{ProviderTimeout: 20 * time.Millisecond})

	err := store.Login(context.Background(), Credentials{ID: "a", Secret: "b"})
	require.ErrorIs(t, err, ErrIdentityProviderUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrCredentialRejected)
}

func TestLogoutNavigatesEvenWhenInvalidationFails(t *testing.T) {
	p := newFakeProvider()
	p.invalidateErr = errors.New("503")
	p.currentDelay = time.Hour
	store, nav := startStore(t, p, time.Second)

	p.events <- SignedIn{Session: testSession("sess-1")}
	waitStatus(t, store, StatusAuthenticated)

	err := store.Logout(context.Background(), "/admin/login")
	require.ErrorIs(t, err, ErrIdentityProviderUnavailable)
	assert.Equal(t, []string{"/admin/login"}, nav.Targets())
	assert.Equal(t, StatusUnauthenticated, store.State().Status, "signed out locally before navigation")
}

func TestLogoutSuccess(t *testing.T) {
	p := newFakeProvider()
	p.current = testSession("sess-1")
	store, nav := startStore(t, p, time.Second)
	waitStatus(t, store, StatusAuthenticated)

	require.NoError(t, store.Logout(context.Background(), "/admin/login?reason=inactive"))
	assert.Equal(t, 1, p.invalidated)
	assert.Equal(t, []string{"/admin/login?reason=inactive"}, nav.Targets())
	assert.Equal(t, StatusUnauthenticated, store.State().Status)
}

func TestLogoutBeforeStartStillNavigates(t *testing.T) {
	p := newFakeProvider()
	nav := &recordingNavigator{}
	store := NewStore(p, nav, nil, Options{})

	require.NoError(t, store.Logout(context.Background(), "/admin/login"))
	assert.Equal(t, []string{"/admin/login"}, nav.Targets())
}

func TestCloseUnsubscribesOnceAndClosesWatchers(t *testing.T) {
	p := newFakeProvider()
	p.currentDelay = time.Hour
	store, _ := startStore(t, p, time.Second)
	states, _ := store.Watch()

	store.Close()
	store.Close()

	assert.Equal(t, 1, p.unsubscribeCount())
	for range states {
	}
	require.ErrorIs(t, store.Start(context.Background()), ErrStoreClosed)
}

func TestWatchIsLatestWins(t *testing.T) {
	p := newFakeProvider()
	p.currentDelay = time.Hour
	store, _ := startStore(t, p, time.Second)

	states, cancel := store.Watch()
	defer cancel()
	<-states

	for i := 0; i < 10; i++ {
		p.events <- SignedIn{Session: testSession("a")}
		p.events <- SignedOut{}
	}
	p.events <- SignedIn{Session: testSession("final")}
	waitStatus(t, store, StatusAuthenticated)

	require.Eventually(t, func() bool {
		select {
		case st := <-states:
			return st.Status == StatusAuthenticated && len(states) == 0
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestNewEventRejectsMissingPayload(t *testing.T) {
	_, err := NewEvent(KindSignedIn, nil)
	require.Error(t, err)

	ev, err := NewEvent(KindSignedOut, nil)
	require.NoError(t, err)
	assert.Nil(t, ev.Current())

	_, err = NewEvent("user_updated", nil)
	require.Error(t, err)
}
