package session

import "fmt"

// EventKind names a session-change event on the wire.
type EventKind string

const (
	KindInitialSession      EventKind = "initial_session"
	KindSignedIn            EventKind = "signed_in"
	KindSignedOut           EventKind = "signed_out"
	KindTokenRefreshed      EventKind = "token_refreshed"
	KindRecoveryModeEntered EventKind = "password_recovery"
)

// Event is the closed set of session-change events emitted by an identity provider.
type Event interface {
	Kind() EventKind
	// Current returns the session the event leaves in place, nil when none.
	Current() *Session
	sessionEvent()
}

// InitialSession is the first event of a stream and carries whatever session already exists.
type InitialSession struct{ Session *Session }

// SignedIn follows a successful credential exchange.
type SignedIn struct{ Session *Session }

// SignedOut follows session invalidation.
type SignedOut struct{}

// TokenRefreshed carries the reissued session.
type TokenRefreshed struct{ Session *Session }

// RecoveryModeEntered carries the short-lived password recovery session.
type RecoveryModeEntered struct{ Session *Session }

func (InitialSession) Kind() EventKind      { return KindInitialSession }
func (SignedIn) Kind() EventKind            { return KindSignedIn }
func (SignedOut) Kind() EventKind           { return KindSignedOut }
func (TokenRefreshed) Kind() EventKind      { return KindTokenRefreshed }
func (RecoveryModeEntered) Kind() EventKind { return KindRecoveryModeEntered }

func (e InitialSession) Current() *Session      { return e.Session }
func (e SignedIn) Current() *Session            { return e.Session }
func (SignedOut) Current() *Session             { return nil }
func (e TokenRefreshed) Current() *Session      { return e.Session }
func (e RecoveryModeEntered) Current() *Session { return e.Session }

func (InitialSession) sessionEvent()      {}
func (SignedIn) sessionEvent()            {}
func (SignedOut) sessionEvent()           {}
func (TokenRefreshed) sessionEvent()      {}
func (RecoveryModeEntered) sessionEvent() {}

// NewEvent rebuilds a typed event from its wire kind and payload.
func NewEvent(kind EventKind, sess *Session) (Event, error) {
	switch kind {
	case KindInitialSession:
		return InitialSession{Session: sess}, nil
	case KindSignedIn:
		if sess == nil {
			return nil, fmt.Errorf("session: %s event without session", kind)
		}
		return SignedIn{Session: sess}, nil
	case KindSignedOut:
		return SignedOut{}, nil
	case KindTokenRefreshed:
		if sess == nil {
			return nil, fmt.Errorf("session: %s event without session", kind)
		}
		return TokenRefreshed{Session: sess}, nil
	case KindRecoveryModeEntered:
		if sess == nil {
			return nil, fmt.Errorf("session: %s event without session", kind)
		}
		return RecoveryModeEntered{Session: sess}, nil
	default:
		return nil, fmt.Errorf("session: unknown event kind %q", kind)
	}
}
