// Package session holds the client-side view of "who is logged in".
//
// A Store consumes the identity provider's ordered event stream on a single
// goroutine and exposes the reconciled AuthState to the rest of the runtime.
package session

import "time"

// Status is the coarse authentication state of the client.
type Status int

const (
	StatusLoading Status = iota
	StatusAuthenticated
	StatusUnauthenticated
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusAuthenticated:
		return "authenticated"
	case StatusUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// UserIdentity is the subject plus profile attributes. Treated as an immutable value.
type UserIdentity struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// Session is the provider's description of a live session.
type Session struct {
	ID        string       `json:"id"`
	User      UserIdentity `json:"user"`
	ExpiresAt time.Time    `json:"expires_at"`
	Recovery  bool         `json:"recovery,omitempty"`
}

// AuthState is the reconciled client view. User is nil unless Authenticated.
type AuthState struct {
	Status Status
	User   *UserIdentity
}

// Authenticated reports whether the state carries a signed-in user.
func (a AuthState) Authenticated() bool {
	return a.Status == StatusAuthenticated
}

func stateFor(sess *Session) AuthState {
	if sess == nil {
		return AuthState{Status: StatusUnauthenticated}
	}
	user := sess.User
	return AuthState{Status: StatusAuthenticated, User: &user}
}
