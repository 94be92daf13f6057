package session

import (
	"context"
	"errors"
	"fmt"
)

// Credentials are exchanged for a session by the identity provider.
type Credentials struct {
	ID     string
	Secret string
}

// IdentityProvider is the external collaborator issuing and invalidating sessions.
// Implementations must honor context deadlines on every call.
type IdentityProvider interface {
	ExchangeCredentials(ctx context.Context, creds Credentials) (*Session, error)
	InvalidateSession(ctx context.Context) error
	// Subscribe opens the ordered event stream. The returned func releases it.
	Subscribe() (<-chan Event, func(), error)
	// CurrentSession is the cold-start read; nil without error means signed out.
	CurrentSession(ctx context.Context) (*Session, error)
}

// Navigator moves the client to another location.
type Navigator interface {
	Navigate(target string)
}

// NavigatorFunc adapts a plain function to Navigator.
type NavigatorFunc func(target string)

// Navigate calls f(target).
func (f NavigatorFunc) Navigate(target string) { f(target) }

var (
	// ErrInvalidCredentials is returned by providers for unknown accounts or wrong secrets.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrEmailNotConfirmed is returned by providers for accounts that never confirmed their email.
	ErrEmailNotConfirmed = errors.New("email not confirmed")

	// ErrCredentialRejected marks login failures the user can act on.
	ErrCredentialRejected = errors.New("credential rejected")
	// ErrIdentityProviderUnavailable marks failed or timed out provider calls.
	ErrIdentityProviderUnavailable = errors.New("identity provider unavailable")
	// ErrStoreClosed is returned when starting a store after Close.
	ErrStoreClosed = errors.New("session store closed")
)

// RejectReason says why a login attempt was refused.
type RejectReason string

const (
	ReasonMissingCredentials RejectReason = "missing_credentials"
	ReasonInvalidCredentials RejectReason = "invalid_credentials"
	ReasonEmailNotConfirmed  RejectReason = "email_not_confirmed"
)

// CredentialError is a recoverable, user-actionable login failure.
type CredentialError struct {
	Reason RejectReason
	Err    error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential rejected (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("credential rejected (%s)", e.Reason)
}

// Is matches ErrCredentialRejected.
func (e *CredentialError) Is(target error) bool {
	return target == ErrCredentialRejected
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

func classifyExchangeError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return &CredentialError{Reason: ReasonInvalidCredentials, Err: err}
	case errors.Is(err, ErrEmailNotConfirmed):
		return &CredentialError{Reason: ReasonEmailNotConfirmed, Err: err}
	default:
		return fmt.Errorf("%w: exchange credentials: %w", ErrIdentityProviderUnavailable, err)
	}
}
