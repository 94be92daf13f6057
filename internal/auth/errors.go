package auth

import "errors"

// FailureKind distinguishes why a session token was rejected.
type FailureKind string

const (
	KindNone             FailureKind = ""
	KindMissing          FailureKind = "missing"
	KindMalformed        FailureKind = "malformed"
	KindSignatureInvalid FailureKind = "signature_invalid"
	KindExpired          FailureKind = "expired"
)

var (
	// ErrTokenMissing means no credential was presented at all.
	ErrTokenMissing = errors.New("session token missing")
	// ErrTokenMalformed means the credential could not be decoded or lacks required claims.
	ErrTokenMalformed = errors.New("session token malformed")
	// ErrTokenSignatureInvalid means the credential was not signed with the current secret.
	ErrTokenSignatureInvalid = errors.New("session token signature invalid")
	// ErrTokenExpired means the credential is authentic but past its expiry.
	ErrTokenExpired = errors.New("session token expired")
)

// VerificationError carries the failure kind plus the underlying parser error.
type VerificationError struct {
	Kind FailureKind
	Err  error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return e.sentinel().Error() + ": " + e.Err.Error()
	}
	return e.sentinel().Error()
}

// Is lets errors.Is match the sentinel for the failure kind.
func (e *VerificationError) Is(target error) bool {
	return target == e.sentinel()
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

func (e *VerificationError) sentinel() error {
	switch e.Kind {
	case KindMissing:
		return ErrTokenMissing
	case KindSignatureInvalid:
		return ErrTokenSignatureInvalid
	case KindExpired:
		return ErrTokenExpired
	default:
		return ErrTokenMalformed
	}
}

// KindOf reports the failure kind of a Verify error.
func KindOf(err error) FailureKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrTokenMissing):
		return KindMissing
	case errors.Is(err, ErrTokenSignatureInvalid):
		return KindSignatureInvalid
	case errors.Is(err, ErrTokenExpired):
		return KindExpired
	default:
		return KindMalformed
	}
}

// ShouldClearCookie reports whether a rejected credential should be deleted from the client.
// A missing token leaves nothing to delete.
func ShouldClearCookie(kind FailureKind) bool {
	switch kind {
	case KindMalformed, KindSignatureInvalid, KindExpired:
		return true
	default:
		return false
	}
}

// IsVerificationError reports whether err came from token verification.
func IsVerificationError(err error) bool {
	return errors.Is(err, ErrTokenMissing) ||
		errors.Is(err, ErrTokenMalformed) ||
		errors.Is(err, ErrTokenSignatureInvalid) ||
		errors.Is(err, ErrTokenExpired)
}
