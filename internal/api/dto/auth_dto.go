package dto

import "github.com/spec-kit/isp-console/internal/session"

// LoginRequest payload for credential exchange.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RecoveryRequest starts the forgot-password flow.
type RecoveryRequest struct {
	Email string `json:"email"`
}

// RecoveryVerifyRequest trades the mailed code for a recovery session.
type RecoveryVerifyRequest struct {
	Code string `json:"code"`
}

// PasswordUpdateRequest sets a new password from within a session.
type PasswordUpdateRequest struct {
	Password string `json:"password"`
}

// SessionResponse wraps the caller's session; Session is null when signed out.
type SessionResponse struct {
	Session *session.Session `json:"session"`
}
