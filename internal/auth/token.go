package auth

import (
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// TokenManager handles issuing and validating session tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenManager builds a new manager.
func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenManager{secret: []byte(secret), ttl: ttl}
}

// Claims describes the session token payload.
type Claims struct {
	SessionID   string `json:"sid"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"name,omitempty"`
	Role        string `json:"role,omitempty"`
	Recovery    bool   `json:"recovery,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the subject data embedded in an issued token.
type Identity struct {
	SubjectID   string
	SessionID   string
	Email       string
	DisplayName string
	Role        string
	Recovery    bool
}

// Issue builds and signs a token for the identity, valid for ttl (or the manager default when ttl is zero).
func (tm *TokenManager) Issue(id Identity, now time.Time, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = tm.ttl
	}
	expiresAt := now.Add(ttl)
	claims := &Claims{
		SessionID:   id.SessionID,
		Email:       id.Email,
		DisplayName: id.DisplayName,
		Role:        id.Role,
		Recovery:    id.Recovery,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.SubjectID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(tm.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenString, expiresAt, nil
}

// Verify validates the token against the manager secret and the current time.
func (tm *TokenManager) Verify(tokenStr string) (*Claims, error) {
	return Verify(tokenStr, tm.secret, time.Now())
}

// VerifyAt validates the token against the manager secret at the supplied instant.
func (tm *TokenManager) VerifyAt(tokenStr string, now time.Time) (*Claims, error) {
	return Verify(tokenStr, tm.secret, now)
}

// TTL returns the default token lifetime.
func (tm *TokenManager) TTL() time.Duration {
	return tm.ttl
}

// Verify checks the token signature against secret and its expiry against now.
// It has no side effects; the error always wraps one of the ErrToken* sentinels.
func Verify(tokenStr string, secret []byte, now time.Time) (*Claims, error) {
	if tokenStr == "" {
		return nil, ErrTokenMissing
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)

	parsed, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return nil, classify(err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenMalformed
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: empty subject", ErrTokenMalformed)
	}
	return claims, nil
}

// classify maps jwt parser failures onto the verification taxonomy.
// Ordering matters: an expired token with a bad signature is reported as
// SignatureInvalid because the parser checks the signature first.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrSignatureInvalid):
		return &VerificationError{Kind: KindSignatureInvalid, Err: err}
	case errors.Is(err, jwt.ErrTokenExpired):
		return &VerificationError{Kind: KindExpired, Err: err}
	default:
		return &VerificationError{Kind: KindMalformed, Err: err}
	}
}
