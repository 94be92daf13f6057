package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/isp-console/internal/session"
)

// SessionRecord is the server-side trace of an issued session token.
type SessionRecord struct {
	SessionID   string    `json:"session_id"`
	SubjectID   string    `json:"subject_id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	Recovery    bool      `json:"recovery,omitempty"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Session converts the record into the client-facing description.
func (r SessionRecord) Session() *session.Session {
	return &session.Session{
		ID: r.SessionID,
		User: session.UserIdentity{
			ID:          r.SubjectID,
			Email:       r.Email,
			DisplayName: r.DisplayName,
		},
		ExpiresAt: r.ExpiresAt,
		Recovery:  r.Recovery,
	}
}

// SessionRegistry tracks live sessions and pending recovery codes.
type SessionRegistry interface {
	Put(ctx context.Context, rec SessionRecord) error
	// Get returns nil without error when the session is unknown or lapsed.
	Get(ctx context.Context, sessionID string) (*SessionRecord, error)
	Delete(ctx context.Context, sessionID string) error
	PutRecoveryCode(ctx context.Context, code, accountID string, ttl time.Duration) error
	// ConsumeRecoveryCode returns the account id once; "" when unknown or used.
	ConsumeRecoveryCode(ctx context.Context, code string) (string, error)
}

// RedisRegistry is a SessionRegistry backed by expiring Redis keys.
type RedisRegistry struct {
	client         *redis.Client
	sessionPrefix  string
	recoveryPrefix string
	now            func() time.Time
}

// NewRedisRegistry creates a Redis-backed registry.
func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{
		client:         client,
		sessionPrefix:  "session:",
		recoveryPrefix: "recovery:",
		now:            time.Now,
	}
}

func (r *RedisRegistry) sessionKey(id string) string { return r.sessionPrefix + id }
func (r *RedisRegistry) recoveryKey(c string) string { return r.recoveryPrefix + c }

func (r *RedisRegistry) Put(ctx context.Context, rec SessionRecord) error {
	if rec.SessionID == "" || rec.SubjectID == "" {
		return fmt.Errorf("registry: missing session_id or subject_id")
	}

	ttl := rec.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return fmt.Errorf("registry: expires_at must be in the future")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: marshal session: %w", err)
	}
	return r.client.Set(ctx, r.sessionKey(rec.SessionID), data, ttl).Err()
}

func (r *RedisRegistry) Get(ctx context.Context, sessionID string) (*SessionRecord, error) {
	val, err := r.client.Get(ctx, r.sessionKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec SessionRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("registry: unmarshal session: %w", err)
	}
	return &rec, nil
}

// Delete is idempotent.
func (r *RedisRegistry) Delete(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, r.sessionKey(sessionID)).Err()
}

func (r *RedisRegistry) PutRecoveryCode(ctx context.Context, code, accountID string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("registry: recovery ttl must be positive")
	}
	return r.client.Set(ctx, r.recoveryKey(code), accountID, ttl).Err()
}

func (r *RedisRegistry) ConsumeRecoveryCode(ctx context.Context, code string) (string, error) {
	accountID, err := r.client.GetDel(ctx, r.recoveryKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return accountID, err
}
