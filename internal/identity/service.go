// Package identity is the minimal identity provider behind the console: it
// exchanges operator credentials for session tokens, tracks live sessions and
// announces every change on the session event bus.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sethvargo/go-password/password"
	"go.uber.org/zap"

	"github.com/spec-kit/isp-console/internal/auth"
	"github.com/spec-kit/isp-console/internal/domain"
	"github.com/spec-kit/isp-console/internal/events"
	"github.com/spec-kit/isp-console/internal/repository"
	"github.com/spec-kit/isp-console/internal/session"
)

const (
	minPasswordLength = 8
	// recovery codes are alphanumeric so they survive being pasted into a URL
	recoveryCodeLength = 32
	recoveryCodeDigits = 8
)

var (
	// ErrSessionNotFound is returned for tokens whose session was invalidated or lapsed.
	ErrSessionNotFound = errors.New("session not found")
	// ErrRecoveryCodeInvalid is returned for unknown, expired or reused recovery codes.
	ErrRecoveryCodeInvalid = errors.New("recovery code invalid")
	// ErrWeakPassword is returned when a new password is too short.
	ErrWeakPassword = fmt.Errorf("password must be at least %d characters", minPasswordLength)
)

// RecoveryMailer delivers recovery codes to operators.
type RecoveryMailer interface {
	SendRecovery(ctx context.Context, email, code string) error
}

// Issued is a freshly signed token and the session it represents.
type Issued struct {
	Token   string
	Session *session.Session
}

// Dependencies encapsulates collaborators of the service.
type Dependencies struct {
	Accounts  repository.AccountRepository
	Registry  SessionRegistry
	Publisher events.Publisher
	Mailer    RecoveryMailer
}

// Options tunes token issuance.
type Options struct {
	Tokens      *auth.TokenManager
	BcryptCost  int
	RecoveryTTL time.Duration
	Now         func() time.Time
}

// Service coordinates login, logout, refresh and recovery.
type Service struct {
	accounts    repository.AccountRepository
	registry    SessionRegistry
	publisher   events.Publisher
	mailer      RecoveryMailer
	tokens      *auth.TokenManager
	bcryptCost  int
	recoveryTTL time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

// NewService builds the service.
func NewService(deps Dependencies, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RecoveryTTL <= 0 {
		opts.RecoveryTTL = 30 * time.Minute
	}
	mailer := deps.Mailer
	if mailer == nil {
		mailer = discardMailer{}
	}
	return &Service{
		accounts:    deps.Accounts,
		registry:    deps.Registry,
		publisher:   deps.Publisher,
		mailer:      mailer,
		tokens:      opts.Tokens,
		bcryptCost:  opts.BcryptCost,
		recoveryTTL: opts.RecoveryTTL,
		now:         opts.Now,
		logger:      logger,
	}
}

// ExchangeCredentials authenticates an operator and opens a new session.
func (s *Service) ExchangeCredentials(ctx context.Context, email, password string) (*Issued, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, session.ErrInvalidCredentials
	}

	account, err := s.accounts.GetByEmail(ctx, email)
	if errors.Is(err, pgx.ErrNoRows) {
		auth.BurnCompare(password)
		return nil, session.ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("lookup account: %w", err)
	}

	if err := auth.ComparePassword(account.PasswordHash, password); err != nil {
		if !errors.Is(err, auth.ErrPasswordMismatch) {
			s.logger.Error("stored password hash unusable", zap.String("account_id", account.ID), zap.Error(err))
		}
		return nil, session.ErrInvalidCredentials
	}
	if !account.Active() {
		return nil, session.ErrInvalidCredentials
	}
	if !account.EmailConfirmed() {
		return nil, session.ErrEmailNotConfirmed
	}

	issued, err := s.open(ctx, account, false, 0, session.KindSignedIn)
	if err != nil {
		return nil, err
	}
	s.logger.Info("operator signed in", zap.String("account_id", account.ID), zap.String("session_id", issued.Session.ID))
	return issued, nil
}

// Invalidate ends the session named by claims. Ending an unknown session is not an error.
func (s *Service) Invalidate(ctx context.Context, claims *auth.Claims) error {
	if claims == nil || claims.SessionID == "" {
		return nil
	}
	if err := s.registry.Delete(ctx, claims.SessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.publish(ctx, events.NewSessionEvent(session.KindSignedOut, claims.Subject, claims.SessionID, nil, s.now()))
	s.logger.Info("operator signed out", zap.String("account_id", claims.Subject), zap.String("session_id", claims.SessionID))
	return nil
}

// Refresh reissues the token of a live session with a fresh expiry.
func (s *Service) Refresh(ctx context.Context, claims *auth.Claims) (*Issued, error) {
	rec, err := s.live(ctx, claims)
	if err != nil {
		return nil, err
	}

	ttl := s.tokens.TTL()
	if rec.Recovery {
		ttl = s.recoveryTTL
	}
	now := s.now()
	token, expiresAt, err := s.tokens.Issue(identityOf(*rec), now, ttl)
	if err != nil {
		return nil, err
	}
	rec.IssuedAt, rec.ExpiresAt = now, expiresAt
	if err := s.registry.Put(ctx, *rec); err != nil {
		return nil, fmt.Errorf("record session: %w", err)
	}

	sess := rec.Session()
	s.publish(ctx, events.NewSessionEvent(session.KindTokenRefreshed, rec.SubjectID, rec.SessionID, sess, now))
	return &Issued{Token: token, Session: sess}, nil
}

// Current resolves a raw token into its live session. Verification failures
// wrap the auth sentinels; revoked sessions return ErrSessionNotFound.
func (s *Service) Current(ctx context.Context, token string) (*session.Session, *auth.Claims, error) {
	claims, err := s.tokens.VerifyAt(token, s.now())
	if err != nil {
		return nil, nil, err
	}
	rec, err := s.live(ctx, claims)
	if err != nil {
		return nil, nil, err
	}
	return rec.Session(), claims, nil
}

// BeginRecovery mails a one-time recovery code. Unknown emails succeed
// silently so the endpoint cannot be used to enumerate operators.
func (s *Service) BeginRecovery(ctx context.Context, email string) error {
	account, err := s.accounts.GetByEmail(ctx, strings.TrimSpace(email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup account: %w", err)
	}
	if !account.Active() {
		return nil
	}

	code, err := password.Generate(recoveryCodeLength, recoveryCodeDigits, 0, false, true)
	if err != nil {
		return fmt.Errorf("generate recovery code: %w", err)
	}
	if err := s.registry.PutRecoveryCode(ctx, code, account.ID, s.recoveryTTL); err != nil {
		return fmt.Errorf("record recovery code: %w", err)
	}
	if err := s.mailer.SendRecovery(ctx, account.Email, code); err != nil {
		return fmt.Errorf("send recovery code: %w", err)
	}
	s.logger.Info("recovery code issued", zap.String("account_id", account.ID))
	return nil
}

// CompleteRecovery trades a recovery code for a short-lived recovery session.
func (s *Service) CompleteRecovery(ctx context.Context, code string) (*Issued, error) {
	if code == "" {
		return nil, ErrRecoveryCodeInvalid
	}
	accountID, err := s.registry.ConsumeRecoveryCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("consume recovery code: %w", err)
	}
	if accountID == "" {
		return nil, ErrRecoveryCodeInvalid
	}

	account, err := s.accounts.GetByID(ctx, accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecoveryCodeInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("lookup account: %w", err)
	}
	if !account.Active() {
		s.logger.Warn("recovery code used for inactive account", zap.String("account_id", account.ID))
		return nil, ErrRecoveryCodeInvalid
	}
	return s.open(ctx, account, true, s.recoveryTTL, session.KindRecoveryModeEntered)
}

// UpdatePassword replaces the operator's password from within a live session.
func (s *Service) UpdatePassword(ctx context.Context, claims *auth.Claims, newPassword string) error {
	if len(newPassword) < minPasswordLength {
		return ErrWeakPassword
	}
	rec, err := s.live(ctx, claims)
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(newPassword, s.bcryptCost)
	if err != nil {
		return err
	}
	if err := s.accounts.UpdatePassword(ctx, rec.SubjectID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	s.logger.Info("password updated", zap.String("account_id", rec.SubjectID), zap.Bool("recovery", rec.Recovery))
	return nil
}

func (s *Service) open(ctx context.Context, account *domain.Account, recovery bool, ttl time.Duration, kind session.EventKind) (*Issued, error) {
	now := s.now()
	rec := SessionRecord{
		SessionID:   uuid.NewString(),
		SubjectID:   account.ID,
		Email:       account.Email,
		DisplayName: account.DisplayName,
		Role:        string(account.Role),
		Recovery:    recovery,
		IssuedAt:    now,
	}

	token, expiresAt, err := s.tokens.Issue(identityOf(rec), now, ttl)
	if err != nil {
		return nil, err
	}
	rec.ExpiresAt = expiresAt
	if err := s.registry.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("record session: %w", err)
	}

	sess := rec.Session()
	s.publish(ctx, events.NewSessionEvent(kind, rec.SubjectID, rec.SessionID, sess, now))
	return &Issued{Token: token, Session: sess}, nil
}

func (s *Service) live(ctx context.Context, claims *auth.Claims) (*SessionRecord, error) {
	if claims == nil || claims.SessionID == "" {
		return nil, ErrSessionNotFound
	}
	rec, err := s.registry.Get(ctx, claims.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if rec == nil || rec.SubjectID != claims.Subject {
		return nil, ErrSessionNotFound
	}
	return rec, nil
}

// publish logs delivery failures instead of returning them; the token is already issued.
func (s *Service) publish(ctx context.Context, ev events.SessionEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("session event not delivered",
			zap.String("kind", string(ev.Kind)),
			zap.String("session_id", ev.SessionID),
			zap.Error(err))
	}
}

func identityOf(rec SessionRecord) auth.Identity {
	return auth.Identity{
		SubjectID:   rec.SubjectID,
		SessionID:   rec.SessionID,
		Email:       rec.Email,
		DisplayName: rec.DisplayName,
		Role:        rec.Role,
		Recovery:    rec.Recovery,
	}
}

type discardMailer struct{}

func (discardMailer) SendRecovery(context.Context, string, string) error { return nil }
