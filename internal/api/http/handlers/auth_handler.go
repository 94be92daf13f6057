package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/isp-console/internal/api/dto"
	"github.com/spec-kit/isp-console/internal/auth"
	"github.com/spec-kit/isp-console/internal/events"
	"github.com/spec-kit/isp-console/internal/identity"
	"github.com/spec-kit/isp-console/internal/session"
	apperrors "github.com/spec-kit/isp-console/pkg/util"
)

const (
	defaultHeartbeat = 15 * time.Second
	streamBacklog    = 16
)

var errStreamBacklogged = errors.New("event stream backlogged")

// AuthOptions tunes the auth endpoints.
type AuthOptions struct {
	Cookie auth.CookieOptions
	// Heartbeat is the interval between SSE keep-alive comments.
	Heartbeat time.Duration
}

// AuthHandler exposes the identity provider over HTTP.
type AuthHandler struct {
	svc       *identity.Service
	bus       events.Dispatcher
	cookie    auth.CookieOptions
	heartbeat time.Duration
	logger    *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewAuthHandler constructs handler.
func NewAuthHandler(svc *identity.Service, bus events.Dispatcher, opts AuthOptions, logger *zap.Logger) *AuthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	return &AuthHandler{
		svc:       svc,
		bus:       bus,
		cookie:    opts.Cookie,
		heartbeat: opts.Heartbeat,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Close ends every open event stream so the server can shut down.
func (h *AuthHandler) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Login handles POST /api/auth/login.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req dto.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return apperrors.NewValidationError("email and password required", nil)
	}

	issued, err := h.svc.ExchangeCredentials(c.UserContext(), req.Email, req.Password)
	switch {
	case errors.Is(err, session.ErrInvalidCredentials):
		return apperrors.NewCredentialRejected(string(session.ReasonInvalidCredentials))
	case errors.Is(err, session.ErrEmailNotConfirmed):
		return apperrors.NewCredentialRejected(string(session.ReasonEmailNotConfirmed))
	case err != nil:
		return apperrors.NewServiceUnavailable("identity provider unavailable", err)
	}

	auth.SetSessionCookie(c, h.cookie, issued.Token, issued.Session.ExpiresAt)
	return c.JSON(fiber.Map{"data": dto.SessionResponse{Session: issued.Session}})
}

// Logout handles POST /api/auth/logout. The cookie is dropped even when the
// registry cannot be reached.
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	_, claims, err := h.resolve(c)
	auth.ClearSessionCookie(c, h.cookie)
	if err != nil {
		return err
	}
	if claims != nil {
		if err := h.svc.Invalidate(c.UserContext(), claims); err != nil {
			return apperrors.NewServiceUnavailable("identity provider unavailable", err)
		}
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Refresh handles POST /api/auth/refresh.
func (h *AuthHandler) Refresh(c *fiber.Ctx) error {
	_, claims, err := h.resolve(c)
	if err != nil {
		return err
	}
	if claims == nil {
		return apperrors.NewUnauthorized("no active session")
	}

	issued, err := h.svc.Refresh(c.UserContext(), claims)
	if errors.Is(err, identity.ErrSessionNotFound) {
		auth.ClearSessionCookie(c, h.cookie)
		return apperrors.NewUnauthorized("no active session")
	}
	if err != nil {
		return apperrors.NewServiceUnavailable("identity provider unavailable", err)
	}

	auth.SetSessionCookie(c, h.cookie, issued.Token, issued.Session.ExpiresAt)
	return c.JSON(fiber.Map{"data": dto.SessionResponse{Session: issued.Session}})
}

// BeginRecovery handles POST /api/auth/recovery.
func (h *AuthHandler) BeginRecovery(c *fiber.Ctx) error {
	var req dto.RecoveryRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if strings.TrimSpace(req.Email) == "" {
		return apperrors.NewValidationError("email required", nil)
	}
	if err := h.svc.BeginRecovery(c.UserContext(), req.Email); err != nil {
		return apperrors.NewServiceUnavailable("identity provider unavailable", err)
	}
	return c.SendStatus(fiber.StatusAccepted)
}

// CompleteRecovery handles POST /api/auth/recovery/verify.
func (h *AuthHandler) CompleteRecovery(c *fiber.Ctx) error {
	var req dto.RecoveryVerifyRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.Code == "" {
		return apperrors.NewValidationError("code required", nil)
	}

	issued, err := h.svc.CompleteRecovery(c.UserContext(), req.Code)
	if errors.Is(err, identity.ErrRecoveryCodeInvalid) {
		return apperrors.NewCredentialRejected("recovery_code_invalid")
	}
	if err != nil {
		return apperrors.NewServiceUnavailable("identity provider unavailable", err)
	}

	auth.SetSessionCookie(c, h.cookie, issued.Token, issued.Session.ExpiresAt)
	return c.JSON(fiber.Map{"data": dto.SessionResponse{Session: issued.Session}})
}

// UpdatePassword handles POST /api/auth/password.
func (h *AuthHandler) UpdatePassword(c *fiber.Ctx) error {
	var req dto.PasswordUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	_, claims, err := h.resolve(c)
	if err != nil {
		return err
	}
	if claims == nil {
		return apperrors.NewUnauthorized("no active session")
	}

	err = h.svc.UpdatePassword(c.UserContext(), claims, req.Password)
	switch {
	case errors.Is(err, identity.ErrWeakPassword):
		return apperrors.NewValidationError(err.Error(), nil)
	case errors.Is(err, identity.ErrSessionNotFound):
		return apperrors.NewUnauthorized("no active session")
	case err != nil:
		return apperrors.NewServiceUnavailable("identity provider unavailable", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Session handles GET /api/auth/session.
func (h *AuthHandler) Session(c *fiber.Ctx) error {
	sess, _, err := h.resolve(c)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.SessionResponse{Session: sess}})
}

// Events handles GET /api/auth/events: a Server-Sent Events stream whose first
// frame is initial_session, followed by every change to the caller's session.
func (h *AuthHandler) Events(c *fiber.Ctx) error {
	sess, claims, err := h.resolve(c)
	if err != nil {
		return err
	}

	frames := make(chan events.SessionEvent, streamBacklog)
	unsubscribe := func() {}
	if claims != nil {
		unsubscribe = h.bus.Subscribe(claims.SessionID, func(_ context.Context, ev events.SessionEvent) error {
			select {
			case frames <- ev:
				return nil
			default:
				return errStreamBacklogged
			}
		})
	}
	initial := events.SessionEvent{Kind: session.KindInitialSession, Session: sess}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()
		h.stream(w, initial, frames)
	})
	return nil
}

// stream runs on fasthttp's writer goroutine until the client goes away, the
// session ends or the handler is closed.
func (h *AuthHandler) stream(w *bufio.Writer, initial events.SessionEvent, frames <-chan events.SessionEvent) {
	if err := writeFrame(w, initial); err != nil {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case ev := <-frames:
			if err := writeFrame(w, ev); err != nil {
				h.logger.Debug("event stream client gone", zap.Error(err))
				return
			}
			if ev.Kind == session.KindSignedOut {
				return
			}
		case <-ticker.C:
			if _, err := w.WriteString(": ping\n\n"); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}
}

func writeFrame(w *bufio.Writer, ev events.SessionEvent) error {
	data, err := json.Marshal(ev.Session)
	if err != nil {
		return err
	}
	if ev.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", ev.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
		return err
	}
	return w.Flush()
}

// resolve maps the request cookie onto a live session. A missing cookie is
// simply signed out; an invalid or revoked one is also cleared.
func (h *AuthHandler) resolve(c *fiber.Ctx) (*session.Session, *auth.Claims, error) {
	sess, claims, err := h.svc.Current(c.UserContext(), auth.SessionCookie(c, h.cookie))
	switch {
	case err == nil:
		return sess, claims, nil
	case errors.Is(err, auth.ErrTokenMissing):
		return nil, nil, nil
	case auth.IsVerificationError(err), errors.Is(err, identity.ErrSessionNotFound):
		auth.ClearSessionCookie(c, h.cookie)
		return nil, nil, nil
	default:
		return nil, nil, apperrors.NewServiceUnavailable("session registry unavailable", err)
	}
}
