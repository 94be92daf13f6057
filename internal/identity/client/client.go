// Package client talks to the identity provider's HTTP API on behalf of a
// long-lived console runtime. It implements session.IdentityProvider.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/spec-kit/isp-console/internal/session"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultCookie    = "token"
	defaultRetryWait = 250 * time.Millisecond
	maxRetryWait     = 10 * time.Second
	streamBuffer     = 16
)

var errUnexpectedStatus = errors.New("unexpected status")

// Options tunes a Client.
type Options struct {
	BaseURL string
	// Timeout bounds every request except the event stream.
	Timeout    time.Duration
	CookieName string
	// RetryDelay is the first backoff step when the event stream drops.
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Client is a session.IdentityProvider over HTTP. It keeps the session
// cookie in its own jar, like a browser tab would.
type Client struct {
	base       *url.URL
	jar        *cookiejar.Jar
	calls      *http.Client
	streams    *http.Client
	timeout    time.Duration
	cookieName string
	retryDelay time.Duration
	logger     *zap.Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]*stream
}

// New builds a client for the API at opts.BaseURL.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid identity provider url %q", opts.BaseURL)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.CookieName == "" {
		opts.CookieName = defaultCookie
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryWait
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Client{
		base:       base,
		jar:        jar,
		calls:      &http.Client{Jar: jar},
		streams:    &http.Client{Jar: jar},
		timeout:    opts.Timeout,
		cookieName: opts.CookieName,
		retryDelay: opts.RetryDelay,
		logger:     opts.Logger,
		subs:       make(map[int]*stream),
	}, nil
}

type sessionEnvelope struct {
	Data struct {
		Session *session.Session `json:"session"`
	} `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

// ExchangeCredentials logs in. On success the open streams see SignedIn
// before they reconnect with the new cookie.
func (c *Client) ExchangeCredentials(ctx context.Context, creds session.Credentials) (*session.Session, error) {
	body := map[string]string{"email": creds.ID, "password": creds.Secret}
	resp, err := c.call(ctx, http.MethodPost, "/api/auth/login", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadRequest:
		return nil, session.ErrInvalidCredentials
	case http.StatusUnauthorized:
		return nil, rejection(resp.Body)
	default:
		return nil, statusError(resp)
	}

	var env sessionEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode login response: %w", err)
	}
	if env.Data.Session == nil {
		return nil, errors.New("login response without session")
	}

	c.broadcast(session.SignedIn{Session: env.Data.Session})
	return env.Data.Session, nil
}

// InvalidateSession logs out. The local cookie is dropped even when the call fails.
func (c *Client) InvalidateSession(ctx context.Context) error {
	defer c.broadcast(session.SignedOut{})

	resp, err := c.call(ctx, http.MethodPost, "/api/auth/logout", nil)
	if err != nil {
		c.dropCookie()
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		c.dropCookie()
		return statusError(resp)
	}
	return nil
}

// CurrentSession reads the session behind the stored cookie.
func (c *Client) CurrentSession(ctx context.Context) (*session.Session, error) {
	resp, err := c.call(ctx, http.MethodGet, "/api/auth/session", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var env sessionEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode session response: %w", err)
	}
	return env.Data.Session, nil
}

// Refresh reissues the session cookie. The server announces the result on the stream.
func (c *Client) Refresh(ctx context.Context) (*session.Session, error) {
	resp, err := c.call(ctx, http.MethodPost, "/api/auth/refresh", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var env sessionEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode refresh response: %w", err)
	}
	return env.Data.Session, nil
}

// Subscribe opens an event stream. Events arrive in order on one channel;
// the stream reconnects with backoff until the returned func is called.
func (c *Client) Subscribe() (<-chan session.Event, func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	st := &stream{
		ctx:  ctx,
		out:  make(chan session.Event, streamBuffer),
		kick: make(chan struct{}, 1),
	}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = st
	c.mu.Unlock()

	go func() {
		defer st.close()
		defer func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		}()
		c.follow(st)
	}()

	var once sync.Once
	return st.out, func() { once.Do(cancel) }, nil
}

func (c *Client) call(ctx context.Context, method, path string, body any) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			cancel()
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.calls.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

func (c *Client) dropCookie() {
	c.jar.SetCookies(c.base, []*http.Cookie{{Name: c.cookieName, Value: "", Path: "/", MaxAge: -1}})
}

// broadcast hands a locally known event to every stream and makes them
// reconnect so the server sees the new cookie.
func (c *Client) broadcast(ev session.Event) {
	c.mu.Lock()
	subs := make([]*stream, 0, len(c.subs))
	for _, st := range c.subs {
		subs = append(subs, st)
	}
	c.mu.Unlock()

	for _, st := range subs {
		st.emit(ev)
		st.reconnect()
	}
}

// follow keeps one stream alive. A stream that delivered its initial frame
// and then ended is reopened at once; connection failures back off.
func (c *Client) follow(st *stream) {
	for st.ctx.Err() == nil {
		err := retry.Do(
			func() error { return c.read(st) },
			retry.Context(st.ctx),
			retry.Attempts(0),
			retry.Delay(c.retryDelay),
			retry.MaxDelay(maxRetryWait),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				c.logger.Warn("session event stream unavailable", zap.Uint("attempt", n+1), zap.Error(err))
			}),
		)
		if err != nil && st.ctx.Err() == nil {
			c.logger.Warn("session event stream stopped", zap.Error(err))
		}
	}
}

// read consumes one connection. It returns nil once the connection proved
// healthy, so the next one starts without backoff.
func (c *Client) read(st *stream) error {
	ctx, cancel := context.WithCancel(st.ctx)
	defer cancel()
	go func() {
		select {
		case <-st.kick:
			cancel()
		case <-ctx.Done():
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/auth/events"), nil)
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streams.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	frames := newFrameReader(resp.Body)
	healthy := false
	for {
		f, err := frames.next()
		if err != nil {
			if healthy || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read event stream: %w", err)
		}
		ev, err := f.decode()
		if err != nil {
			c.logger.Warn("dropping undecodable session event", zap.String("event", f.event), zap.Error(err))
			continue
		}
		healthy = true
		if !st.emit(ev) {
			return nil
		}
	}
}

type stream struct {
	ctx  context.Context
	out  chan session.Event
	kick chan struct{}

	mu     sync.Mutex
	closed bool
}

// emit delivers in order; false once the stream is released.
func (s *stream) emit(ev session.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.out <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *stream) reconnect() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	close(s.out)
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func rejection(body io.Reader) error {
	var env errorEnvelope
	if err := json.NewDecoder(body).Decode(&env); err != nil {
		return session.ErrInvalidCredentials
	}
	reason, _ := env.Error.Details["reason"].(string)
	if session.RejectReason(reason) == session.ReasonEmailNotConfirmed {
		return session.ErrEmailNotConfirmed
	}
	return session.ErrInvalidCredentials
}

func statusError(resp *http.Response) error {
	var env errorEnvelope
	_ = json.NewDecoder(resp.Body).Decode(&env)
	if env.Error.Code != "" {
		return fmt.Errorf("%w %d: %s", errUnexpectedStatus, resp.StatusCode, env.Error.Code)
	}
	return fmt.Errorf("%w %d", errUnexpectedStatus, resp.StatusCode)
}
