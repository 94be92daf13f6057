package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/spec-kit/isp-console/internal/api/http/handlers"
	"github.com/spec-kit/isp-console/internal/auth"
	"github.com/spec-kit/isp-console/internal/events"
	"github.com/spec-kit/isp-console/internal/gate"
	"github.com/spec-kit/isp-console/internal/identity"
	"github.com/spec-kit/isp-console/internal/identity/identitytest"
	"github.com/spec-kit/isp-console/internal/observability"
)

const testSecret = "router-test-secret"

type testServer struct {
	url      string
	accounts *identitytest.Accounts
	mailer   *identitytest.Mailer
	http     *http.Client
	metrics  *observability.Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	accounts := identitytest.NewAccounts()
	mailer := &identitytest.Mailer{}
	bus := events.NewInMemoryDispatcher()
	metrics := observability.NewMetrics()
	cookie := auth.CookieOptions{Name: "token", Path: "/"}

	svc := identity.NewService(identity.Dependencies{
		Accounts:  accounts,
		Registry:  identity.NewRedisRegistry(rdb),
		Publisher: bus,
		Mailer:    mailer,
	}, identity.Options{
		Tokens:      auth.NewTokenManager(testSecret, time.Hour),
		BcryptCost:  bcrypt.MinCost,
		RecoveryTTL: 10 * time.Minute,
	}, nil)

	zones := []gate.Zone{{Prefix: "/admin", LoginPath: "/admin/login"}}
	g := gate.New([]byte(testSecret), gate.Options{
		Zones:       zones,
		PublicPaths: []string{"/admin/login", "/admin/forgot-password", "/admin/update-password", "/api/auth"},
		Cookie:      cookie,
	}, nil, metrics)

	authHandler := handlers.NewAuthHandler(svc, bus, handlers.AuthOptions{Cookie: cookie, Heartbeat: 50 * time.Millisecond}, nil)

	app := fiber.New(AppConfig("isp-console"))
	RegisterMiddlewares(app, zap.NewNop(), metrics, 5*time.Second)
	RegisterRoutes(app, RouteConfig{
		Health:  handlers.NewHealthHandler("isp-console", "test", metrics, handlers.Dependency{Name: "redis", Pinger: redisPinger{rdb}}),
		Auth:    authHandler,
		Console: handlers.NewConsoleHandler(),
		Gate:    g,
		Zones:   zones,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() {
		authHandler.Close()
		_ = app.ShutdownWithTimeout(2 * time.Second)
	})

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &testServer{
		url:      "http://" + ln.Addr().String(),
		accounts: accounts,
		mailer:   mailer,
		metrics:  metrics,
		http: &http.Client{
			Jar:     jar,
			Timeout: 5 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

func (s *testServer) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.url+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.http.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp, decoded
}

func (s *testServer) login(t *testing.T, email, password string) {
	t.Helper()
	resp, _ := s.do(t, http.MethodPost, "/api/auth/login", map[string]string{"email": email, "password": password})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func sessionOf(body map[string]any) map[string]any {
	data, _ := body["data"].(map[string]any)
	sess, _ := data["session"].(map[string]any)
	return sess
}

func TestLoginSetsCookieAndOpensGate(t *testing.T) {
	s := newTestServer(t)
	s.accounts.Add("acct-1", "noc@isp.example", "s3cret-pass", true)

	resp, _ := s.do(t, http.MethodGet, "/admin/dashboard", nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/admin/login?redirect_url=/admin/dashboard", resp.Header.Get("Location"))

	resp, body := s.do(t, http.MethodPost, "/api/auth/login", map[string]string{"email": "noc@isp.example", "password": "s3cret-pass"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sess := sessionOf(body)
	require.NotNil(t, sess)
	assert.NotEmpty(t, sess["id"])

	var sessionCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "token" {
			sessionCookie = c
		}
	}
	require.NotNil(t, sessionCookie)
	assert.True(t, sessionCookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, sessionCookie.SameSite)

	resp, body = s.do(t, http.MethodGet, "/admin/dashboard", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, "/admin/dashboard", data["path"])
	assert.Equal(t, "noc@isp.example", data["user"].(map[string]any)["email"])
}

func TestCaseVariantPathsStayBehindGate(t *testing.T) {
	s := newTestServer(t)
	s.accounts.Add("acct-1", "noc@isp.example", "s3cret-pass", true)

	for _, path := range []string{"/ADMIN/dashboard", "/Admin/settings", "/aDmIn"} {
		resp, body := s.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusFound, resp.StatusCode, path)
		assert.Equal(t, "/admin/login?redirect_url="+path, resp.Header.Get("Location"))
		assert.Nil(t, body["data"], path)
	}

	resp, _ := s.do(t, http.MethodGet, "/Admin/Login", nil)
	assert.NotEqual(t, http.StatusFound, resp.StatusCode, "login screen is public in any case")

	s.login(t, "noc@isp.example", "s3cret-pass")
	resp, _ = s.do(t, http.MethodGet, "/ADMIN/dashboard", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = s.do(t, http.MethodGet, "/admin/dashboard", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRedirectCarriesQueryString(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, http.MethodGet, "/admin/reports?from=2024-01-01", nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/admin/login?redirect_url=/admin/reports%3Ffrom%3D2024-01-01", resp.Header.Get("Location"))
}

func TestLoginRejections(t *testing.T) {
	s := newTestServer(t)
	s.accounts.Add("acct-1", "noc@isp.example", "s3cret-pass", true)
	s.accounts.Add("acct-2", "new@isp.example", "s3cret-pass", false)

	resp, body := s.do(t, http.MethodPost, "/api/auth/login", map[string]string{"email": "noc@isp.example"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(body))

	resp, body = s.do(t, http.MethodPost, "/api/auth/login", map[string]string{"email": "noc@isp.example", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "CREDENTIAL_REJECTED", errorCode(body))
	assert.Equal(t, "invalid_credentials", body["error"].(map[string]any)["details"].(map[string]any)["reason"])

	resp, body = s.do(t, http.MethodPost, "/api/auth/login", map[string]string{"email": "new@isp.example", "password": "s3cret-pass"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "email_not_confirmed", body["error"].(map[string]any)["details"].(map[string]any)["reason"])
}

func TestSessionEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.accounts.Add("acct-1", "noc@isp.example", "s3cret-pass", true)

	resp, body := s.do(t, http.MethodGet, "/api/auth/session", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, sessionOf(body))

	s.login(t, "noc@isp.example", "s3cret-pass")
	_, body = s.do(t, http.MethodGet, "/api/auth/session", nil)
	require.NotNil(t, sessionOf(body))
	assert.Equal(t, "acct-1", sessionOf(body)["user"].(map[string]any)["id"])
}

func TestLogoutRevokesSession(t *testing.T) {
	s := newTestServer(t)
	s.accounts.Add("acct-1", "noc@isp.example", "s3cret-pass", true)
	s.login(t, "noc@isp.example", "s3cret-pass")

	resp, _ := s.do(t, http.MethodPost, "/api/auth/logout", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, body := s.do(t, http.MethodGet, "/api/auth/session", nil)
	assert.Nil(t, sessionOf(body))

	resp, _ = s.do(t, http.MethodGet, "/admin/dashboard", nil)
	assert.Equal(t, http.StatusFound, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/api/auth/logout", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestRefreshRequiresSession(t *testing.T) {
	s := newTestServer(t)
	s.accounts.Add("acct-1", "noc@isp.example", "s3cret-pass", true)

	resp, body := s.do(t, http.MethodPost, "/api/auth/refresh", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", errorCode(body))

	s.login(t, "noc@isp.example", "s3cret-pass")
	resp, body = s.do(t, http.MethodPost, "/api/auth/refresh", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, sessionOf(body))
}

func TestRecoveryEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.accounts.Add("acct-1", "noc@isp.example", "old-password", true)

	resp, _ := s.do(t, http.MethodPost, "/api/auth/recovery", map[string]string{"email": "noc@isp.example"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	code := s.mailer.Code("noc@isp.example")
	require.NotEmpty(t, code)

	resp, body := s.do(t, http.MethodPost, "/api/auth/recovery/verify", map[string]string{"code": "bogus"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "CREDENTIAL_REJECTED", errorCode(body))

	resp, body = s.do(t, http.MethodPost, "/api/auth/recovery/verify", map[string]string{"code": code})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, sessionOf(body)["recovery"])

	resp, _ = s.do(t, http.MethodPost, "/api/auth/password", map[string]string{"password": "short"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/api/auth/password", map[string]string{"password": "a-much-better-one"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	s.login(t, "noc@isp.example", "a-much-better-one")
}

type sseFrame struct {
	event string
	data  string
}

func readFrame(t *testing.T, r *bufio.Reader) (sseFrame, error) {
	t.Helper()
	var f sseFrame
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return f, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if f.event != "" {
				return f, nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			f.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEventStream(t *testing.T) {
	s := newTestServer(t)
	s.accounts.Add("acct-1", "noc@isp.example", "s3cret-pass", true)
	s.login(t, "noc@isp.example", "s3cret-pass")

	req, err := http.NewRequest(http.MethodGet, s.url+"/api/auth/events", nil)
	require.NoError(t, err)
	resp, err := s.http.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	first, err := readFrame(t, reader)
	require.NoError(t, err)
	assert.Equal(t, "initial_session", first.event)
	assert.Contains(t, first.data, "noc@isp.example")

	_, _ = s.do(t, http.MethodPost, "/api/auth/refresh", nil)
	next, err := readFrame(t, reader)
	require.NoError(t, err)
	assert.Equal(t, "token_refreshed", next.event)

	logoutResp, _ := s.do(t, http.MethodPost, "/api/auth/logout", nil)
	require.Equal(t, http.StatusNoContent, logoutResp.StatusCode)
	last, err := readFrame(t, reader)
	require.NoError(t, err)
	assert.Equal(t, "signed_out", last.event)
	assert.Equal(t, "null", last.data)

	_, err = readFrame(t, reader)
	assert.Error(t, err, "stream ends after sign out")
}

func TestEventStreamSignedOut(t *testing.T) {
	s := newTestServer(t)

	resp, err := s.http.Get(s.url + "/api/auth/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	first, err := readFrame(t, bufio.NewReader(resp.Body))
	require.NoError(t, err)
	assert.Equal(t, "initial_session", first.event)
	assert.Equal(t, "null", first.data)
}

func TestHealthAndErrors(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, http.MethodGet, "/health/live", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alive", body["status"])

	resp, body = s.do(t, http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["dependencies"].(map[string]any)["redis"])

	resp, body = s.do(t, http.MethodGet, "/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(body))

	_, _ = s.do(t, http.MethodGet, "/admin/reports", nil)
	snap := s.metrics.Snapshot()
	assert.Equal(t, int64(1), snap.GateDecisions["redirect_to_login|missing"])
}
