package gate

import (
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/isp-console/internal/auth"
	"github.com/spec-kit/isp-console/internal/config"
	"github.com/spec-kit/isp-console/internal/observability"
)

const claimsKey = "gate_claims"

// Outcome is the terminal state of a gate evaluation.
type Outcome string

const (
	OutcomeAllow           Outcome = "allow"
	OutcomeRedirectToLogin Outcome = "redirect_to_login"
)

// Zone is a protected path tree and the login screen that serves it.
type Zone struct {
	Prefix    string
	LoginPath string
}

// Decision is the result of evaluating one request.
type Decision struct {
	Outcome     Outcome
	Gated       bool
	Public      bool
	Location    string
	ClearCookie bool
	Kind        auth.FailureKind
	Claims      *auth.Claims
}

// Options configures a Gate.
type Options struct {
	Zones       []Zone
	PublicPaths []string
	ReturnParam string
	DebugHeader string
	Cookie      auth.CookieOptions
}

// OptionsFromConfig builds gate options from the loaded configuration.
func OptionsFromConfig(cfg config.Config) Options {
	zones := make([]Zone, 0, len(cfg.Gate.Zones))
	for _, z := range cfg.Gate.Zones {
		zones = append(zones, Zone{Prefix: z.Prefix, LoginPath: z.LoginPath})
	}
	return Options{
		Zones:       zones,
		PublicPaths: cfg.Gate.PublicPaths,
		ReturnParam: cfg.Gate.ReturnParam,
		DebugHeader: cfg.Gate.DebugHeader,
		Cookie: auth.CookieOptions{
			Name:   cfg.Auth.CookieName,
			Path:   cfg.Auth.CookiePath,
			Secure: cfg.Auth.CookieSecure,
		},
	}
}

// Gate decides access to protected paths before any handler runs.
// It keeps no per-request state; Decide is safe for concurrent use.
type Gate struct {
	secret  []byte
	opts    Options
	public  Matcher
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// New constructs a gate verifying tokens with secret.
func New(secret []byte, opts Options, logger *zap.Logger, metrics *observability.Metrics) *Gate {
	if opts.ReturnParam == "" {
		opts.ReturnParam = "redirect_url"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		secret:  secret,
		opts:    opts,
		public:  NewMatcher(opts.PublicPaths),
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// IsPublic reports whether path is exempt from gating.
func (g *Gate) IsPublic(path string) bool {
	return g.public.Match(path)
}

// ZoneFor returns the first configured zone covering any reading of path.
// Prefixes compare case-insensitively, matching the router.
func (g *Gate) ZoneFor(path string) (Zone, bool) {
	forms := matchForms(path)
	for _, z := range g.opts.Zones {
		prefix := canonical(z.Prefix)
		for _, form := range forms {
			if UnderPrefix(form, prefix) {
				return z, true
			}
		}
	}
	return Zone{}, false
}

// Decide evaluates a request target and raw cookie value at instant now.
// The target may carry a query string, which is kept in the return URL.
func (g *Gate) Decide(target, token string, now time.Time) Decision {
	zone, gated := g.ZoneFor(target)
	if !gated {
		return Decision{Outcome: OutcomeAllow}
	}
	if g.public.Match(target) {
		return Decision{Outcome: OutcomeAllow, Gated: true, Public: true}
	}

	claims, err := auth.Verify(token, g.secret, now)
	if err == nil {
		return Decision{Outcome: OutcomeAllow, Gated: true, Claims: claims}
	}

	kind := auth.KindOf(err)
	return Decision{
		Outcome:     OutcomeRedirectToLogin,
		Gated:       true,
		Location:    g.loginLocation(zone, target),
		ClearCookie: auth.ShouldClearCookie(kind),
		Kind:        kind,
	}
}

// Handler returns the fiber middleware enforcing Decide.
func (g *Gate) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := auth.SessionCookie(c, g.opts.Cookie)
		d := g.Decide(requestTarget(c), token, g.now())
		if d.Gated {
			g.metrics.RecordGateDecision(string(d.Outcome), string(d.Kind))
		}

		if d.Outcome == OutcomeRedirectToLogin {
			if d.ClearCookie {
				auth.ClearSessionCookie(c, g.opts.Cookie)
			}
			g.logger.Info("gate redirect",
				zap.String("path", c.Path()),
				zap.String("reason", string(d.Kind)),
				zap.Bool("cookie_cleared", d.ClearCookie))
			return c.Redirect(d.Location, fiber.StatusFound)
		}

		if d.Gated && g.opts.DebugHeader != "" {
			c.Set(g.opts.DebugHeader, "true")
		}
		if d.Claims != nil {
			c.Locals(claimsKey, d.Claims)
		}
		return c.Next()
	}
}

// ClaimsFromContext returns the verified claims stored by the gate.
func ClaimsFromContext(c *fiber.Ctx) (*auth.Claims, bool) {
	claims, ok := c.Locals(claimsKey).(*auth.Claims)
	return claims, ok && claims != nil
}

// requestTarget is the routed path plus the raw query string.
func requestTarget(c *fiber.Ctx) string {
	target := c.Path()
	if q := c.Request().URI().QueryString(); len(q) > 0 {
		target += "?" + string(q)
	}
	return target
}

// loginLocation builds the redirect target, carrying the original path and
// query back to the login screen unless the path is the login screen itself.
func (g *Gate) loginLocation(zone Zone, target string) string {
	if i := strings.IndexByte(target, '#'); i >= 0 {
		target = target[:i]
	}
	if canonical(StripQuery(target)) == canonical(zone.LoginPath) {
		return zone.LoginPath
	}
	return zone.LoginPath + "?" + g.opts.ReturnParam + "=" + escapeReturnPath(target)
}

// escapeReturnPath query-escapes path but keeps slashes readable, which RFC 3986 allows in a query.
func escapeReturnPath(path string) string {
	return strings.ReplaceAll(url.QueryEscape(path), "%2F", "/")
}
