package lifecycle

import (
	"net/url"
	"strings"

	"github.com/spec-kit/isp-console/internal/config"
	"github.com/spec-kit/isp-console/internal/gate"
	"github.com/spec-kit/isp-console/internal/session"
)

// Action is what the client should do for the current location.
type Action string

const (
	ActionAllow               Action = "allow"
	ActionRedirectToLogin     Action = "redirect_to_login"
	ActionRedirectToDashboard Action = "redirect_to_dashboard"
)

// Decision is derived from (path, AuthState) and never cached.
type Decision struct {
	Action Action
	Target string
	// Placeholder asks the UI to render the loading view instead of page content.
	Placeholder bool
}

// Routes describes the protected tree the client lives in.
type Routes struct {
	// Root is the bare protected root, e.g. "/admin".
	Root          string
	LoginPath     string
	DashboardPath string
	// AuthPaths are the auth screens during which the idle timer stays off.
	AuthPaths gate.Matcher
	// PublicPaths are reachable without a session.
	PublicPaths gate.Matcher
	ReturnParam string
}

// DefaultRoutes mirrors the admin console layout.
func DefaultRoutes() Routes {
	return Routes{
		Root:          "/admin",
		LoginPath:     "/admin/login",
		DashboardPath: "/admin/dashboard",
		AuthPaths:     gate.NewMatcher([]string{"/admin/login", "/admin/forgot-password", "/admin/update-password"}),
		PublicPaths:   gate.NewMatcher([]string{"/admin/login", "/admin/forgot-password", "/admin/update-password", "/api/auth"}),
		ReturnParam:   "redirect_url",
	}
}

// RoutesFromConfig derives the console routes from the first gate zone.
// Public paths under that zone double as the auth screens.
func RoutesFromConfig(cfg config.Config) Routes {
	if len(cfg.Gate.Zones) == 0 {
		return DefaultRoutes()
	}
	zone := cfg.Gate.Zones[0]

	var authPaths []string
	for _, p := range cfg.Gate.PublicPaths {
		if gate.UnderPrefix(p, zone.Prefix) {
			authPaths = append(authPaths, p)
		}
	}
	return Routes{
		Root:          zone.Prefix,
		LoginPath:     zone.LoginPath,
		DashboardPath: cfg.Gate.DashboardPath,
		AuthPaths:     gate.NewMatcher(append(authPaths, zone.LoginPath)),
		PublicPaths:   gate.NewMatcher(append(append([]string(nil), cfg.Gate.PublicPaths...), zone.LoginPath)),
		ReturnParam:   cfg.Gate.ReturnParam,
	}
}

// Reconcile handles only what the edge gate cannot see before hydration: the
// loading window, the bare root landing and a signed-in user sitting on login.
// The gate remains the security boundary.
func Reconcile(path string, state session.AuthState, routes Routes) Decision {
	p := gate.StripQuery(path)

	if state.Status == session.StatusLoading {
		return Decision{Action: ActionAllow, Placeholder: true}
	}

	if state.Authenticated() {
		if isBareRoot(p, routes.Root) {
			return Decision{Action: ActionRedirectToDashboard, Target: routes.DashboardPath, Placeholder: true}
		}
		if gate.UnderPrefix(p, routes.LoginPath) {
			return Decision{Action: ActionRedirectToDashboard, Target: returnTarget(path, routes), Placeholder: true}
		}
		return Decision{Action: ActionAllow}
	}

	if gate.UnderPrefix(p, routes.Root) && !routes.PublicPaths.Match(p) {
		target := routes.LoginPath
		if routes.ReturnParam != "" && !isBareRoot(p, routes.Root) {
			back, _, _ := strings.Cut(path, "#")
			target += "?" + routes.ReturnParam + "=" + strings.ReplaceAll(url.QueryEscape(back), "%2F", "/")
		}
		return Decision{Action: ActionRedirectToLogin, Target: target, Placeholder: true}
	}
	return Decision{Action: ActionAllow}
}

// ShouldArm reports whether the idle timer belongs armed for (path, state).
func ShouldArm(path string, state session.AuthState, routes Routes) bool {
	return state.Authenticated() && !routes.AuthPaths.Match(gate.StripQuery(path))
}

// returnTarget honors the login screen's return parameter when it points back
// into the protected tree, and falls back to the dashboard otherwise.
func returnTarget(rawPath string, routes Routes) string {
	u, err := url.Parse(rawPath)
	if err != nil || routes.ReturnParam == "" {
		return routes.DashboardPath
	}
	target := u.Query().Get(routes.ReturnParam)
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
		return routes.DashboardPath
	}
	if !gate.UnderPrefix(target, routes.Root) || isBareRoot(target, routes.Root) || routes.PublicPaths.Match(target) {
		return routes.DashboardPath
	}
	return target
}

func isBareRoot(path, root string) bool {
	return path == root || path == root+"/"
}
