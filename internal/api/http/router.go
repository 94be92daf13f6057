package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/isp-console/internal/api/http/handlers"
	"github.com/spec-kit/isp-console/internal/gate"
)

// AppConfig is the fiber configuration the console serves with. Routing is
// case-sensitive so a path the gate treats as protected cannot reach a
// handler under a different spelling.
func AppConfig(name string) fiber.Config {
	return fiber.Config{
		AppName:               name,
		CaseSensitive:         true,
		DisableStartupMessage: true,
	}
}

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health  *handlers.HealthHandler
	Auth    *handlers.AuthHandler
	Console *handlers.ConsoleHandler
	Gate    *gate.Gate
	Zones   []gate.Zone
}

// RegisterRoutes wires HTTP routes. The gate runs in front of everything and
// decides for itself which paths it protects.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Use(cfg.Gate.Handler())

	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)
	app.Get("/health/metrics", cfg.Health.Metrics)

	authGroup := app.Group("/api/auth")
	authGroup.Post("/login", cfg.Auth.Login)
	authGroup.Post("/logout", cfg.Auth.Logout)
	authGroup.Post("/refresh", cfg.Auth.Refresh)
	authGroup.Post("/recovery", cfg.Auth.BeginRecovery)
	authGroup.Post("/recovery/verify", cfg.Auth.CompleteRecovery)
	authGroup.Post("/password", cfg.Auth.UpdatePassword)
	authGroup.Get("/session", cfg.Auth.Session)
	authGroup.Get("/events", cfg.Auth.Events)

	for _, zone := range cfg.Zones {
		app.Get(zone.Prefix, cfg.Console.Page)
		app.Get(zone.Prefix+"/*", cfg.Console.Page)
	}
}
