package auth

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

// CookieOptions defines how the session cookie is issued and deleted.
type CookieOptions struct {
	Name   string
	Path   string
	Secure bool
}

func (o CookieOptions) normalize() CookieOptions {
	if o.Name == "" {
		o.Name = "token"
	}
	if o.Path == "" {
		o.Path = "/"
	}
	return o
}

// SetSessionCookie writes the signed token as an HTTP-only cookie.
func SetSessionCookie(c *fiber.Ctx, opts CookieOptions, token string, expiresAt time.Time) {
	opts = opts.normalize()
	c.Cookie(&fiber.Cookie{
		Name:     opts.Name,
		Value:    token,
		Path:     opts.Path,
		Expires:  expiresAt,
		HTTPOnly: true,
		Secure:   opts.Secure,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

// ClearSessionCookie instructs the client to drop the session cookie.
func ClearSessionCookie(c *fiber.Ctx, opts CookieOptions) {
	opts = opts.normalize()
	c.Cookie(&fiber.Cookie{
		Name:     opts.Name,
		Value:    "",
		Path:     opts.Path,
		Expires:  time.Unix(0, 0),
		HTTPOnly: true,
		Secure:   opts.Secure,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}

// SessionCookie reads the raw token from the request, empty when absent.
func SessionCookie(c *fiber.Ctx, opts CookieOptions) string {
	return c.Cookies(opts.normalize().Name)
}
