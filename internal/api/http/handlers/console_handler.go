package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/isp-console/internal/gate"
)

// ConsoleHandler serves placeholder console pages behind the gate.
type ConsoleHandler struct{}

// NewConsoleHandler constructs handler.
func NewConsoleHandler() *ConsoleHandler {
	return &ConsoleHandler{}
}

// Page describes the requested screen and, when the gate verified a token,
// the signed-in operator.
func (h *ConsoleHandler) Page(c *fiber.Ctx) error {
	page := fiber.Map{"path": c.Path()}
	if claims, ok := gate.ClaimsFromContext(c); ok {
		page["user"] = fiber.Map{
			"id":           claims.Subject,
			"email":        claims.Email,
			"display_name": claims.DisplayName,
			"role":         claims.Role,
		}
	}
	return c.JSON(fiber.Map{"data": page})
}
