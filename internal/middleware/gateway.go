package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/gabrielkendy/agenciabase-sub002/pkg/response"
)

// Identity headers set by the API gateway after it authenticated the caller.
const (
	HeaderOrganizationID = "X-Organization-Id"
	HeaderUserID         = "X-User-Id"
	HeaderUserEmail      = "X-User-Email"
)

// GatewayIdentity reads the caller identity forwarded by the gateway and
// populates Fiber context locals. With required set, requests without an
// organization are rejected.
func GatewayIdentity(required bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		orgID := c.Get(HeaderOrganizationID)
		if orgID == "" && required {
			return response.Unauthorized(c, "Missing organization identity header")
		}

		c.Locals("organizationId", orgID)
		c.Locals("userId", c.Get(HeaderUserID))
		c.Locals("email", c.Get(HeaderUserEmail))

		return c.Next()
	}
}

// GetOrganizationID extracts the organization ID from context
func GetOrganizationID(c *fiber.Ctx) string {
	if orgID, ok := c.Locals("organizationId").(string); ok {
		return orgID
	}
	return ""
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}

func GetUserEmail(c *fiber.Ctx) string {
	if email, ok := c.Locals("email").(string); ok {
		return email
	}
	return ""
}
