package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"accessgate/internal/metadata"
)

const identityKey = "identity"

// Middleware parses the Authorization header and stores the caller's
// identity in the request locals.
func Middleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing authorization header")
		}
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return fiber.NewError(fiber.StatusUnauthorized, "authorization header must be a bearer token")
		}

		claims, err := ParseAccessToken(secret, tokenString)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid or expired token")
		}

		c.Locals(identityKey, &metadata.Identity{
			PrincipalID: claims.Subject,
			TenantID:    claims.TenantID,
		})
		return c.Next()
	}
}

// IdentityFrom returns the authenticated identity for a request, or nil
// if the middleware did not run.
func IdentityFrom(c *fiber.Ctx) *metadata.Identity {
	identity, _ := c.Locals(identityKey).(*metadata.Identity)
	return identity
}
