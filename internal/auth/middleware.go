package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// LocalDriverID is the fiber locals key holding the authenticated driver.
const LocalDriverID = "driver_id"

// JWTMiddleware validates bearer tokens and stores driver_id in locals.
func JWTMiddleware(secret string) fiber.Handler {
	secretBytes := []byte(secret)
	return func(c *fiber.Ctx) error {
		token := bearerFromHeader(c.Get("Authorization"))
		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
		}
		claims, err := parseToken(secretBytes, token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		}
		c.Locals(LocalDriverID, claims.DriverID)
		return c.Next()
	}
}

// DriverID returns the driver bound by JWTMiddleware, or "".
func DriverID(c *fiber.Ctx) string {
	id, _ := c.Locals(LocalDriverID).(string)
	return id
}

func bearerFromHeader(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
