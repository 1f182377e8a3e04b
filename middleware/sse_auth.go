// peer-match-system/middleware/sse_auth.go
package middleware

import (
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// SSEUserContextMiddleware resolves the user id for EventSource connections.
// Browsers cannot set headers on an SSE request, so the Gateway forwards the
// identity as a query parameter there; a plain X-User-ID header still wins
// when present.
//
// Usage:
//
//	app.Get("/match/subscribe", middleware.SSEUserContextMiddleware(), matchService.StreamMatchEvents)
func SSEUserContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get("X-User-ID")
		if userID == "" {
			userID = strings.TrimSpace(string(c.Request().URI().QueryArgs().Peek("user_id")))
		}

		if userID == "" {
			log.Printf("[SSE_CTX] no user identity on %s", c.Path())
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "missing user identity in header or query",
			})
		}

		c.Locals("user_id", userID)
		return c.Next()
	}
}
