// handlers/match_routes.go
package handlers

import (
	"peer-match-system/middleware"
	"peer-match-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupMatchRoutes(app *fiber.App, matchService *services.MatchService) {
	// All matching operations act on the caller's own ticket, so every route
	// requires the Gateway-provided user context.
	secured := app.Group("/match", middleware.UserContextMiddleware())

	secured.Post("/request", matchService.RequestMatch)
	secured.Get("/status", matchService.GetStatus)
	secured.Delete("/", matchService.Cancel)

	// EventSource cannot send headers; this route takes identity from the
	// query as well.
	app.Get("/match/subscribe", middleware.SSEUserContextMiddleware(), matchService.StreamMatchEvents)
}
