package engine

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"accessgate/internal/auth"
)

// RegisterRoutes mounts the engine API. Everything under /api requires a
// bearer token; /health does not.
func RegisterRoutes(app *fiber.App, h *Handler, jwtSecret string) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api", auth.Middleware(jwtSecret))

	api.Post("/evaluate", h.Evaluate)
	api.Post("/evaluate/batch", h.EvaluateBatch)
	api.Get("/resources/:id/field-permissions", h.FieldPermissions)

	api.Post("/requests", h.CreateRequest)
	api.Get("/requests/:id", h.GetRequest)
	api.Post("/requests/:id/decisions", h.RecordDecision)
	api.Post("/requests/:id/cancel", h.CancelRequest)

	admin := api.Group("/admin")
	admin.Post("/sweep", h.RunSweep)
	admin.Post("/invalidate", h.Invalidate)
	admin.Get("/cache/stats", h.CacheStats)
	admin.Post("/reload", h.Reload)
}

// ErrorHandler maps engine errors to HTTP responses. AppErrors carry
// their own status and wire shape; anything else is an opaque 500.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(ErrorResponse{
			Error: NewAppError("HTTP_ERROR", fiberErr.Code, fiberErr.Message),
		})
	}

	return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
		Error: NewAppError("INTERNAL_ERROR", fiber.StatusInternalServerError, "internal server error"),
	})
}
