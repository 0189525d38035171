package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"notification-gateway/internal/auth"
	"notification-gateway/internal/observability"
	"notification-gateway/internal/rate"
)

func SetupRoutes(
	app *fiber.App,
	logger *zap.Logger,
	metrics *observability.Metrics,
	handlers *Handlers,
	authService *auth.Service,
	rateLimiter *rate.Limiter,
) {
	SetupMiddleware(app, logger, metrics, rateLimiter)

	// Health endpoints (no auth required)
	app.Get("/healthz", handlers.Health)
	app.Get("/readyz", handlers.Ready)

	if metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	}

	// Send surface (site key required, rate limited per site)
	app.Post("/send", authService.RequireSiteKey(), RateLimit(logger, rateLimiter), handlers.Send)

	// Read surface
	v1 := app.Group("/v1", authService.RequireSiteKey())
	v1.Get("/messages/:id", handlers.GetMessage)
	v1.Get("/messages/:id/history", handlers.GetMessageHistory)
}
