package api

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"notification-gateway/internal/auth"
	"notification-gateway/internal/observability"
	"notification-gateway/internal/rate"
)

func SetupMiddleware(app *fiber.App, logger *zap.Logger, metrics *observability.Metrics, rateLimiter *rate.Limiter) {
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	app.Use(requestid.New())

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,HEAD,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept," + auth.HeaderSiteKey,
	}))

	// Logging + metrics middleware
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		duration := time.Since(start)
		status := c.Response().StatusCode()

		logger.Info("http_request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("request_id", c.Get("X-Request-ID")),
		)

		if metrics != nil {
			metrics.HTTPRequestsTotal.WithLabelValues(
				c.Method(),
				c.Route().Path,
				fmt.Sprintf("%d", status),
			).Inc()

			metrics.HTTPRequestDuration.WithLabelValues(
				c.Method(),
				c.Route().Path,
				fmt.Sprintf("%d", status),
			).Observe(duration.Seconds())
		}

		return err
	})
}

// RateLimit guards the send surface per authenticated site. Routes
// using it must run after RequireSiteKey.
func RateLimit(logger *zap.Logger, rateLimiter *rate.Limiter) fiber.Handler {
	return func(c *fiber.Ctx) error {
		site, err := auth.SiteFromContext(c)
		if err != nil {
			return c.Next()
		}

		allowed, retryAfter, err := rateLimiter.Allow(c.Context(), site.ID)
		if err != nil {
			// A broken limiter must not take the ingress down.
			logger.Error("rate limiting error", zap.Error(err))
			return c.Next()
		}

		if !allowed {
			c.Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":               "rate limit exceeded",
				"retry_after_seconds": int(retryAfter.Seconds()),
			})
		}

		return c.Next()
	}
}
