package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"notification-gateway/internal/api"
	"notification-gateway/internal/auth"
	"notification-gateway/internal/bus"
	"notification-gateway/internal/config"
	"notification-gateway/internal/db"
	"notification-gateway/internal/messages"
	"notification-gateway/internal/observability"
	"notification-gateway/internal/outbox"
	"notification-gateway/internal/rate"
	"notification-gateway/internal/secrets"
	"notification-gateway/internal/tenants"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := observability.GetLoggerFromEnv()
	defer logger.Sync()

	logger.Info("starting notification gateway API", zap.String("port", cfg.Port))

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics(nil)
		shutdownOtel, err := observability.SetupOpenTelemetry("notification-gateway-api", logger)
		if err != nil {
			logger.Warn("failed to initialize OpenTelemetry", zap.Error(err))
		} else {
			defer shutdownOtel()
		}
	}

	ctx := context.Background()

	postgres, err := db.NewPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer postgres.Close()

	if err := postgres.RunMigrations("migrations"); err != nil {
		logger.Warn("failed to run migrations", zap.Error(err))
	}

	redis, err := db.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redis.Close()

	natsBus, err := bus.Connect(cfg.NATSURL, bus.Topics{
		Email:       cfg.TopicEmail,
		WhatsApp:    cfg.TopicWhatsApp,
		EmailDLQ:    cfg.DLQEmail,
		WhatsAppDLQ: cfg.DLQWhatsApp,
	}, logger)
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer natsBus.Close()

	var cipher *secrets.Cipher
	if cfg.EncryptionEnabled {
		cipher, err = secrets.New(cfg.EncryptionKey)
		if err != nil {
			logger.Fatal("failed to initialize credential cipher", zap.Error(err))
		}
	}

	store := messages.NewStore(postgres, logger)
	ledger := messages.NewLedger(store, metrics, logger)
	ob := outbox.New(postgres, logger)
	tenantStore := tenants.NewStore(postgres, cipher, logger)
	authService := auth.NewService(tenantStore, redis, logger)
	rateLimiter := rate.NewLimiter(redis, logger, cfg.RateLimitRPS, cfg.RateLimitBurst)

	handlers := api.NewHandlers(logger, metrics, store, ledger, ob, natsBus)

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			logger.Error("unhandled request error", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
		},
	})

	api.SetupRoutes(app, logger, metrics, handlers, authService, rateLimiter)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	logger.Info("notification gateway API started", zap.String("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("failed to shutdown gracefully", zap.Error(err))
	}

	logger.Info("notification gateway API stopped")
}
