package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"notification-gateway/internal/bus"
	"notification-gateway/internal/config"
	"notification-gateway/internal/db"
	"notification-gateway/internal/messages"
	"notification-gateway/internal/observability"
	"notification-gateway/internal/provider/sendgrid"
	"notification-gateway/internal/provider/whatsapp"
	"notification-gateway/internal/secrets"
	"notification-gateway/internal/tenants"
	"notification-gateway/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger := observability.GetLoggerFromEnv()
	defer logger.Sync()

	logger.Info("starting notification gateway workers",
		zap.String("log_level", cfg.LogLevel))

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	postgres, err := db.NewPostgres(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer postgres.Close()

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
	tenantStore := tenants.NewStore(postgres, cipher, logger)
	resolver := tenants.NewResolver(tenantStore, cfg.SendGridAPIKey, cfg.DefaultFromEmail, cfg.DefaultFromName)

	emailProvider := sendgrid.New(cfg.SendGridAPIURL, cfg.ProviderTimeout, logger)
	whatsappProvider := whatsapp.New(cfg.WhatsAppAPIURL, cfg.ProviderTimeout, logger)

	emailWorker := worker.New(messages.ChannelEmail, store, ledger, resolver, natsBus,
		emailProvider, cfg.ProviderTimeout, cfg.WorkerPoolSize, metrics, logger)
	whatsappWorker := worker.New(messages.ChannelWhatsApp, store, ledger, resolver, natsBus,
		whatsappProvider, cfg.ProviderTimeout, cfg.WorkerPoolSize, metrics, logger)

	if err := emailWorker.Start(ctx); err != nil {
		logger.Fatal("failed to start email worker", zap.Error(err))
	}
	if err := whatsappWorker.Start(ctx); err != nil {
		logger.Fatal("failed to start whatsapp worker", zap.Error(err))
	}

	logger.Info("workers started, waiting for messages...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down workers...")
	cancel()
	emailWorker.Stop()
	whatsappWorker.Stop()

	logger.Info("worker shutdown complete")
}
