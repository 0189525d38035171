package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"notification-gateway/internal/bus"
	"notification-gateway/internal/config"
	"notification-gateway/internal/db"
	"notification-gateway/internal/messages"
	"notification-gateway/internal/observability"
	"notification-gateway/internal/outbox"
	"notification-gateway/internal/retry"
	"notification-gateway/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger := observability.GetLoggerFromEnv()
	defer logger.Sync()

	logger.Info("starting retry controller and scheduler",
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("retry_delay", cfg.RetryDelay))

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

	store := messages.NewStore(postgres, logger)
	ledger := messages.NewLedger(store, metrics, logger)
	ob := outbox.New(postgres, logger)

	controller := retry.NewController(retry.Config{
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		BatchSize:  cfg.RetryBatchSize,
		Interval:   cfg.RetryInterval,
	}, store, ledger, natsBus, ob, metrics, logger)

	sched := scheduler.New(scheduler.Config{
		Interval:  cfg.SchedulerInterval,
		BatchSize: cfg.SchedulerBatchSize,
	}, store, ledger, natsBus, ob, logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		controller.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	logger.Info("controller started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down controller...")
	cancel()
	wg.Wait()

	logger.Info("controller shutdown complete")
}
