// Package scheduler promotes due SCHEDULED messages into the live
// pipeline. Promotion uses the same conditional-update claim as the
// retry controller, so replicas can run side by side.
package scheduler

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"notification-gateway/internal/messages"
	"notification-gateway/internal/outbox"
)

type Store interface {
	FindDueScheduled(ctx context.Context, now time.Time, limit int) ([]*messages.Message, error)
	PromoteScheduled(ctx context.Context, q messages.DBTX, messageID string) (bool, error)
}

type Ledger interface {
	Append(ctx context.Context, q messages.DBTX, channel messages.Channel, from messages.Status, entry *messages.HistoryEntry) error
}

type Bus interface {
	Publish(ctx context.Context, payload *messages.Payload) error
}

type Config struct {
	Interval  time.Duration
	BatchSize int
}

type Scheduler struct {
	cfg    Config
	store  Store
	ledger Ledger
	bus    Bus
	outbox *outbox.Outbox
	logger *zap.Logger
}

func New(cfg Config, store Store, ledger Ledger, bus Bus, ob *outbox.Outbox, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		store:  store,
		ledger: ledger,
		bus:    bus,
		outbox: ob,
		logger: logger,
	}
}

func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick promotes one batch of due messages. Leftovers wait for the next
// tick; a scheduled message may fire a few seconds late but never
// early.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.store.FindDueScheduled(ctx, time.Now(), s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("scheduler scan failed", zap.Error(err))
		return
	}

	for _, msg := range due {
		if ctx.Err() != nil {
			return
		}
		s.promote(ctx, msg)
	}
}

func (s *Scheduler) promote(ctx context.Context, msg *messages.Message) {
	payload := messages.NewPayload(msg)

	err := s.outbox.RunInTx(ctx, func(tx *sql.Tx, hooks *outbox.Hooks) error {
		promoted, err := s.store.PromoteScheduled(ctx, tx, msg.MessageID)
		if err != nil {
			return err
		}
		if !promoted {
			// Another replica promoted it first.
			return nil
		}

		entry := &messages.HistoryEntry{
			MessageID:  msg.MessageID,
			Status:     messages.StatusPending,
			RetryCount: msg.RetryCount,
			Source:     messages.SourceTrigger,
		}
		if err := s.ledger.Append(ctx, tx, msg.Channel, messages.StatusScheduled, entry); err != nil {
			return err
		}

		hooks.AfterCommit(func(ctx context.Context) {
			if err := s.bus.Publish(ctx, payload); err != nil {
				// The row is PENDING with no bus record; the retry
				// controller's rescue rule picks it up.
				s.logger.Error("failed to publish promoted message",
					zap.String("message_id", msg.MessageID), zap.Error(err))
				return
			}
			s.logger.Info("scheduled message promoted",
				zap.String("message_id", msg.MessageID),
				zap.String("channel", string(msg.Channel)))
		})
		return nil
	})
	if err != nil {
		s.logger.Error("failed to promote scheduled message",
			zap.String("message_id", msg.MessageID), zap.Error(err))
	}
}
