// Package retry implements the central retry/DLQ controller. It is the
// single writer of retry_count for the whole system: workers report
// terminal status only, and every retry decision funnels through the
// atomic FAILED -> RETRYING claim here.
package retry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"notification-gateway/internal/messages"
	"notification-gateway/internal/observability"
	"notification-gateway/internal/outbox"
	"notification-gateway/internal/sanitize"
)

const exhaustedPrefix = "Max retries exceeded"

type Store interface {
	FindRetryCandidates(ctx context.Context, failureType messages.FailureType, maxRetries int, olderThan time.Time, limit int) ([]*messages.Message, error)
	FindStalePending(ctx context.Context, maxRetries int, olderThan time.Time, limit int) ([]*messages.Message, error)
	FindExhausted(ctx context.Context, failureType messages.FailureType, maxRetries int, limit int) ([]*messages.Message, error)
	ClaimForRetry(ctx context.Context, q messages.DBTX, messageID string, maxRetries int) (int, bool, error)
	ClaimStalePending(ctx context.Context, q messages.DBTX, messageID string, maxRetries int, olderThan time.Time) (int, bool, error)
	ClaimForDLQ(ctx context.Context, q messages.DBTX, messageID string) (bool, error)
	CompleteRetryPublish(ctx context.Context, messageID string) (bool, error)
	FailRetryPublish(ctx context.Context, messageID, errorMessage string) (int, error)
	MarkRetriesExhausted(ctx context.Context, messageID string, failureType messages.FailureType, errorMessage string) (bool, error)
	DB() messages.DBTX
}

type Ledger interface {
	Append(ctx context.Context, q messages.DBTX, channel messages.Channel, from messages.Status, entry *messages.HistoryEntry) error
}

type Bus interface {
	Publish(ctx context.Context, payload *messages.Payload) error
	PublishDLQ(ctx context.Context, payload *messages.Payload, reason string) error
}

type Config struct {
	MaxRetries int
	RetryDelay time.Duration
	BatchSize  int
	Interval   time.Duration
}

type Controller struct {
	cfg     Config
	store   Store
	ledger  Ledger
	bus     Bus
	outbox  *outbox.Outbox
	metrics *observability.Metrics
	logger  *zap.Logger
}

func NewController(cfg Config, store Store, ledger Ledger, bus Bus, ob *outbox.Outbox, metrics *observability.Metrics, logger *zap.Logger) *Controller {
	return &Controller{
		cfg:     cfg,
		store:   store,
		ledger:  ledger,
		bus:     bus,
		outbox:  ob,
		metrics: metrics,
		logger:  logger,
	}
}

// Run ticks until the context ends. One tick runs immediately at
// start-up so a restart does not wait a full interval.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick processes one full scan: retry candidates per failure class,
// stale-PENDING rescue, and exhausted rows headed to the DLQ.
func (c *Controller) Tick(ctx context.Context) {
	cutoff := time.Now().Add(-c.cfg.RetryDelay)

	for _, ft := range []messages.FailureType{messages.FailurePublish, messages.FailureConsumer} {
		c.scanFailed(ctx, ft, cutoff)
		c.scanExhausted(ctx, ft)
	}
	c.scanStalePending(ctx, cutoff)
}

// maxPages bounds a single tick; anything left over is picked up by
// the next one.
const maxPages = 100

func (c *Controller) scanFailed(ctx context.Context, failureType messages.FailureType, cutoff time.Time) {
	for page := 0; page < maxPages; page++ {
		candidates, err := c.store.FindRetryCandidates(ctx, failureType, c.cfg.MaxRetries, cutoff, c.cfg.BatchSize)
		if err != nil {
			c.logger.Error("retry scan failed", zap.String("failure_type", string(failureType)), zap.Error(err))
			return
		}
		if len(candidates) == 0 {
			return
		}
		for _, msg := range candidates {
			if ctx.Err() != nil {
				return
			}
			c.retryOne(ctx, msg, false, cutoff)
		}
	}
}

func (c *Controller) scanStalePending(ctx context.Context, cutoff time.Time) {
	for page := 0; page < maxPages; page++ {
		candidates, err := c.store.FindStalePending(ctx, c.cfg.MaxRetries, cutoff, c.cfg.BatchSize)
		if err != nil {
			c.logger.Error("rescue scan failed", zap.Error(err))
			return
		}
		if len(candidates) == 0 {
			return
		}
		for _, msg := range candidates {
			if ctx.Err() != nil {
				return
			}
			c.retryOne(ctx, msg, true, cutoff)
		}
	}
}

// errBudgetSpent rolls a claim back when the returned count shows the
// budget already gone; the row belongs to the DLQ path instead.
var errBudgetSpent = errors.New("retry budget spent")

// retryOne claims one candidate in its own short transaction and
// arranges the republish as an after-commit hook of that claim.
func (c *Controller) retryOne(ctx context.Context, msg *messages.Message, rescue bool, cutoff time.Time) {
	payload := messages.NewPayload(msg)

	err := c.outbox.RunInTx(ctx, func(tx *sql.Tx, hooks *outbox.Hooks) error {
		var (
			retryCount int
			claimed    bool
			err        error
		)
		if rescue {
			retryCount, claimed, err = c.store.ClaimStalePending(ctx, tx, msg.MessageID, c.cfg.MaxRetries, cutoff)
		} else {
			retryCount, claimed, err = c.store.ClaimForRetry(ctx, tx, msg.MessageID, c.cfg.MaxRetries)
		}
		if err != nil {
			return err
		}
		if !claimed {
			// Another replica owns this row now.
			return nil
		}
		if retryCount > c.cfg.MaxRetries {
			// The budget raced out between the scan and the claim.
			return errBudgetSpent
		}

		from := messages.StatusFailed
		if rescue {
			from = messages.StatusPending
		}
		entry := &messages.HistoryEntry{
			MessageID:  msg.MessageID,
			Status:     messages.StatusRetrying,
			RetryCount: retryCount,
			Source:     messages.SourceTrigger,
		}
		if err := c.ledger.Append(ctx, tx, msg.Channel, from, entry); err != nil {
			return err
		}

		hooks.AfterCommit(func(ctx context.Context) {
			c.publishClaimed(ctx, msg, payload, retryCount)
		})
		return nil
	})
	if errors.Is(err, errBudgetSpent) {
		c.deadLetter(ctx, msg, failureClass(msg))
		return
	}
	if err != nil {
		c.logger.Error("failed to claim retry candidate",
			zap.String("message_id", msg.MessageID), zap.Error(err))
	}
}

func failureClass(msg *messages.Message) messages.FailureType {
	if msg.FailureType != nil {
		return *msg.FailureType
	}
	return messages.FailurePublish
}

// publishClaimed runs after the claim committed: the row is RETRYING
// and this process owns it.
func (c *Controller) publishClaimed(ctx context.Context, msg *messages.Message, payload *messages.Payload, retryCount int) {
	if err := c.bus.Publish(ctx, payload); err != nil {
		c.handlePublishFailure(ctx, msg, payload, err)
		return
	}

	if _, err := c.store.CompleteRetryPublish(ctx, msg.MessageID); err != nil {
		c.logger.Error("failed to return message to PENDING",
			zap.String("message_id", msg.MessageID), zap.Error(err))
		return
	}

	entry := &messages.HistoryEntry{
		MessageID:  msg.MessageID,
		Status:     messages.StatusPending,
		RetryCount: retryCount,
		Source:     messages.SourceTrigger,
	}
	if err := c.ledger.Append(ctx, c.store.DB(), msg.Channel, messages.StatusRetrying, entry); err != nil {
		c.logger.Error("failed to append republish history",
			zap.String("message_id", msg.MessageID), zap.Error(err))
	}

	c.logger.Info("message republished",
		zap.String("message_id", msg.MessageID),
		zap.Int("retry_count", retryCount))
}

func (c *Controller) handlePublishFailure(ctx context.Context, msg *messages.Message, payload *messages.Payload, pubErr error) {
	errorMessage := sanitize.String(fmt.Sprintf("bus publish failed: %v", pubErr))

	retryCount, err := c.store.FailRetryPublish(ctx, msg.MessageID, errorMessage)
	if err != nil {
		c.logger.Error("failed to record publish failure",
			zap.String("message_id", msg.MessageID), zap.Error(err))
		return
	}

	entry := &messages.HistoryEntry{
		MessageID:    msg.MessageID,
		Status:       messages.StatusFailed,
		ErrorMessage: &errorMessage,
		RetryCount:   retryCount,
		Source:       messages.SourceTrigger,
	}
	if err := c.ledger.Append(ctx, c.store.DB(), msg.Channel, messages.StatusRetrying, entry); err != nil {
		c.logger.Error("failed to append publish-failure history",
			zap.String("message_id", msg.MessageID), zap.Error(err))
	}

	// Re-evaluate the DLQ rule: the budget may just have run out.
	if retryCount >= c.cfg.MaxRetries {
		failed := *msg
		failed.ErrorMessage = &errorMessage
		c.deadLetter(ctx, &failed, messages.FailurePublish)
	}
}

func (c *Controller) scanExhausted(ctx context.Context, failureType messages.FailureType) {
	for page := 0; page < maxPages; page++ {
		exhausted, err := c.store.FindExhausted(ctx, failureType, c.cfg.MaxRetries, c.cfg.BatchSize)
		if err != nil {
			c.logger.Error("exhausted scan failed", zap.String("failure_type", string(failureType)), zap.Error(err))
			return
		}
		if len(exhausted) == 0 {
			return
		}
		for _, msg := range exhausted {
			if ctx.Err() != nil {
				return
			}
			c.deadLetter(ctx, msg, failureType)
		}
	}
}

// deadLetter claims the row, sends it to the channel DLQ, and parks it
// back in FAILED with the exhaustion message prefixed onto the prior
// cause.
func (c *Controller) deadLetter(ctx context.Context, msg *messages.Message, failureType messages.FailureType) {
	claimed, err := c.store.ClaimForDLQ(ctx, c.store.DB(), msg.MessageID)
	if err != nil {
		c.logger.Error("failed to claim exhausted message",
			zap.String("message_id", msg.MessageID), zap.Error(err))
		return
	}
	if !claimed {
		return
	}

	errorMessage := exhaustedPrefix
	if msg.ErrorMessage != nil && *msg.ErrorMessage != "" {
		errorMessage = fmt.Sprintf("%s: %s", exhaustedPrefix, *msg.ErrorMessage)
	}

	payload := messages.NewPayload(msg)
	if err := c.bus.PublishDLQ(ctx, payload, errorMessage); err != nil {
		// Leave the row RETRYING-free for the next tick.
		c.logger.Error("failed to publish to DLQ",
			zap.String("message_id", msg.MessageID), zap.Error(err))
		if _, err := c.store.MarkRetriesExhausted(ctx, msg.MessageID, failureType, deref(msg.ErrorMessage)); err != nil {
			c.logger.Error("failed to restore exhausted message",
				zap.String("message_id", msg.MessageID), zap.Error(err))
		}
		return
	}

	if _, err := c.store.MarkRetriesExhausted(ctx, msg.MessageID, failureType, errorMessage); err != nil {
		c.logger.Error("failed to park exhausted message",
			zap.String("message_id", msg.MessageID), zap.Error(err))
		return
	}

	if c.metrics != nil {
		c.metrics.MessagesDLQTotal.WithLabelValues(string(msg.Channel)).Inc()
	}
	c.logger.Warn("message dead-lettered",
		zap.String("message_id", msg.MessageID),
		zap.String("channel", string(msg.Channel)),
		zap.Int("retry_count", msg.RetryCount))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
