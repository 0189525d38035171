package messages

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"notification-gateway/internal/observability"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// DedupWindowSeconds is the window within which a second append of the
// same (message_id, status) pair is treated as the known dual-write
// race (application layer vs database trigger) and silently skipped.
const DedupWindowSeconds = 1

// Ledger is the append-only status history. Entries are never updated
// or removed; metrics are emitted here so every observer of a
// transition counts it exactly once.
type Ledger struct {
	store   *Store
	metrics *observability.Metrics
	logger  *zap.Logger
}

func NewLedger(store *Store, metrics *observability.Metrics, logger *zap.Logger) *Ledger {
	return &Ledger{store: store, metrics: metrics, logger: logger}
}

// Append records one transition. from is the row's status before the
// transition; an empty from marks the creation entry written in the
// same transaction as the row itself.
func (l *Ledger) Append(ctx context.Context, q DBTX, channel Channel, from Status, entry *HistoryEntry) error {
	if from == "" {
		if entry.Status != StatusPending && entry.Status != StatusScheduled {
			return fmt.Errorf("%w: initial entry %s", ErrInvalidTransition, entry.Status)
		}
	} else if from != entry.Status && !TransitionAllowed(from, entry.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, entry.Status)
	}

	// The WHERE NOT EXISTS clause is the dedup rule: it makes the
	// insert and the duplicate check one atomic statement.
	query := fmt.Sprintf(`INSERT INTO message_status_history (message_id, status, error_message, retry_count, timestamp, source)
		SELECT $1, $2, $3, $4, NOW(), $5
		WHERE NOT EXISTS (
			SELECT 1 FROM message_status_history
			WHERE message_id = $1 AND status = $2 AND timestamp > NOW() - INTERVAL '%d second'
		)`, DedupWindowSeconds)

	res, err := q.ExecContext(ctx, query,
		entry.MessageID, entry.Status, entry.ErrorMessage, entry.RetryCount, entry.Source)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		l.logger.Debug("history entry deduplicated",
			zap.String("message_id", entry.MessageID),
			zap.String("status", string(entry.Status)))
		return nil
	}

	l.emit(channel, entry)
	return nil
}

func (l *Ledger) emit(channel Channel, entry *HistoryEntry) {
	if l.metrics == nil {
		return
	}
	switch entry.Status {
	case StatusDelivered:
		l.metrics.MessagesDeliveredTotal.WithLabelValues(string(channel)).Inc()
	case StatusFailed:
		l.metrics.MessagesFailedTotal.WithLabelValues(string(channel)).Inc()
	case StatusRetrying:
		l.metrics.MessagesRetriedTotal.WithLabelValues(string(channel)).Inc()
	}
}

// ListByMessage returns the ledger for one message, oldest first.
func (l *Ledger) ListByMessage(ctx context.Context, messageID string) ([]*HistoryEntry, error) {
	query := `SELECT message_id, status, error_message, retry_count, timestamp, source
		FROM message_status_history WHERE message_id = $1 ORDER BY timestamp ASC`

	rows, err := l.store.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.MessageID, &e.Status, &e.ErrorMessage, &e.RetryCount, &e.Timestamp, &e.Source); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
