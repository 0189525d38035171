package messages

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"notification-gateway/internal/db"
)

var ErrNotFound = errors.New("message not found")

// DBTX is satisfied by both *sql.DB and *sql.Tx so store methods can
// run inside the caller's transaction when the outbox needs them to.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Store struct {
	db     *db.PostgresDB
	logger *zap.Logger
}

func NewStore(db *db.PostgresDB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) DB() DBTX { return s.db }

const messageColumns = `message_id, site_id, channel, status, recipient, subject, body, is_html,
		image_url, video_url, document_url, file_name, caption, from_email, from_name,
		whatsapp_session_name, metadata, retry_count, failure_type, error_message,
		created_at, updated_at, scheduled_at, sent_at, delivered_at`

// Create inserts the row; q is the enclosing transaction when the
// caller arranges an after-commit publish.
func (s *Store) Create(ctx context.Context, q DBTX, msg *Message) error {
	metadata, err := marshalMetadata(msg.Metadata)
	if err != nil {
		return err
	}

	query := `INSERT INTO messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`

	_, err = q.ExecContext(ctx, query,
		msg.MessageID, msg.SiteID, msg.Channel, msg.Status, msg.Recipient, msg.Subject, msg.Body, msg.IsHTML,
		msg.ImageURL, msg.VideoURL, msg.DocumentURL, msg.FileName, msg.Caption, msg.FromEmail, msg.FromName,
		msg.WhatsAppSessionName, metadata, msg.RetryCount, msg.FailureType, msg.ErrorMessage,
		msg.CreatedAt, msg.UpdatedAt, msg.ScheduledAt, msg.SentAt, msg.DeliveredAt)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}

	s.logger.Info("message created",
		zap.String("message_id", msg.MessageID),
		zap.String("channel", string(msg.Channel)),
		zap.String("status", string(msg.Status)))
	return nil
}

func (s *Store) GetByID(ctx context.Context, messageID string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE message_id = $1`
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, messageID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// MarkDelivered is the worker's terminal success update. Conditional
// on the row not already being terminal, so a late duplicate delivery
// cannot overwrite DELIVERED.
func (s *Store) MarkDelivered(ctx context.Context, messageID string) (bool, error) {
	query := `UPDATE messages
		SET status = 'DELIVERED', delivered_at = NOW(), failure_type = NULL, error_message = NULL, updated_at = NOW()
		WHERE message_id = $1 AND status IN ('PENDING', 'RETRYING', 'SENT')`
	return s.exec(ctx, s.db, query, messageID)
}

// MarkConsumerFailed records a worker-side failure. The worker never
// touches retry_count; that column belongs to the retry controller.
func (s *Store) MarkConsumerFailed(ctx context.Context, messageID, errorMessage string) (bool, error) {
	query := `UPDATE messages
		SET status = 'FAILED', failure_type = 'CONSUMER', error_message = $2, updated_at = NOW()
		WHERE message_id = $1 AND status IN ('PENDING', 'RETRYING', 'SENT')`
	return s.exec(ctx, s.db, query, messageID, errorMessage)
}

// ClaimForRetry is the cross-process mutual exclusion for retries:
// exactly one controller replica wins the FAILED -> RETRYING update.
// The claim also consumes one unit of the retry budget; retry_count
// has no other writer anywhere in the system. The retry_count bound
// re-checks the budget atomically with the claim, so a row another
// replica just failed at the budget edge cannot be claimed past it.
func (s *Store) ClaimForRetry(ctx context.Context, q DBTX, messageID string, maxRetries int) (int, bool, error) {
	query := `UPDATE messages
		SET status = 'RETRYING', failure_type = NULL, retry_count = retry_count + 1, updated_at = NOW()
		WHERE message_id = $1 AND status = 'FAILED' AND retry_count < $2
		RETURNING retry_count`
	return s.claim(ctx, q, query, messageID, maxRetries)
}

// ClaimStalePending claims a row whose after-commit publish never
// happened (the rescue rule); same RETRYING funnel and budget bound
// as ClaimForRetry.
func (s *Store) ClaimStalePending(ctx context.Context, q DBTX, messageID string, maxRetries int, olderThan time.Time) (int, bool, error) {
	query := `UPDATE messages
		SET status = 'RETRYING', failure_type = NULL, retry_count = retry_count + 1, updated_at = NOW()
		WHERE message_id = $1 AND status = 'PENDING' AND retry_count < $2 AND updated_at < $3
		RETURNING retry_count`
	return s.claim(ctx, q, query, messageID, maxRetries, olderThan)
}

// ClaimForDLQ takes an exhausted row out of FAILED for the dead-letter
// send without spending retry budget. failure_type is cleared with the
// status so the two stay in lockstep; MarkRetriesExhausted restores it
// when the row is parked.
func (s *Store) ClaimForDLQ(ctx context.Context, q DBTX, messageID string) (bool, error) {
	query := `UPDATE messages
		SET status = 'RETRYING', failure_type = NULL, updated_at = NOW()
		WHERE message_id = $1 AND status = 'FAILED'`
	return s.exec(ctx, q, query, messageID)
}

// CompleteRetryPublish returns a successfully republished row to
// PENDING so the worker can consume it.
func (s *Store) CompleteRetryPublish(ctx context.Context, messageID string) (bool, error) {
	query := `UPDATE messages
		SET status = 'PENDING', failure_type = NULL, error_message = NULL, updated_at = NOW()
		WHERE message_id = $1 AND status = 'RETRYING'`
	return s.exec(ctx, s.db, query, messageID)
}

// FailRetryPublish records a bus publish failure. The retry budget for
// this attempt was already spent by the claim, so the counter is only
// read back for the DLQ re-evaluation.
func (s *Store) FailRetryPublish(ctx context.Context, messageID, errorMessage string) (int, error) {
	query := `UPDATE messages
		SET status = 'FAILED', failure_type = 'PUBLISH', error_message = $2, updated_at = NOW()
		WHERE message_id = $1 AND status = 'RETRYING'
		RETURNING retry_count`

	var retryCount int
	err := s.db.QueryRowContext(ctx, query, messageID, errorMessage).Scan(&retryCount)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to record publish failure: %w", err)
	}
	return retryCount, nil
}

// MarkRetriesExhausted parks the row in FAILED after the DLQ send,
// restoring the failure classification the claim cleared.
func (s *Store) MarkRetriesExhausted(ctx context.Context, messageID string, failureType FailureType, errorMessage string) (bool, error) {
	query := `UPDATE messages
		SET status = 'FAILED', failure_type = $2, error_message = $3, updated_at = NOW()
		WHERE message_id = $1 AND status = 'RETRYING'`
	return s.exec(ctx, s.db, query, messageID, failureType, errorMessage)
}

// PromoteScheduled moves a due row into the live pipeline. Zero rows
// affected means another scheduler replica won.
func (s *Store) PromoteScheduled(ctx context.Context, q DBTX, messageID string) (bool, error) {
	query := `UPDATE messages
		SET status = 'PENDING', scheduled_at = NULL, failure_type = NULL, updated_at = NOW()
		WHERE message_id = $1 AND status = 'SCHEDULED'`
	return s.exec(ctx, q, query, messageID)
}

// FindRetryCandidates pages FAILED rows of one failure class that are
// old enough and still under the retry budget.
func (s *Store) FindRetryCandidates(ctx context.Context, failureType FailureType, maxRetries int, olderThan time.Time, limit int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE status = 'FAILED' AND failure_type = $1 AND retry_count < $2 AND created_at < $3
		ORDER BY created_at ASC
		LIMIT $4`
	return s.queryMessages(ctx, query, failureType, maxRetries, olderThan, limit)
}

// FindStalePending pages PENDING rows whose publish evidently never
// reached the bus: older than the retry delay and with no successful
// history entry.
func (s *Store) FindStalePending(ctx context.Context, maxRetries int, olderThan time.Time, limit int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages m
		WHERE m.status = 'PENDING' AND m.retry_count < $1 AND m.updated_at < $2
		AND NOT EXISTS (
			SELECT 1 FROM message_status_history h
			WHERE h.message_id = m.message_id AND h.status IN ('SENT', 'DELIVERED')
		)
		ORDER BY m.created_at ASC
		LIMIT $3`
	return s.queryMessages(ctx, query, maxRetries, olderThan, limit)
}

// FindExhausted pages FAILED rows whose retry budget is spent and that
// have not been dead-lettered yet.
func (s *Store) FindExhausted(ctx context.Context, failureType FailureType, maxRetries int, limit int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE status = 'FAILED' AND failure_type = $1 AND retry_count >= $2
		AND (error_message IS NULL OR error_message NOT LIKE 'Max retries exceeded%')
		ORDER BY created_at ASC
		LIMIT $3`
	return s.queryMessages(ctx, query, failureType, maxRetries, limit)
}

// FindDueScheduled pages SCHEDULED rows whose time has arrived.
func (s *Store) FindDueScheduled(ctx context.Context, now time.Time, limit int) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE status = 'SCHEDULED' AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2`
	return s.queryMessages(ctx, query, now, limit)
}

func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) claim(ctx context.Context, q DBTX, query string, args ...interface{}) (int, bool, error) {
	var retryCount int
	err := q.QueryRowContext(ctx, query, args...).Scan(&retryCount)
	if err == sql.ErrNoRows {
		// Another actor claimed the row first.
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to claim message: %w", err)
	}
	return retryCount, true, nil
}

func (s *Store) exec(ctx context.Context, q DBTX, query string, args ...interface{}) (bool, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...interface{}) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row scanner) (*Message, error) {
	var msg Message
	var metadata []byte
	err := row.Scan(
		&msg.MessageID, &msg.SiteID, &msg.Channel, &msg.Status, &msg.Recipient, &msg.Subject, &msg.Body, &msg.IsHTML,
		&msg.ImageURL, &msg.VideoURL, &msg.DocumentURL, &msg.FileName, &msg.Caption, &msg.FromEmail, &msg.FromName,
		&msg.WhatsAppSessionName, &metadata, &msg.RetryCount, &msg.FailureType, &msg.ErrorMessage,
		&msg.CreatedAt, &msg.UpdatedAt, &msg.ScheduledAt, &msg.SentAt, &msg.DeliveredAt)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &msg, nil
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return data, nil
}
