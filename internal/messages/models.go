package messages

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRetrying  Status = "RETRYING"
	StatusScheduled Status = "SCHEDULED"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
	StatusBounced   Status = "BOUNCED"
	StatusRejected  Status = "REJECTED"
)

type Channel string

const (
	ChannelEmail    Channel = "EMAIL"
	ChannelWhatsApp Channel = "WHATSAPP"
)

// FailureType records which side of the pipeline failed: the bus
// publish or the consuming worker/provider.
type FailureType string

const (
	FailurePublish  FailureType = "PUBLISH"
	FailureConsumer FailureType = "CONSUMER"
)

// Source tags who appended a history entry.
type Source string

const (
	SourceAPI     Source = "API"
	SourceTrigger Source = "TRIGGER"
	SourceWorker  Source = "WORKER"
)

// Message is the durable record of one accepted send request. Rows are
// never deleted; status and failure fields evolve per the transition
// table in transitions.go. No credential ever lives on this struct.
type Message struct {
	MessageID string     `json:"message_id" db:"message_id"`
	SiteID    *uuid.UUID `json:"site_id,omitempty" db:"site_id"`
	Channel   Channel    `json:"channel" db:"channel"`
	Status    Status     `json:"status" db:"status"`

	Recipient           string            `json:"recipient" db:"recipient"`
	Subject             *string           `json:"subject,omitempty" db:"subject"`
	Body                *string           `json:"body,omitempty" db:"body"`
	IsHTML              bool              `json:"is_html" db:"is_html"`
	ImageURL            *string           `json:"image_url,omitempty" db:"image_url"`
	VideoURL            *string           `json:"video_url,omitempty" db:"video_url"`
	DocumentURL         *string           `json:"document_url,omitempty" db:"document_url"`
	FileName            *string           `json:"file_name,omitempty" db:"file_name"`
	Caption             *string           `json:"caption,omitempty" db:"caption"`
	FromEmail           *string           `json:"from_email,omitempty" db:"from_email"`
	FromName            *string           `json:"from_name,omitempty" db:"from_name"`
	WhatsAppSessionName *string           `json:"whatsapp_session_name,omitempty" db:"whatsapp_session_name"`
	Metadata            map[string]string `json:"metadata,omitempty" db:"metadata"`

	RetryCount   int          `json:"retry_count" db:"retry_count"`
	FailureType  *FailureType `json:"failure_type,omitempty" db:"failure_type"`
	ErrorMessage *string      `json:"error_message,omitempty" db:"error_message"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty" db:"scheduled_at"`
	SentAt      *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
}

// HistoryEntry is one row of the append-only status ledger.
type HistoryEntry struct {
	MessageID    string    `json:"message_id" db:"message_id"`
	Status       Status    `json:"status" db:"status"`
	ErrorMessage *string   `json:"error_message,omitempty" db:"error_message"`
	RetryCount   int       `json:"retry_count" db:"retry_count"`
	Timestamp    time.Time `json:"timestamp" db:"timestamp"`
	Source       Source    `json:"source" db:"source"`
}

// IsTerminalSuccess reports whether a late worker must not overwrite
// the current status.
func (s Status) IsTerminalSuccess() bool {
	return s == StatusDelivered
}

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusBounced, StatusRejected:
		return true
	}
	return false
}

func NewMessageID() string {
	return uuid.New().String()
}
