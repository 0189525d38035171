package api

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"notification-gateway/internal/auth"
	"notification-gateway/internal/messages"
	"notification-gateway/internal/observability"
	"notification-gateway/internal/outbox"
	"notification-gateway/internal/tenants"
)

type Bus interface {
	Publish(ctx context.Context, payload *messages.Payload) error
	HealthCheck(ctx context.Context) error
}

type Handlers struct {
	logger  *zap.Logger
	metrics *observability.Metrics
	store   *messages.Store
	ledger  *messages.Ledger
	outbox  *outbox.Outbox
	bus     Bus
}

func NewHandlers(logger *zap.Logger, metrics *observability.Metrics, store *messages.Store, ledger *messages.Ledger, ob *outbox.Outbox, bus Bus) *Handlers {
	return &Handlers{
		logger:  logger,
		metrics: metrics,
		store:   store,
		ledger:  ledger,
		outbox:  ob,
		bus:     bus,
	}
}

// SendRequest is the ingress body for POST /send. Credentials are never
// part of it; sender identity fields are optional overrides.
type SendRequest struct {
	Channel     messages.Channel  `json:"channel"`
	Recipient   string            `json:"recipient"`
	Subject     *string           `json:"subject,omitempty"`
	Body        *string           `json:"body,omitempty"`
	IsHTML      bool              `json:"is_html"`
	ImageURL    *string           `json:"image_url,omitempty"`
	VideoURL    *string           `json:"video_url,omitempty"`
	DocumentURL *string           `json:"document_url,omitempty"`
	FileName    *string           `json:"file_name,omitempty"`
	Caption     *string           `json:"caption,omitempty"`
	FromEmail   *string           `json:"from_email,omitempty"`
	FromName    *string           `json:"from_name,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`

	// Optional session override; the worker-side resolver rejects it
	// if it does not match the site's bound session.
	WhatsAppSessionName *string `json:"whatsapp_session_name,omitempty"`
}

type SendResponse struct {
	MessageID string          `json:"message_id"`
	Status    messages.Status `json:"status"`
}

// Send handles POST /send: one validated request becomes exactly one
// message row and, after that row commits, one bus publication.
func (h *Handlers) Send(c *fiber.Ctx) error {
	site, err := auth.SiteFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "UNAUTHORIZED"})
	}

	var req SendRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "INVALID_REQUEST", "detail": "malformed JSON body"})
	}

	if detail := validateSend(&req); detail != "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "INVALID_REQUEST", "detail": detail})
	}

	now := time.Now()
	msg := &messages.Message{
		MessageID: messages.NewMessageID(),
		SiteID:    &site.ID,
		Channel:   req.Channel,
		Status:    messages.StatusPending,

		Recipient:   req.Recipient,
		Subject:     req.Subject,
		Body:        req.Body,
		IsHTML:      req.IsHTML,
		ImageURL:    req.ImageURL,
		VideoURL:    req.VideoURL,
		DocumentURL: req.DocumentURL,
		FileName:    req.FileName,
		Caption:     req.Caption,
		FromEmail:   req.FromEmail,
		FromName:    req.FromName,
		Metadata:    req.Metadata,

		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Channel == messages.ChannelWhatsApp {
		msg.WhatsAppSessionName = req.WhatsAppSessionName
		if msg.WhatsAppSessionName == nil {
			msg.WhatsAppSessionName = site.WhatsAppSessionName
		}
	}
	if req.ScheduledAt != nil {
		msg.Status = messages.StatusScheduled
		msg.ScheduledAt = req.ScheduledAt
	}

	payload := messages.NewPayload(msg)

	err = h.outbox.RunInTx(c.Context(), func(tx *sql.Tx, hooks *outbox.Hooks) error {
		if err := h.store.Create(c.Context(), tx, msg); err != nil {
			return err
		}

		entry := &messages.HistoryEntry{
			MessageID: msg.MessageID,
			Status:    msg.Status,
			Source:    messages.SourceAPI,
		}
		if err := h.ledger.Append(c.Context(), tx, msg.Channel, "", entry); err != nil {
			return err
		}

		if msg.Status == messages.StatusPending {
			hooks.AfterCommit(func(ctx context.Context) {
				if err := h.bus.Publish(ctx, payload); err != nil {
					// Row is committed PENDING with no bus record; the
					// retry controller's rescue rule republishes it.
					h.logger.Error("failed to publish accepted message",
						zap.String("message_id", msg.MessageID), zap.Error(err))
				}
			})
		}
		return nil
	})
	if err != nil {
		h.logger.Error("failed to accept message", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}

	if h.metrics != nil {
		h.metrics.MessagesSentTotal.WithLabelValues(string(msg.Channel)).Inc()
	}

	h.logger.Info("message accepted",
		zap.String("message_id", msg.MessageID),
		zap.String("channel", string(msg.Channel)),
		zap.String("site_id", site.ID.String()),
		zap.String("status", string(msg.Status)))

	return c.Status(fiber.StatusAccepted).JSON(&SendResponse{
		MessageID: msg.MessageID,
		Status:    msg.Status,
	})
}

func validateSend(req *SendRequest) string {
	switch req.Channel {
	case messages.ChannelEmail, messages.ChannelWhatsApp:
	case "":
		return "channel is required"
	default:
		return "unsupported channel"
	}
	if req.Recipient == "" {
		return "recipient is required"
	}
	if req.Channel == messages.ChannelEmail && (req.Body == nil || *req.Body == "") {
		return "body is required for EMAIL"
	}
	if req.Channel == messages.ChannelWhatsApp && !hasWhatsAppContent(req) {
		return "message or media content is required for WHATSAPP"
	}
	if req.ScheduledAt != nil && !req.ScheduledAt.After(time.Now()) {
		return "scheduled_at must be in the future"
	}
	return ""
}

func hasWhatsAppContent(req *SendRequest) bool {
	for _, f := range []*string{req.Body, req.ImageURL, req.VideoURL, req.DocumentURL} {
		if f != nil && *f != "" {
			return true
		}
	}
	return false
}

// GetMessage handles GET /v1/messages/:id. A tenant can only read its
// own rows.
func (h *Handlers) GetMessage(c *fiber.Ctx) error {
	site, err := auth.SiteFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "UNAUTHORIZED"})
	}

	msg, err := h.store.GetByID(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, messages.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "message not found"})
		}
		h.logger.Error("failed to load message", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}

	if !ownedBy(msg, site) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "message not found"})
	}
	return c.JSON(msg)
}

// GetMessageHistory handles GET /v1/messages/:id/history.
func (h *Handlers) GetMessageHistory(c *fiber.Ctx) error {
	site, err := auth.SiteFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "UNAUTHORIZED"})
	}

	msg, err := h.store.GetByID(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, messages.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "message not found"})
		}
		h.logger.Error("failed to load message", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	if !ownedBy(msg, site) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "message not found"})
	}

	entries, err := h.ledger.ListByMessage(c.Context(), msg.MessageID)
	if err != nil {
		h.logger.Error("failed to list history", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(fiber.Map{"message_id": msg.MessageID, "history": entries})
}

func ownedBy(msg *messages.Message, site *tenants.Site) bool {
	return msg.SiteID != nil && *msg.SiteID == site.ID
}

func (h *Handlers) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "time": time.Now().Unix()})
}

func (h *Handlers) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	if err := h.store.Health(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not ready", "reason": "database"})
	}
	if err := h.bus.HealthCheck(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not ready", "reason": "bus"})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}
