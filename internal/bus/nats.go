// Package bus adapts NATS to the pipeline: one subject per channel,
// one DLQ subject per channel, queue-group consumption for workers.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"notification-gateway/internal/messages"
)

type Topics struct {
	Email       string
	WhatsApp    string
	EmailDLQ    string
	WhatsAppDLQ string
}

// DLQRecord wraps the original payload with the terminal reason.
type DLQRecord struct {
	Payload   *messages.Payload `json:"payload"`
	Reason    string            `json:"reason"`
	Timestamp time.Time         `json:"timestamp"`
}

type Bus struct {
	conn   *nats.Conn
	topics Topics
	logger *zap.Logger
}

func Connect(natsURL string, topics Topics, logger *zap.Logger) (*Bus, error) {
	opts := []nats.Option{
		nats.Name("Notification Gateway"),
		nats.Timeout(10 * time.Second),
		nats.ReconnectWait(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Error("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("connected to NATS", zap.String("url", conn.ConnectedUrl()))

	return &Bus{conn: conn, topics: topics, logger: logger}, nil
}

func (b *Bus) Close() error {
	b.conn.Close()
	return nil
}

func (b *Bus) HealthCheck(ctx context.Context) error {
	if b.conn.Status() != nats.CONNECTED {
		return fmt.Errorf("NATS not connected, status: %v", b.conn.Status())
	}
	return nil
}

// Topic maps a channel to its subject.
func (b *Bus) Topic(channel messages.Channel) (string, error) {
	switch channel {
	case messages.ChannelEmail:
		return b.topics.Email, nil
	case messages.ChannelWhatsApp:
		return b.topics.WhatsApp, nil
	}
	return "", fmt.Errorf("no topic for channel %q", channel)
}

// DLQTopic maps a channel to its dead-letter subject.
func (b *Bus) DLQTopic(channel messages.Channel) (string, error) {
	switch channel {
	case messages.ChannelEmail:
		return b.topics.EmailDLQ, nil
	case messages.ChannelWhatsApp:
		return b.topics.WhatsAppDLQ, nil
	}
	return "", fmt.Errorf("no DLQ topic for channel %q", channel)
}

// Publish puts a payload on its channel subject. The payload type has
// no credential fields, so nothing secret can reach the bus.
func (b *Bus) Publish(ctx context.Context, payload *messages.Payload) error {
	subject, err := b.Topic(payload.Channel)
	if err != nil {
		return err
	}

	data, err := payload.Marshal()
	if err != nil {
		return err
	}

	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	b.logger.Debug("published payload",
		zap.String("message_id", payload.MessageID),
		zap.String("subject", subject))
	return nil
}

// PublishDLQ sends an exhausted message to its channel DLQ.
func (b *Bus) PublishDLQ(ctx context.Context, payload *messages.Payload, reason string) error {
	subject, err := b.DLQTopic(payload.Channel)
	if err != nil {
		return err
	}

	record := DLQRecord{Payload: payload, Reason: reason, Timestamp: time.Now()}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ record: %w", err)
	}

	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to DLQ %s: %w", subject, err)
	}

	b.logger.Warn("published DLQ record",
		zap.String("message_id", payload.MessageID),
		zap.String("subject", subject),
		zap.String("reason", reason))
	return nil
}

// Subscribe consumes a channel's subject in a queue group so worker
// replicas share the load. The handler owns acknowledgement semantics:
// it must finish its status update before returning.
func (b *Bus) Subscribe(channel messages.Channel, queueGroup string, handler func(payload *messages.Payload, raw *nats.Msg)) (*nats.Subscription, error) {
	subject, err := b.Topic(channel)
	if err != nil {
		return nil, err
	}

	return b.conn.QueueSubscribe(subject, queueGroup, func(msg *nats.Msg) {
		payload, err := messages.ParsePayload(msg.Data)
		if err != nil {
			b.logger.Error("failed to parse bus payload", zap.Error(err), zap.String("subject", subject))
			handler(nil, msg)
			return
		}
		handler(payload, msg)
	})
}
