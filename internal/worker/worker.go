// Package worker implements the channel worker: consume a bus record,
// verify the tenant, resolve credentials, call the provider, record
// the terminal status. Processing is idempotent under redelivery and
// the worker never touches retry_count or the DLQ.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"notification-gateway/internal/messages"
	"notification-gateway/internal/observability"
	"notification-gateway/internal/provider"
	"notification-gateway/internal/sanitize"
	"notification-gateway/internal/tenants"
)

type MessageStore interface {
	GetByID(ctx context.Context, messageID string) (*messages.Message, error)
	MarkDelivered(ctx context.Context, messageID string) (bool, error)
	MarkConsumerFailed(ctx context.Context, messageID, errorMessage string) (bool, error)
	DB() messages.DBTX
}

type Ledger interface {
	Append(ctx context.Context, q messages.DBTX, channel messages.Channel, from messages.Status, entry *messages.HistoryEntry) error
}

type CredentialResolver interface {
	ResolveEmail(ctx context.Context, payload *messages.Payload) (*tenants.EmailCredentials, error)
	ResolveWhatsApp(ctx context.Context, payload *messages.Payload) (*tenants.WhatsAppCredentials, error)
}

type Bus interface {
	Subscribe(channel messages.Channel, queueGroup string, handler func(payload *messages.Payload, raw *nats.Msg)) (*nats.Subscription, error)
	PublishDLQ(ctx context.Context, payload *messages.Payload, reason string) error
}

type Worker struct {
	channel  messages.Channel
	store    MessageStore
	ledger   Ledger
	resolver CredentialResolver
	bus      Bus
	provider provider.Provider
	breaker  *gobreaker.CircuitBreaker
	timeout  time.Duration
	poolSize int
	metrics  *observability.Metrics
	logger   *zap.Logger

	jobChan chan *messages.Payload
	done    chan struct{}
	wg      sync.WaitGroup
	sub     *nats.Subscription
}

func New(
	channel messages.Channel,
	store MessageStore,
	ledger Ledger,
	resolver CredentialResolver,
	bus Bus,
	prov provider.Provider,
	timeout time.Duration,
	poolSize int,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Worker {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    fmt.Sprintf("%s-provider", prov.Name()),
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
	})

	return &Worker{
		channel:  channel,
		store:    store,
		ledger:   ledger,
		resolver: resolver,
		bus:      bus,
		provider: prov,
		breaker:  breaker,
		timeout:  timeout,
		poolSize: poolSize,
		metrics:  metrics,
		logger:   logger,
		jobChan:  make(chan *messages.Payload, 100),
		done:     make(chan struct{}),
	}
}

// Start subscribes the worker's channel topic in a shared queue group
// and feeds a fixed pool of goroutines.
func (w *Worker) Start(ctx context.Context) error {
	for i := 0; i < w.poolSize; i++ {
		w.wg.Add(1)
		go func(workerID int) {
			defer w.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-w.done:
					return
				case payload := <-w.jobChan:
					procCtx, cancel := context.WithTimeout(context.Background(), w.timeout+10*time.Second)
					w.Process(procCtx, payload)
					cancel()
				}
			}
		}(i)
	}

	queueGroup := fmt.Sprintf("workers-%s", w.channel)
	sub, err := w.bus.Subscribe(w.channel, queueGroup, func(payload *messages.Payload, raw *nats.Msg) {
		if payload == nil {
			// Unparseable record: nothing to update, report and discard.
			w.reportGarbage(ctx, raw)
			return
		}
		if payload.MessageID == "" {
			payload.MessageID = raw.Header.Get(nats.MsgIdHdr)
		}
		if payload.MessageID == "" {
			w.reportGarbage(ctx, raw)
			return
		}
		select {
		case w.jobChan <- payload:
		case <-ctx.Done():
		case <-w.done:
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe %s worker: %w", w.channel, err)
	}
	w.sub = sub

	w.logger.Info("channel worker started",
		zap.String("channel", string(w.channel)),
		zap.String("provider", w.provider.Name()),
		zap.Int("pool_size", w.poolSize))
	return nil
}

// Stop unsubscribes and releases the pool. jobChan is never closed:
// a bus callback can still fire after Unsubscribe returns, so the
// producer side must stay send-safe. Anything left in the buffer is
// a PENDING row the rescue scan republishes.
func (w *Worker) Stop() {
	if w.sub != nil {
		w.sub.Unsubscribe()
	}
	close(w.done)
	w.wg.Wait()
}

// Process runs the full loop for one bus record. It always records a
// status before returning; acknowledgement is returning at all.
func (w *Worker) Process(ctx context.Context, payload *messages.Payload) {
	msg, err := w.store.GetByID(ctx, payload.MessageID)
	if err != nil {
		if errors.Is(err, messages.ErrNotFound) {
			w.logger.Error("bus record references unknown message, discarding",
				zap.String("message_id", payload.MessageID))
			return
		}
		// Transient store failure: leave the row as-is, the retry
		// controller's rescue rule will republish it.
		w.logger.Error("failed to load message", zap.String("message_id", payload.MessageID), zap.Error(err))
		return
	}

	// Idempotency gate: a duplicate delivery of an already-delivered
	// message is acknowledged without another provider call.
	if msg.Status.IsTerminal() {
		w.logger.Debug("message already terminal, skipping",
			zap.String("message_id", msg.MessageID),
			zap.String("status", string(msg.Status)))
		return
	}

	// Tenant verification: the stored row is authoritative.
	if !sameSite(msg.SiteID, payload.SiteID) {
		w.fail(ctx, msg, provider.CategoryConfig,
			"Tenant isolation violation: payload siteId does not match message tenant")
		return
	}

	creds, err := w.resolveCredentials(ctx, payload)
	if err != nil {
		if errors.Is(err, tenants.ErrTenantMismatch) {
			w.fail(ctx, msg, provider.CategoryConfig,
				"Tenant isolation violation: payload session does not match site binding")
			return
		}
		w.fail(ctx, msg, provider.CategoryConfig, sanitize.Error(err))
		return
	}

	result := w.send(ctx, payload, creds)
	if result.OK {
		w.deliver(ctx, msg)
		return
	}
	w.fail(ctx, msg, result.Category, result.Message)
}

func (w *Worker) resolveCredentials(ctx context.Context, payload *messages.Payload) (provider.Credentials, error) {
	switch w.channel {
	case messages.ChannelEmail:
		creds, err := w.resolver.ResolveEmail(ctx, payload)
		if err != nil {
			return provider.Credentials{}, err
		}
		return provider.Credentials{APIKey: creds.APIKey, FromEmail: creds.FromEmail, FromName: creds.FromName}, nil
	case messages.ChannelWhatsApp:
		creds, err := w.resolver.ResolveWhatsApp(ctx, payload)
		if err != nil {
			return provider.Credentials{}, err
		}
		return provider.Credentials{APIKey: creds.APIKey, SessionName: creds.SessionName}, nil
	}
	return provider.Credentials{}, fmt.Errorf("%w: unsupported channel %q", tenants.ErrMissingConfig, w.channel)
}

func (w *Worker) send(ctx context.Context, payload *messages.Payload, creds provider.Credentials) provider.Result {
	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := time.Now()
	result := w.execute(callCtx, payload, creds)

	if w.metrics != nil {
		outcome := "success"
		if !result.OK {
			outcome = "failure"
		}
		w.metrics.ProviderCallDuration.WithLabelValues(w.provider.Name(), outcome).
			Observe(time.Since(start).Seconds())
	}
	return result
}

func (w *Worker) execute(callCtx context.Context, payload *messages.Payload, creds provider.Credentials) provider.Result {
	res, err := w.breaker.Execute(func() (interface{}, error) {
		result := w.provider.Send(callCtx, payload, creds)
		if !result.OK {
			return result, fmt.Errorf("provider failure: %s", result.Message)
		}
		return result, nil
	})
	if err != nil {
		if result, ok := res.(provider.Result); ok {
			return result
		}
		// Breaker open: the provider was not called at all.
		return provider.Failure(provider.CategoryTemporary, sanitize.Error(err))
	}
	return res.(provider.Result)
}

func (w *Worker) deliver(ctx context.Context, msg *messages.Message) {
	updated, err := w.store.MarkDelivered(ctx, msg.MessageID)
	if err != nil {
		w.logger.Error("failed to mark delivered", zap.String("message_id", msg.MessageID), zap.Error(err))
		return
	}
	if !updated {
		// Another actor got there first; nothing to append.
		return
	}

	entry := &messages.HistoryEntry{
		MessageID:  msg.MessageID,
		Status:     messages.StatusDelivered,
		RetryCount: msg.RetryCount,
		Source:     messages.SourceWorker,
	}
	if err := w.ledger.Append(ctx, w.store.DB(), msg.Channel, msg.Status, entry); err != nil {
		w.logger.Error("failed to append delivery history", zap.String("message_id", msg.MessageID), zap.Error(err))
	}

	w.logger.Info("message delivered",
		zap.String("message_id", msg.MessageID),
		zap.String("channel", string(msg.Channel)),
		zap.String("provider", w.provider.Name()))
}

// fail records a CONSUMER failure. retry_count is untouched: that
// column has exactly one writer, the retry controller.
func (w *Worker) fail(ctx context.Context, msg *messages.Message, category provider.Category, errorMessage string) {
	errorMessage = sanitize.String(fmt.Sprintf("[%s] %s", category, errorMessage))

	updated, err := w.store.MarkConsumerFailed(ctx, msg.MessageID, errorMessage)
	if err != nil {
		w.logger.Error("failed to mark failed", zap.String("message_id", msg.MessageID), zap.Error(err))
		return
	}
	if !updated {
		return
	}

	entry := &messages.HistoryEntry{
		MessageID:    msg.MessageID,
		Status:       messages.StatusFailed,
		ErrorMessage: &errorMessage,
		RetryCount:   msg.RetryCount,
		Source:       messages.SourceWorker,
	}
	if err := w.ledger.Append(ctx, w.store.DB(), msg.Channel, msg.Status, entry); err != nil {
		w.logger.Error("failed to append failure history", zap.String("message_id", msg.MessageID), zap.Error(err))
	}

	w.logger.Warn("message failed",
		zap.String("message_id", msg.MessageID),
		zap.String("channel", string(msg.Channel)),
		zap.String("category", string(category)),
		zap.String("error", errorMessage))
}

func (w *Worker) reportGarbage(ctx context.Context, raw *nats.Msg) {
	w.logger.Error("discarding unidentifiable bus record",
		zap.String("subject", raw.Subject),
		zap.Int("bytes", len(raw.Data)))
	placeholder := &messages.Payload{Channel: w.channel}
	if err := w.bus.PublishDLQ(ctx, placeholder, "unparseable bus record"); err != nil {
		w.logger.Error("failed to report garbage record to DLQ", zap.Error(err))
	}
}

func sameSite(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
