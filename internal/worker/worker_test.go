package worker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"notification-gateway/internal/messages"
	"notification-gateway/internal/provider"
	"notification-gateway/internal/provider/mock"
	"notification-gateway/internal/tenants"
)

type stubStore struct {
	msg *messages.Message

	delivered []string
	failed    map[string]string
}

func (s *stubStore) GetByID(ctx context.Context, messageID string) (*messages.Message, error) {
	if s.msg == nil || s.msg.MessageID != messageID {
		return nil, messages.ErrNotFound
	}
	m := *s.msg
	return &m, nil
}

func (s *stubStore) MarkDelivered(ctx context.Context, messageID string) (bool, error) {
	s.delivered = append(s.delivered, messageID)
	return true, nil
}

func (s *stubStore) MarkConsumerFailed(ctx context.Context, messageID, errorMessage string) (bool, error) {
	if s.failed == nil {
		s.failed = map[string]string{}
	}
	s.failed[messageID] = errorMessage
	return true, nil
}

func (s *stubStore) DB() messages.DBTX { return nil }

type stubLedger struct {
	entries []*messages.HistoryEntry
}

func (l *stubLedger) Append(ctx context.Context, q messages.DBTX, channel messages.Channel, from messages.Status, entry *messages.HistoryEntry) error {
	l.entries = append(l.entries, entry)
	return nil
}

type stubResolver struct {
	emailErr    error
	whatsappErr error
}

func (r *stubResolver) ResolveEmail(ctx context.Context, payload *messages.Payload) (*tenants.EmailCredentials, error) {
	if r.emailErr != nil {
		return nil, r.emailErr
	}
	return &tenants.EmailCredentials{APIKey: "SG.key", FromEmail: "a@b.c", FromName: "A"}, nil
}

func (r *stubResolver) ResolveWhatsApp(ctx context.Context, payload *messages.Payload) (*tenants.WhatsAppCredentials, error) {
	if r.whatsappErr != nil {
		return nil, r.whatsappErr
	}
	return &tenants.WhatsAppCredentials{SessionName: "s", APIKey: "k"}, nil
}

type stubBus struct {
	dlq     []string
	handler func(payload *messages.Payload, raw *nats.Msg)
}

func (b *stubBus) Subscribe(channel messages.Channel, queueGroup string, handler func(payload *messages.Payload, raw *nats.Msg)) (*nats.Subscription, error) {
	b.handler = handler
	return nil, nil
}

func (b *stubBus) PublishDLQ(ctx context.Context, payload *messages.Payload, reason string) error {
	b.dlq = append(b.dlq, reason)
	return nil
}

func testMessage(channel messages.Channel, status messages.Status) *messages.Message {
	siteID := uuid.New()
	body := "hello"
	return &messages.Message{
		MessageID: messages.NewMessageID(),
		SiteID:    &siteID,
		Channel:   channel,
		Status:    status,
		Recipient: "user@example.com",
		Body:      &body,
	}
}

func newTestWorker(channel messages.Channel, store *stubStore, ledger *stubLedger, resolver *stubResolver, prov provider.Provider) *Worker {
	return New(channel, store, ledger, resolver, &stubBus{}, prov, time.Second, 1, nil, zap.NewNop())
}

func TestProcessDelivers(t *testing.T) {
	msg := testMessage(messages.ChannelEmail, messages.StatusPending)
	store := &stubStore{msg: msg}
	ledger := &stubLedger{}
	prov := mock.New()

	w := newTestWorker(messages.ChannelEmail, store, ledger, &stubResolver{}, prov)
	w.Process(context.Background(), messages.NewPayload(msg))

	if prov.Calls() != 1 {
		t.Fatalf("provider calls = %d, want 1", prov.Calls())
	}
	if len(store.delivered) != 1 || store.delivered[0] != msg.MessageID {
		t.Errorf("delivered = %v", store.delivered)
	}
	if len(ledger.entries) != 1 || ledger.entries[0].Status != messages.StatusDelivered {
		t.Errorf("ledger = %+v", ledger.entries)
	}
}

// A redelivered record for an already-terminal message is acknowledged
// without another provider call.
func TestProcessSkipsTerminalMessage(t *testing.T) {
	msg := testMessage(messages.ChannelEmail, messages.StatusDelivered)
	store := &stubStore{msg: msg}
	prov := mock.New()

	w := newTestWorker(messages.ChannelEmail, store, &stubLedger{}, &stubResolver{}, prov)
	w.Process(context.Background(), messages.NewPayload(msg))

	if prov.Calls() != 0 {
		t.Errorf("provider called %d times for a terminal message", prov.Calls())
	}
	if len(store.delivered) != 0 || len(store.failed) != 0 {
		t.Error("terminal message must not be updated")
	}
}

// The stored row is authoritative for tenancy: a payload claiming a
// different site fails CONFIG without a provider call.
func TestProcessRejectsTenantMismatch(t *testing.T) {
	msg := testMessage(messages.ChannelEmail, messages.StatusPending)
	store := &stubStore{msg: msg}
	ledger := &stubLedger{}
	prov := mock.New()

	payload := messages.NewPayload(msg)
	otherSite := uuid.New()
	payload.SiteID = &otherSite

	w := newTestWorker(messages.ChannelEmail, store, ledger, &stubResolver{}, prov)
	w.Process(context.Background(), payload)

	if prov.Calls() != 0 {
		t.Error("provider must not be called on a tenant mismatch")
	}
	errMsg, ok := store.failed[msg.MessageID]
	if !ok {
		t.Fatal("message not marked failed")
	}
	if !strings.Contains(errMsg, "[CONFIG]") || !strings.Contains(errMsg, "Tenant isolation violation") {
		t.Errorf("error message = %q", errMsg)
	}
	if len(ledger.entries) != 1 || ledger.entries[0].Status != messages.StatusFailed {
		t.Errorf("ledger = %+v", ledger.entries)
	}
}

func TestProcessResolverTenantMismatch(t *testing.T) {
	msg := testMessage(messages.ChannelWhatsApp, messages.StatusPending)
	store := &stubStore{msg: msg}
	prov := mock.New()

	w := newTestWorker(messages.ChannelWhatsApp, store, &stubLedger{},
		&stubResolver{whatsappErr: tenants.ErrTenantMismatch}, prov)
	w.Process(context.Background(), messages.NewPayload(msg))

	if prov.Calls() != 0 {
		t.Error("provider must not be called without credentials")
	}
	if errMsg := store.failed[msg.MessageID]; !strings.Contains(errMsg, "[CONFIG]") {
		t.Errorf("error message = %q", errMsg)
	}
}

// A provider failure is recorded with its category prefix and without
// touching retry_count; retries belong to the controller.
func TestProcessRecordsProviderFailure(t *testing.T) {
	msg := testMessage(messages.ChannelEmail, messages.StatusPending)
	msg.RetryCount = 2
	store := &stubStore{msg: msg}
	ledger := &stubLedger{}
	prov := mock.New()
	prov.Script(provider.Failure(provider.CategoryTemporary, "sendgrid returned HTTP 503"))

	w := newTestWorker(messages.ChannelEmail, store, ledger, &stubResolver{}, prov)
	w.Process(context.Background(), messages.NewPayload(msg))

	errMsg, ok := store.failed[msg.MessageID]
	if !ok {
		t.Fatal("message not marked failed")
	}
	if !strings.Contains(errMsg, "[TEMPORARY]") {
		t.Errorf("error message = %q", errMsg)
	}
	if len(ledger.entries) != 1 {
		t.Fatalf("ledger = %+v", ledger.entries)
	}
	if ledger.entries[0].RetryCount != 2 {
		t.Errorf("history retry_count = %d, want the row's unchanged 2", ledger.entries[0].RetryCount)
	}
}

func TestProcessDiscardsUnknownMessage(t *testing.T) {
	store := &stubStore{}
	prov := mock.New()

	w := newTestWorker(messages.ChannelEmail, store, &stubLedger{}, &stubResolver{}, prov)
	w.Process(context.Background(), &messages.Payload{MessageID: "unknown", Channel: messages.ChannelEmail})

	if prov.Calls() != 0 {
		t.Error("provider must not be called for an unknown message")
	}
}

// Unsubscribe does not guarantee the bus callback has finished, so a
// record can still arrive after Stop; it must be dropped without a
// panic, not sent into a torn-down pool.
func TestStopDropsLateBusRecord(t *testing.T) {
	msg := testMessage(messages.ChannelEmail, messages.StatusPending)
	store := &stubStore{msg: msg}
	bus := &stubBus{}
	prov := mock.New()

	w := New(messages.ChannelEmail, store, &stubLedger{}, &stubResolver{}, bus,
		prov, time.Second, 1, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if bus.handler == nil {
		t.Fatal("subscribe handler not captured")
	}
	w.Stop()

	bus.handler(messages.NewPayload(msg), &nats.Msg{})

	if prov.Calls() != 0 {
		t.Errorf("provider called %d times after Stop", prov.Calls())
	}
	if len(store.delivered) != 0 {
		t.Error("record processed after Stop")
	}
}

func TestProcessUsesResolvedCredentials(t *testing.T) {
	msg := testMessage(messages.ChannelEmail, messages.StatusPending)
	store := &stubStore{msg: msg}
	prov := mock.New()

	w := newTestWorker(messages.ChannelEmail, store, &stubLedger{}, &stubResolver{}, prov)
	w.Process(context.Background(), messages.NewPayload(msg))

	creds := prov.LastCreds()
	if creds.APIKey != "SG.key" || creds.FromEmail != "a@b.c" {
		t.Errorf("credentials = %+v", creds)
	}
}
