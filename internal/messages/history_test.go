package messages

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"notification-gateway/internal/db"
	"notification-gateway/internal/observability"
)

func newTestLedger(t *testing.T, metrics *observability.Metrics) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mockDB.Close() })
	store := NewStore(&db.PostgresDB{DB: mockDB}, zap.NewNop())
	return NewLedger(store, metrics, zap.NewNop()), mock
}

func TestAppendRejectsInvalidTransition(t *testing.T) {
	ledger, mock := newTestLedger(t, nil)

	entry := &HistoryEntry{MessageID: "msg-1", Status: StatusRetrying, Source: SourceTrigger}
	err := ledger.Append(context.Background(), ledger.store.DB(), ChannelEmail, StatusDelivered, entry)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
	// The ledger must not be touched for a rejected transition.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAppendRejectsInvalidInitialEntry(t *testing.T) {
	ledger, _ := newTestLedger(t, nil)

	entry := &HistoryEntry{MessageID: "msg-1", Status: StatusDelivered, Source: SourceAPI}
	err := ledger.Append(context.Background(), ledger.store.DB(), ChannelEmail, "", entry)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestAppendDeduplicatesWithinWindow(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	ledger, mock := newTestLedger(t, metrics)

	// Zero rows affected: the WHERE NOT EXISTS guard saw a recent twin.
	mock.ExpectExec(`INSERT INTO message_status_history`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	entry := &HistoryEntry{MessageID: "msg-1", Status: StatusDelivered, Source: SourceWorker}
	if err := ledger.Append(context.Background(), ledger.store.DB(), ChannelEmail, StatusPending, entry); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(metrics.MessagesDeliveredTotal.WithLabelValues("EMAIL")); got != 0 {
		t.Errorf("deduplicated append must not emit a metric, got %v", got)
	}
}

func TestAppendEmitsMetricOncePerInsertedRow(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	ledger, mock := newTestLedger(t, metrics)

	mock.ExpectExec(`INSERT INTO message_status_history`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	entry := &HistoryEntry{MessageID: "msg-1", Status: StatusFailed, Source: SourceWorker}
	if err := ledger.Append(context.Background(), ledger.store.DB(), ChannelWhatsApp, StatusPending, entry); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(metrics.MessagesFailedTotal.WithLabelValues("WHATSAPP")); got != 1 {
		t.Errorf("messages_failed_total = %v, want 1", got)
	}
}

func TestAppendAllowsCreationEntries(t *testing.T) {
	ledger, mock := newTestLedger(t, nil)

	for _, status := range []Status{StatusPending, StatusScheduled} {
		mock.ExpectExec(`INSERT INTO message_status_history`).
			WillReturnResult(sqlmock.NewResult(1, 1))

		entry := &HistoryEntry{MessageID: "msg-1", Status: status, Source: SourceAPI}
		if err := ledger.Append(context.Background(), ledger.store.DB(), ChannelEmail, "", entry); err != nil {
			t.Errorf("creation entry %s rejected: %v", status, err)
		}
	}
}
