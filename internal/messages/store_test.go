package messages

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"

	"notification-gateway/internal/db"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mockDB.Close() })
	return NewStore(&db.PostgresDB{DB: mockDB}, zap.NewNop()), mock
}

func TestClaimForRetryWinsAndIncrements(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(`UPDATE messages`).
		WithArgs("msg-1", 3).
		WillReturnRows(sqlmock.NewRows([]string{"retry_count"}).AddRow(2))

	count, claimed, err := store.ClaimForRetry(context.Background(), store.DB(), "msg-1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if !claimed {
		t.Fatal("expected claim to succeed")
	}
	if count != 2 {
		t.Errorf("retry_count = %d, want 2", count)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// A second replica racing on the same FAILED row sees zero rows from
// the conditional update and must back off without error.
func TestClaimForRetryLosesRace(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(`UPDATE messages`).
		WithArgs("msg-1", 3).
		WillReturnRows(sqlmock.NewRows([]string{"retry_count"}))

	_, claimed, err := store.ClaimForRetry(context.Background(), store.DB(), "msg-1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if claimed {
		t.Error("expected claim to lose the race")
	}
}

// The claim's WHERE clause carries the budget bound, so a row whose
// retry_count already reached the limit matches zero rows and can
// never be incremented past it.
func TestClaimForRetryBoundsBudget(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(`status = 'FAILED' AND retry_count < \$2`).
		WithArgs("msg-1", 3).
		WillReturnRows(sqlmock.NewRows([]string{"retry_count"}))

	_, claimed, err := store.ClaimForRetry(context.Background(), store.DB(), "msg-1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if claimed {
		t.Error("expected an at-budget row not to be claimed")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestClaimStalePendingIncrements(t *testing.T) {
	store, mock := newTestStore(t)
	cutoff := time.Now().Add(-5 * time.Minute)

	mock.ExpectQuery(`status = 'PENDING' AND retry_count < \$2`).
		WithArgs("msg-2", 3, cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"retry_count"}).AddRow(1))

	count, claimed, err := store.ClaimStalePending(context.Background(), store.DB(), "msg-2", 3, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if !claimed || count != 1 {
		t.Errorf("claimed=%v count=%d, want true/1", claimed, count)
	}
}

// The DLQ claim keeps status and failure_type in lockstep: the row is
// non-FAILED while the dead-letter send runs, so the failure class is
// cleared with it and restored by MarkRetriesExhausted.
func TestClaimForDLQClearsFailureType(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec(`SET status = 'RETRYING', failure_type = NULL`).
		WithArgs("msg-6").
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := store.ClaimForDLQ(context.Background(), store.DB(), "msg-6")
	if err != nil {
		t.Fatal(err)
	}
	if !claimed {
		t.Error("expected the DLQ claim to succeed")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMarkDeliveredSkipsTerminalRows(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec(`UPDATE messages`).
		WithArgs("msg-3").
		WillReturnResult(sqlmock.NewResult(0, 0))

	updated, err := store.MarkDelivered(context.Background(), "msg-3")
	if err != nil {
		t.Fatal(err)
	}
	if updated {
		t.Error("expected no update on an already-terminal row")
	}
}

func TestMarkConsumerFailed(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec(`UPDATE messages`).
		WithArgs("msg-4", "[TEMPORARY] provider returned HTTP 503").
		WillReturnResult(sqlmock.NewResult(0, 1))

	updated, err := store.MarkConsumerFailed(context.Background(), "msg-4", "[TEMPORARY] provider returned HTTP 503")
	if err != nil {
		t.Fatal(err)
	}
	if !updated {
		t.Error("expected the row to be updated")
	}
}

func TestFailRetryPublishReturnsSpentBudget(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(`UPDATE messages`).
		WithArgs("msg-5", "bus publish failed: connection refused").
		WillReturnRows(sqlmock.NewRows([]string{"retry_count"}).AddRow(3))

	count, err := store.FailRetryPublish(context.Background(), "msg-5", "bus publish failed: connection refused")
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("retry_count = %d, want 3", count)
	}
}

func TestGetByIDNotFound(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"message_id"}))

	_, err := store.GetByID(context.Background(), "missing")
	if err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
