// Package outbox provides the transactional-publish discipline: a bus
// record must never exist before its message row is committed, so
// publish actions ride after-commit hooks of the row's transaction.
package outbox

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"notification-gateway/internal/db"
)

// Hooks collects actions to run once the enclosing transaction has
// committed. A rollback drops them.
type Hooks struct {
	afterCommit []func(ctx context.Context)
}

// AfterCommit registers fn to run after a successful commit. Hooks run
// in registration order; a hook that needs to react to its own failure
// (e.g. the retry controller's publish) handles that inside fn.
func (h *Hooks) AfterCommit(fn func(ctx context.Context)) {
	h.afterCommit = append(h.afterCommit, fn)
}

type Outbox struct {
	db     *db.PostgresDB
	logger *zap.Logger
}

func New(db *db.PostgresDB, logger *zap.Logger) *Outbox {
	return &Outbox{db: db, logger: logger}
}

// RunInTx executes fn inside a transaction. Hooks registered by fn run
// only after commit; they never run on rollback, and their failures do
// not undo the commit (the retry controller's rescue rule covers a
// publish that never happened).
func (o *Outbox) RunInTx(ctx context.Context, fn func(tx *sql.Tx, hooks *Hooks) error) error {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	hooks := &Hooks{}
	if err := fn(tx, hooks); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			o.logger.Error("rollback failed", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	for _, hook := range hooks.afterCommit {
		hook(ctx)
	}
	return nil
}
