package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lattice-storage/lattice/internal/containerdb"
	"github.com/lattice-storage/lattice/internal/logging"
)

// WithTransaction runs fn with one database transaction carried in its
// context: every write fn makes through the engine joins it, and
// nothing lands on disk unless fn returns nil and the commit succeeds.
// A nested call joins the enclosing transaction instead of opening its
// own.
//
// In-memory state runs ahead of the database while fn executes, so on
// failure the engine reloads every group from disk. Group handles
// obtained before a failed transaction are stale after it; fetch them
// again by name.
func (e *Engine) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := containerdb.TxFrom(ctx); ok {
		return fn(ctx)
	}

	tx, err := e.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	txID := uuid.New().String()
	log := e.logger.With(zap.String("transaction_id", txID))
	log.Info(ctx, "Transaction started")

	if err := fn(containerdb.WithTx(ctx, tx)); err != nil {
		log.Error(ctx, "Transaction failed, rolling back", zap.Error(err))
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error(ctx, "Transaction rollback failed", zap.Error(rbErr))
		}
		return e.resync(ctx, log, fmt.Errorf("transaction %s: %w", txID, err))
	}
	if err := tx.Commit(); err != nil {
		log.Error(ctx, "Transaction commit failed", zap.Error(err))
		return e.resync(ctx, log, fmt.Errorf("commit transaction %s: %w", txID, err))
	}
	log.Info(ctx, "Transaction successful")
	return nil
}

// resync re-reads every group from the database after a failed
// transaction; writes made inside it were applied in memory but never
// landed on disk.
func (e *Engine) resync(ctx context.Context, log logging.Logger, txErr error) error {
	if err := e.reload(ctx); err != nil {
		log.Error(ctx, "Reload after failed transaction failed", zap.Error(err))
		return fmt.Errorf("%w (reload failed: %v)", txErr, err)
	}
	return txErr
}
