package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const (
	// DBTxKey carries an open pgx.Tx through a request context so that
	// repositories participate in the caller's transaction.
	DBTxKey contextKey = "db_tx"
)

// TxFromContext retrieves the transaction from context, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction on the pool and returns a derived context that
// carries it. Repositories route their statements through the transaction
// when one is present, so a multi-table write commits or rolls back as a
// unit. The returned finish function commits on nil error and rolls back
// otherwise; it is safe to call after an explicit commit.
func WithTx(ctx context.Context, pool *pgxpool.Pool) (context.Context, func(error) error, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}

	txCtx := context.WithValue(ctx, DBTxKey, tx)
	finish := func(opErr error) error {
		if opErr != nil {
			_ = tx.Rollback(ctx)
			return opErr
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	}
	return txCtx, finish, nil
}

// RunInTx executes fn inside a single transaction carried on the context.
func RunInTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context) error) error {
	txCtx, finish, err := WithTx(ctx, pool)
	if err != nil {
		return err
	}
	return finish(fn(txCtx))
}
