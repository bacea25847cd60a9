package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type txKey struct{}

// Querier is the subset of pgx shared by pools, connections and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// TxBeginner is satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TxFromContext returns the transaction stored by WithTx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// WithTx begins a transaction and returns a context carrying it. Repositories
// that resolve their connection through TxFromContext join the transaction.
func WithTx(ctx context.Context, db TxBeginner) (context.Context, pgx.Tx, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, txKey{}, tx), tx, nil
}

// RunInTx runs fn inside a transaction, committing on success and rolling
// back when fn returns an error.
func RunInTx(ctx context.Context, db TxBeginner, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}
	txCtx, tx, err := WithTx(ctx, db)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(txCtx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
