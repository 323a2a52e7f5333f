package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/longregen/teleprompt/internal/adapters/tracing"
	"github.com/longregen/teleprompt/internal/ports"
)

type txContextKey struct{}

var txKey = txContextKey{}

// TransactionManager runs optimization writes atomically
type TransactionManager struct {
	pool *pgxpool.Pool
}

var _ ports.TransactionManager = (*TransactionManager)(nil)

// NewTransactionManager creates a new transaction manager
func NewTransactionManager(pool *pgxpool.Pool) *TransactionManager {
	return &TransactionManager{pool: pool}
}

// WithTransaction runs fn in a transaction that commits when fn returns nil
// and rolls back otherwise. A ctx that already carries a transaction is
// reused, so nested calls join the outer transaction. A panic in fn rolls
// back and is returned as an error.
func (tm *TransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	ctx, cancel := boundedContext(ctx)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "postgres.transaction")
	defer func() { tracing.EndSpan(span, err) }()

	return pgx.BeginTxFunc(ctx, tm.pool, pgx.TxOptions{}, func(tx pgx.Tx) (txErr error) {
		defer func() {
			if r := recover(); r != nil {
				txErr = fmt.Errorf("panic recovered in transaction: %v", r)
			}
		}()
		return fn(context.WithValue(ctx, txKey, tx))
	})
}

// TxFromContext returns the transaction started by WithTransaction, if any
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey).(pgx.Tx)
	return tx
}
