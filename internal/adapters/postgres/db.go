package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// QueryTimeout bounds every repository call whose context has no deadline
const QueryTimeout = 30 * time.Second

// querier is the subset of pgx shared by pools and transactions
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// store is embedded by repositories. Calls run on the transaction carried by
// ctx when there is one, else on the pool.
type store struct {
	pool *pgxpool.Pool
}

func (s *store) db(ctx context.Context) querier {
	return Querier(ctx, s.pool)
}

// Querier returns the transaction stored in ctx by TransactionManager, or
// pool when ctx carries none.
func Querier(ctx context.Context, pool *pgxpool.Pool) querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

func boundedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, QueryTimeout)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// decodeJSONMap decodes a jsonb column into a map. NULL and malformed values
// yield an empty map.
func decodeJSONMap(data []byte) map[string]any {
	m := map[string]any{}
	if len(data) == 0 {
		return m
	}
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}
