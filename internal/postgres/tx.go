package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is implemented by both *pgxpool.Pool and pgx.Tx. Repository methods accept a Querier instead
// of a concrete pool so that internal/actor can pass its own transaction through to several
// repositories and have their writes commit atomically together.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx runs fn inside a database transaction. If fn returns an error, the transaction is rolled back. Otherwise, the
// transaction is committed. The deferred rollback after a successful commit is a safe no-op.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// DB is a Querier that can also run a transaction, letting a caller like internal/actor depend on one
// interface for both its single-statement writes and its transactional ones without holding a concrete
// *pgxpool.Pool — so tests can substitute an in-memory fake.
type DB interface {
	Querier
	WithTx(ctx context.Context, fn func(tx Querier) error) error
}

// PoolDB adapts *pgxpool.Pool to DB. Embedding promotes Exec/Query/QueryRow directly from the pool.
type PoolDB struct {
	*pgxpool.Pool
}

// NewPoolDB wraps pool as a DB.
func NewPoolDB(pool *pgxpool.Pool) *PoolDB {
	return &PoolDB{Pool: pool}
}

// WithTx runs fn inside a transaction on the wrapped pool.
func (p *PoolDB) WithTx(ctx context.Context, fn func(tx Querier) error) error {
	return WithTx(ctx, p.Pool, func(tx pgx.Tx) error { return fn(tx) })
}
