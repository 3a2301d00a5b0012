// Package crdb is the CockroachDB Event Store and Reservation Ledger. Every
// occupancy or lifecycle change also writes an outbox row in the same
// transaction so other instances learn about it.
package crdb

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/event-reservations/internal/domain"
	"github.com/robertarktes/event-reservations/internal/observability"
)

const (
	SerializationFailureCode = "40001"
	UniqueViolationCode      = "23505"
	ForeignKeyViolationCode  = "23503"
	InvalidTextCode          = "22P02"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txKey struct{}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func txFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// db returns the transaction carried by ctx, or the pool.
func (r *Repository) db(ctx context.Context) querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// WithTx runs fn in a SERIALIZABLE transaction carried by the context it
// receives. A context that already carries a transaction is reused, so
// repository methods compose. Serialization failures come back marked as
// domain.ErrConflict for the coordinator to retry.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFromContext(ctx) != nil {
		return fn(ctx)
	}

	start := time.Now()
	defer func() {
		observability.DBTxDuration.Observe(time.Since(start).Seconds())
	}()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if _, err := tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE"); err != nil {
		return mapError(err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(errors.Wrap(err, "commit"))
	}
	return nil
}

func mapError(err error) error {
	if isCode(err, SerializationFailureCode) {
		return errors.Mark(errors.Mark(err, domain.ErrSerializationFailure), domain.ErrConflict)
	}
	return err
}

func isCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
