// Package serverstore implements C4, the server's authoritative
// relational store: users, API credentials, documents, revision
// history, and the per-user change-event log. Modeled on the pack's
// goph-keeper repository/postgres package, including its PgxPool
// abstraction so repositories can be exercised against pgxmock without
// a live database.
package serverstore

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxPool is the minimal surface repositories need from a Postgres
// connection pool. *pgxpool.Pool and pgxmock.PgxPoolIface both satisfy
// it.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Close()
}

// DB wraps a PgxPool so repository constructors can be handed either a
// real pool or a mock.
type DB struct{ Pool PgxPool }

// Open creates a new connection pool for dsn.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &DB{Pool: pool}, nil
}

// Close shuts down the pool.
func (db *DB) Close() { db.Pool.Close() }
