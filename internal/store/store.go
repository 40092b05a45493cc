package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the slice of pgxpool.Pool the store needs. pgxmock satisfies it too,
// which is how the SQL paths are tested.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store persists price observations, canonical assets, aggregator snapshots,
// candles and scheduler metadata. All writes are single keyed upserts or
// small per-batch transactions; nothing holds a transaction across a network
// call.
type Store struct {
	db DB
}

func New(db DB) *Store {
	return &Store{db: db}
}
