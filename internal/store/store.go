package store

import (
	"context"
	"database/sql"
	"time"
)

// Store persists unified content, relationship edges and sync attempts
// over database/sql. Queries are written with ? placeholders and rebound
// for the active dialect.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, now: time.Now}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// queryer is satisfied by both *sql.DB and *sql.Tx. On SQLite the pool
// holds a single connection, so statements issued inside a transaction
// must go through the transaction.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) q(query string) string {
	return rebind(s.dialect, query)
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}
