package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DialectFor picks the driver from the URL scheme. postgres:// and
// postgresql:// use pgx; sqlite://, file: and bare paths use SQLite.
func DialectFor(databaseURL string) (Dialect, string) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return DialectPostgres, databaseURL
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return DialectSQLite, strings.TrimPrefix(databaseURL, "sqlite://")
	default:
		return DialectSQLite, databaseURL
	}
}

func Open(ctx context.Context, databaseURL string) (*sql.DB, Dialect, error) {
	dialect, dsn := DialectFor(databaseURL)
	driver := "pgx"
	if dialect == DialectSQLite {
		driver = "sqlite"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open db: %w", err)
	}

	switch dialect {
	case DialectPostgres:
		db.SetConnMaxIdleTime(5 * time.Minute)
		db.SetConnMaxLifetime(30 * time.Minute)
		db.SetMaxIdleConns(10)
		db.SetMaxOpenConns(20)
	case DialectSQLite:
		// SQLite allows one writer; a single connection also keeps the
		// per-connection pragmas in effect.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("ping db: %w", err)
	}
	if dialect == DialectSQLite {
		if err := applyPragmas(ctx, db); err != nil {
			db.Close()
			return nil, "", err
		}
	}
	return db, dialect, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders into the dialect's positional form.
// Queries in this package never carry a literal '?' inside string
// constants, so a plain scan is sufficient.
func rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
