// Package database opens and wraps the core's SQL handle.
//
// The core runs on SQLite for development and tests and on PostgreSQL in
// production. All SQL in the repo is written once with ? placeholders and
// rebound per dialect, and every schema statement sticks to the syntax both
// engines accept (TEXT timestamps, ON CONFLICT ... DO NOTHING, partial
// unique indexes).
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL engine behind a DB.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DB wraps *sql.DB with the dialect it speaks.
type DB struct {
	*sql.DB
	dialect Dialect
}

// Open connects using the named driver ("sqlite" or "postgres") and verifies
// the connection. SQLite handles get a busy timeout and are limited to a
// single writer connection so concurrent workers serialize instead of
// hitting SQLITE_BUSY.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	var dialect Dialect
	switch driver {
	case "sqlite", "sqlite3":
		dialect = DialectSQLite
		driver = "sqlite"
		if !strings.Contains(dsn, "_pragma") && !strings.HasPrefix(dsn, ":memory:") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}
	case "postgres":
		dialect = DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(16)
		db.SetMaxIdleConns(4)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return &DB{DB: db, dialect: dialect}, nil
}

// OpenMemory opens an in-process SQLite database, for tests.
func OpenMemory(ctx context.Context) (*DB, error) {
	return Open(ctx, "sqlite", ":memory:")
}

// Wrap adopts an already-open handle as the given dialect, for tests that
// stub the driver.
func Wrap(db *sql.DB, dialect Dialect) *DB {
	return &DB{DB: db, dialect: dialect}
}

// Dialect reports the engine behind this handle.
func (d *DB) Dialect() Dialect { return d.dialect }

// Rebind converts ? placeholders to the dialect's native form. SQLite takes
// the query unchanged; PostgreSQL gets $1..$n. Literal question marks are not
// expected in this repo's SQL.
func (d *DB) Rebind(query string) string {
	if d.dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// WithTx runs fn in a transaction, committing on nil error and rolling back
// otherwise.
func (d *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// timeLayout keeps the fractional part fixed-width so text comparison of
// stored timestamps matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders a timestamp the way every table in the core stores
// them: UTC, nanosecond precision, lexicographically ordered.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime reverses FormatTime, tolerating second-precision rows written by
// older builds.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
