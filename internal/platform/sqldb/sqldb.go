// Package sqldb holds the small amount of dialect handling shared by the
// Postgres and SQLite backed stores.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// sqliteTimeLayout is fixed width so TEXT comparison orders chronologically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

func ParseDialect(raw string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unsupported database dialect %q", raw)
	}
}

func (d Dialect) driverName() string {
	if d == SQLite {
		return "sqlite"
	}
	return "pgx"
}

// Open opens and pings a handle for the dialect.
func Open(ctx context.Context, d Dialect, dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("%s dsn is required", d)
	}
	if d == SQLite && !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sql.Open(d.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d, err)
	}
	if d == SQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure sqlite: %w", err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d, err)
	}
	return db, nil
}

// Rebind rewrites $n placeholders into ?n for SQLite.
func (d Dialect) Rebind(q string) string {
	if d != SQLite {
		return q
	}
	return strings.ReplaceAll(q, "$", "?")
}

// DDL substitutes the {{ts}} and {{lock}} markers in schema and query text.
func (d Dialect) DDL(q string) string {
	ts := "TIMESTAMPTZ"
	if d == SQLite {
		ts = "TEXT"
	}
	return strings.ReplaceAll(q, "{{ts}}", ts)
}

// ForUpdate is the row-lock suffix; SQLite serializes writers on its own.
func (d Dialect) ForUpdate() string {
	if d == SQLite {
		return ""
	}
	return "FOR UPDATE"
}

// Time encodes a timestamp argument for the dialect.
func (d Dialect) Time(t time.Time) any {
	if d == SQLite {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t.UTC()
}

// NullTime encodes an optional timestamp argument.
func (d Dialect) NullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return d.Time(*t)
}

// Exec runs each statement in order.
func Exec(ctx context.Context, db *sql.DB, d Dialect, stmts ...string) error {
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, d.DDL(s)); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Time scans timestamp columns from either dialect.
type Time struct {
	Time  time.Time
	Valid bool
}

func (t *Time) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("sqldb: cannot scan %T into Time", src)
	}
}

func (t *Time) parse(raw string) error {
	parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("sqldb: parse time %q: %w", raw, err)
	}
	t.Time, t.Valid = parsed.UTC(), true
	return nil
}

// Ptr returns nil for an invalid (NULL) value.
func (t Time) Ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
