package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// ErrAccountNotFound is returned when an account id has no row
var ErrAccountNotFound = errors.New("account not found")

// Dialect selects placeholder syntax
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// Store is the durable state shared by all pipeline runs
type Store struct {
	DB      *sql.DB
	dialect Dialect
	log     zerolog.Logger
	now     func() time.Time
}

// New wraps an open database handle
func New(db *sql.DB, dialect Dialect, log zerolog.Logger) *Store {
	return &Store{
		DB:      db,
		dialect: dialect,
		log:     log.With().Str("component", "store").Logger(),
		now:     time.Now,
	}
}

// Open connects with the named driver and applies the schema.
// Drivers: postgres (lib/pq), sqlite (modernc) and sqlite3 (mattn, cgo).
func Open(ctx context.Context, driver, dsn string, log zerolog.Logger) (*Store, error) {
	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)

	switch driver {
	case "postgres":
		dialect = DialectPostgres
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

	case "sqlite", "sqlite3":
		dialect = DialectSQLite
		if err := ensureDir(dsn); err != nil {
			return nil, err
		}
		db, err = sql.Open(driver, sqliteDSN(driver, dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// SQLite has a single writer; one connection avoids SQLITE_BUSY churn
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(time.Hour)

	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := New(db, dialect, log)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func ensureDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func sqliteDSN(driver, dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if driver == "sqlite3" {
		return dsn + sep + "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1"
	}
	return dsn + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// Migrate applies the embedded schema; every statement is idempotent
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// rebind rewrites ? placeholders to $n for Postgres
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}
