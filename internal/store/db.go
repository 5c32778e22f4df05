// Package store provides the embedded SQLite persistence layer for the
// accounts database. All writes are serialized behind a per-handle mutex and
// retried on "database is locked"; connections are opened per call and
// auto-commit on close.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

const (
	// MinSQLiteVersion is the oldest runtime the scheduler works with: the
	// lease queries rely on the JSON1 functions stabilized in 3.24.
	MinSQLiteVersion = "3.24"

	minVersionNumber = 3024000

	// returningVersionNumber is the first release with UPDATE ... RETURNING.
	returningVersionNumber = 3035000

	lockRetries = 5
)

// Row is a single result row keyed by column name.
type Row map[string]any

// Store is a handle to one accounts database file.
type Store struct {
	path   string
	logger *slog.Logger

	mu          sync.Mutex // serializes writes
	migrateOnce sync.Once
	migrateErr  error
}

// New creates a Store bound to the database at path. The file is created on
// first use; migrations run once per handle.
func New(path string, logger *slog.Logger) (*Store, error) {
	if err := CheckVersion(); err != nil {
		return nil, err
	}
	return &Store{
		path:   path,
		logger: logger.With("component", "store", "db", path),
	}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// CheckVersion fails when the linked SQLite runtime is older than
// MinSQLiteVersion.
func CheckVersion() error {
	version, number, _ := sqlite3.Version()
	if number < minVersionNumber {
		return fmt.Errorf("sqlite version %q is too old, please upgrade to %s+", version, MinSQLiteVersion)
	}
	return nil
}

// SupportsReturning reports whether the runtime supports UPDATE...RETURNING.
func SupportsReturning() bool {
	_, number, _ := sqlite3.Version()
	return number >= returningVersionNumber
}

// RuntimeVersion returns the linked SQLite library version string.
func RuntimeVersion() string {
	version, _, _ := sqlite3.Version()
	return version
}

// open opens a fresh connection and ensures migrations ran for this handle.
func (s *Store) open(ctx context.Context) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", s.path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", s.path, err)
	}

	if _, err := conn.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s.migrateOnce.Do(func() {
		s.migrateErr = migrate(ctx, conn, s.logger)
	})
	if s.migrateErr != nil {
		conn.Close()
		return nil, s.migrateErr
	}

	return conn, nil
}

// isLocked matches the transient contention error worth retrying.
func isLocked(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

// withLockRetry runs fn once and, while the database reports lock contention,
// retries it up to lockRetries times, sleeping a random 0.5–1.0s between
// attempts.
func (s *Store) withLockRetry(ctx context.Context, fn func() error) error {
	for i := 0; ; i++ {
		err := fn()
		if !isLocked(err) || i == lockRetries {
			return err
		}
		delay := 500*time.Millisecond + time.Duration(rand.Int63n(int64(500*time.Millisecond)))
		s.logger.Debug("database locked, retrying", "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Execute runs a single statement.
func (s *Store) Execute(ctx context.Context, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withLockRetry(ctx, func() error {
		conn, err := s.open(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		_, err = conn.ExecContext(ctx, query, args...)
		return err
	})
}

// ExecuteMany runs the same statement for every argument tuple in one
// transaction.
func (s *Store) ExecuteMany(ctx context.Context, query string, argsList [][]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withLockRetry(ctx, func() error {
		conn, err := s.open(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			tx.Rollback()
			return err
		}
		defer stmt.Close()

		for _, args := range argsList {
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				tx.Rollback()
				return err
			}
		}
		return tx.Commit()
	})
}

// FetchOne returns the first result row, or nil when the query matches
// nothing. Statements with side effects (UPDATE...RETURNING) are allowed, so
// this also takes the write path.
func (s *Store) FetchOne(ctx context.Context, query string, args ...any) (Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row Row
	err := s.withLockRetry(ctx, func() error {
		conn, err := s.open(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		rows, err := fetchRows(ctx, conn, query, args...)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			row = rows[0]
		} else {
			row = nil
		}
		return nil
	})
	return row, err
}

// FetchAll returns every result row.
func (s *Store) FetchAll(ctx context.Context, query string, args ...any) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Row
	err := s.withLockRetry(ctx, func() error {
		conn, err := s.open(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()

		out, err = fetchRows(ctx, conn, query, args...)
		return err
	})
	return out, err
}

func fetchRows(ctx context.Context, conn *sql.DB, query string, args ...any) ([]Row, error) {
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// String returns the row's column as a string, or "" when absent/NULL.
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Int returns the row's column as an int64, or 0 when absent/NULL.
func (r Row) Int(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		var n int64
		fmt.Sscan(v, &n)
		return n
	default:
		return 0
	}
}

// Bool returns the row's column as a bool (persisted as integer).
func (r Row) Bool(col string) bool {
	if b, ok := r[col].(bool); ok {
		return b
	}
	return r.Int(col) != 0
}

// IsNull reports whether the column is NULL or missing.
func (r Row) IsNull(col string) bool {
	v, ok := r[col]
	return !ok || v == nil
}
