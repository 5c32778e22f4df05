package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// migrations are forward-only and additive: each entry is either a table
// creation or new columns. Index position+1 is the schema user_version.
var migrations = [][]string{
	// v1: base accounts table
	{`CREATE TABLE IF NOT EXISTS accounts (
		username TEXT PRIMARY KEY NOT NULL COLLATE NOCASE,
		password TEXT NOT NULL,
		email TEXT NOT NULL COLLATE NOCASE,
		email_password TEXT NOT NULL,
		user_agent TEXT NOT NULL,
		active BOOLEAN DEFAULT FALSE NOT NULL,
		locks TEXT DEFAULT '{}' NOT NULL,
		headers TEXT DEFAULT '{}' NOT NULL,
		cookies TEXT DEFAULT '{}' NOT NULL,
		proxy TEXT DEFAULT NULL,
		error_msg TEXT DEFAULT NULL
	)`},
	// v2: per-queue request counters and recency
	{
		`ALTER TABLE accounts ADD COLUMN stats TEXT DEFAULT '{}' NOT NULL`,
		`ALTER TABLE accounts ADD COLUMN last_used TEXT DEFAULT NULL`,
	},
	// v3: transaction marker for runtimes without UPDATE...RETURNING
	{`ALTER TABLE accounts ADD COLUMN _tx TEXT DEFAULT NULL`},
	// v4: TOTP seed for the two-factor login challenge
	{`ALTER TABLE accounts ADD COLUMN mfa_code TEXT DEFAULT NULL`},
}

// migrate brings the schema up to the latest user_version. Re-running is a
// no-op; "duplicate column" from a partially applied migration is swallowed.
func migrate(ctx context.Context, conn *sql.DB, logger *slog.Logger) error {
	var version int
	if err := conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	for v := version + 1; v <= len(migrations); v++ {
		logger.Info("running migration", "version", v)
		for _, stmt := range migrations[v-1] {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				if strings.Contains(err.Error(), "duplicate column name") {
					continue
				}
				return fmt.Errorf("migration v%d: %w", v, err)
			}
		}
		if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v)); err != nil {
			return fmt.Errorf("set user_version %d: %w", v, err)
		}
	}
	return nil
}

// SchemaVersion returns the current user_version of the database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	row, err := s.FetchOne(ctx, "PRAGMA user_version")
	if err != nil {
		return 0, err
	}
	if row == nil {
		return 0, nil
	}
	return int(row.Int("user_version")), nil
}
