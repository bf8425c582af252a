// Package store embeds the gateway's SQLite database, applying versioned
// migrations (via goose) and enforcing foreign-key discipline on every
// connection. It is the sole owner of persisted rows; all access goes
// through the repo package's typed operations.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"strings"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Store wraps a *sql.DB connection to the embedded SQLite database.
type Store struct {
	DB *sql.DB
}

// Open creates a new Store at path (or ":memory:" for tests) and applies
// all pending migrations. Foreign keys, and WAL journaling for
// file-backed databases (in-memory ones keep the default journal), are
// enabled on the connection string itself so every statement on this
// handle sees them, matching SQLite's per-connection pragma scoping.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path != ":memory:" && !strings.HasPrefix(path, "file::memory:") {
		dsn += "&_pragma=journal_mode(wal)"
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite has no useful concurrent-writer story; a single connection
	// avoids SQLITE_BUSY under the gateway's short write transactions.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if err := migrate(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &Store{DB: conn}, nil
}

func migrate(conn *sql.DB) error {
	migrationsFS, err := fs.Sub(MigrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations sub-fs: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, migrationsFS)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	if _, err := provider.Up(context.Background()); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.DB.Close()
}
