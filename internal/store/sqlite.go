// ABOUTME: SQLite ledger using modernc.org/sqlite
// ABOUTME: Opens the database in WAL mode and creates or migrates the schema

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the generation and command ledger.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the ledger at path. Parent directories
// are created if needed. Pass ":memory:" for a throwaway ledger.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite ledger initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS generations (
			id          TEXT PRIMARY KEY,
			channel_id  TEXT NOT NULL,
			trigger_id  TEXT NOT NULL DEFAULT '',
			backend     TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			error       TEXT,
			lines       INTEGER NOT NULL DEFAULT 0,
			chars       INTEGER NOT NULL DEFAULT 0,
			started_at  TEXT NOT NULL,
			finished_at TEXT NOT NULL,

			CHECK (outcome IN ('success', 'failure', 'cancelled'))
		);

		CREATE INDEX IF NOT EXISTS idx_generations_channel
			ON generations(channel_id, finished_at);

		CREATE TABLE IF NOT EXISTS command_runs (
			id         TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			command    TEXT NOT NULL,
			outcome    TEXT NOT NULL,
			error      TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_command_runs_channel
			ON command_runs(channel_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies column additions for databases created by older
// builds. Each step is idempotent.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "generations",
			column: "truncated",
			apply:  `ALTER TABLE generations ADD COLUMN truncated INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite ledger")
	return s.db.Close()
}
