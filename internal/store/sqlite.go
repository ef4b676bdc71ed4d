// ABOUTME: SQLite implementation of the Store interface
// ABOUTME: Opens the database with either the pure-Go or cgo driver and manages the schema

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	// DriverPure is the modernc.org/sqlite driver name (no cgo).
	DriverPure = "sqlite"
	// DriverCgo is the mattn/go-sqlite3 driver name.
	DriverCgo = "sqlite3"

	busyTimeoutMS = 5000
)

// Options tunes how the SQLite database is opened.
type Options struct {
	Driver       string
	MaxOpenConns int
	Logger       *slog.Logger
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure-Go driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return Open(path, Options{})
}

// Open creates a SQLite store with explicit driver and pool options.
func Open(path string, opts Options) (*SQLiteStore, error) {
	if opts.Driver == "" {
		opts.Driver = DriverPure
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "store")

	if path != ":memory:" {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(opts.Driver, dataSourceName(opts.Driver, path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", opts.Driver)
	return s, nil
}

// dataSourceName builds a DSN that applies per-connection pragmas for the driver.
func dataSourceName(driver, path string) string {
	switch driver {
	case DriverCgo:
		return fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=%d", path, busyTimeoutMS)
	default:
		return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)", path, busyTimeoutMS)
	}
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS phone_lines (
			tenant_id            TEXT NOT NULL,
			line_index           INTEGER NOT NULL,
			provider_type        TEXT NOT NULL,
			encrypted_credential TEXT NOT NULL DEFAULT '',
			external_channel_id  TEXT NOT NULL DEFAULT '',
			business_account_id  TEXT NOT NULL DEFAULT '',
			display_number       TEXT NOT NULL DEFAULT '',
			created_at           TEXT NOT NULL,
			updated_at           TEXT NOT NULL,

			PRIMARY KEY (tenant_id, line_index),
			CHECK (provider_type IN ('local', 'bsp_relay', 'direct_cloud'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_phone_lines_channel
			ON phone_lines(provider_type, external_channel_id)
			WHERE external_channel_id != '';
		CREATE INDEX IF NOT EXISTS idx_phone_lines_waba
			ON phone_lines(business_account_id);

		CREATE TABLE IF NOT EXISTS line_status (
			tenant_id  TEXT NOT NULL,
			line_index INTEGER NOT NULL,
			status     TEXT NOT NULL,
			reason     TEXT,
			updated_at TEXT NOT NULL,

			PRIMARY KEY (tenant_id, line_index),
			FOREIGN KEY (tenant_id, line_index) REFERENCES phone_lines(tenant_id, line_index),
			CHECK (status IN ('pending', 'ready', 'disconnected', 'error'))
		);

		CREATE TABLE IF NOT EXISTS conversation_sessions (
			tenant_id                TEXT NOT NULL,
			line_index               INTEGER NOT NULL,
			contact_address          TEXT NOT NULL,
			last_customer_message_at TEXT,
			last_business_message_at TEXT,
			updated_at               TEXT NOT NULL,

			PRIMARY KEY (tenant_id, line_index, contact_address)
		);

		CREATE TABLE IF NOT EXISTS message_events (
			id           TEXT PRIMARY KEY,
			tenant_id    TEXT NOT NULL,
			line_index   INTEGER NOT NULL,
			external_id  TEXT NOT NULL,
			direction    TEXT NOT NULL,
			chat_address TEXT NOT NULL,
			content_type TEXT NOT NULL,
			body         TEXT,
			payload      TEXT,
			sender_name  TEXT,
			provider     TEXT NOT NULL,
			source       TEXT NOT NULL DEFAULT 'live',
			timestamp    TEXT NOT NULL,
			created_at   TEXT NOT NULL,

			UNIQUE (tenant_id, external_id),
			CHECK (direction IN ('inbound', 'outbound'))
		);

		CREATE INDEX IF NOT EXISTS idx_message_events_chat
			ON message_events(tenant_id, line_index, chat_address, timestamp);

		CREATE TABLE IF NOT EXISTS message_receipts (
			tenant_id   TEXT NOT NULL,
			external_id TEXT NOT NULL,
			status      TEXT NOT NULL,
			error       TEXT,
			timestamp   TEXT NOT NULL,

			PRIMARY KEY (tenant_id, external_id, status)
		);

		CREATE TABLE IF NOT EXISTS message_templates (
			tenant_id        TEXT NOT NULL,
			line_index       INTEGER NOT NULL,
			template_id      TEXT NOT NULL,
			name             TEXT NOT NULL,
			language         TEXT NOT NULL,
			category         TEXT,
			approval_status  TEXT NOT NULL,
			component_schema TEXT,
			updated_at       TEXT NOT NULL,

			PRIMARY KEY (tenant_id, line_index, template_id)
		);

		CREATE TABLE IF NOT EXISTS line_contacts (
			tenant_id       TEXT NOT NULL,
			line_index      INTEGER NOT NULL,
			contact_address TEXT NOT NULL,
			name            TEXT,
			removed         INTEGER NOT NULL DEFAULT 0,
			updated_at      TEXT NOT NULL,

			PRIMARY KEY (tenant_id, line_index, contact_address)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "message_events",
			column: "source",
			apply:  `ALTER TABLE message_events ADD COLUMN source TEXT NOT NULL DEFAULT 'live'`,
		},
		{
			table:  "phone_lines",
			column: "business_account_id",
			apply:  `ALTER TABLE phone_lines ADD COLUMN business_account_id TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		check := fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = ?`, m.table)
		err := s.db.QueryRow(check, m.column).Scan(&exists)
		if err == nil {
			// Column already exists, skip
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings so they are stored as NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// formatTime renders a timestamp in the fixed-width UTC form used by every table.
// Fixed width keeps lexical and chronological order identical.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
