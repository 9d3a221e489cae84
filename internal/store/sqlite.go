// ABOUTME: SQLite-backed conversation store using modernc.org/sqlite
// ABOUTME: Opens the database, creates the schema, runs migrations and retries busy writes

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Busy-retry bounds for transient storage errors.
const (
	busyRetryAttempts = 5
	busyRetryBase     = 20 * time.Millisecond
)

// SQLiteStore persists clients, conversations, messages, transfer history,
// channel session state and channel credentials.
type SQLiteStore struct {
	db     *sql.DB
	ids    *snowflake.Node
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. maxOpenConns bounds the
// connection pool; callers beyond it wait for a free connection.
func NewSQLiteStore(path string, maxOpenConns int) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Set("_txlock", "immediate")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if maxOpenConns <= 0 {
		maxOpenConns = 1
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating id generator: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		ids:    node,
		logger: logger,
		now:    time.Now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "max_open_conns", maxOpenConns)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS clients (
			id           TEXT PRIMARY KEY,
			external_id  TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			avatar_url   TEXT,
			last_seen_at TEXT NOT NULL,
			created_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id                   TEXT PRIMARY KEY,
			client_id            TEXT NOT NULL,
			status               TEXT NOT NULL,
			assigned_operator_id TEXT,
			unread_count         INTEGER NOT NULL DEFAULT 0,
			last_message_at      TEXT NOT NULL,
			created_at           TEXT NOT NULL,
			updated_at           TEXT NOT NULL,
			closed_at            TEXT,
			FOREIGN KEY (client_id) REFERENCES clients(id),

			CHECK (status IN ('pending', 'active', 'closed')),
			CHECK (status != 'active' OR assigned_operator_id IS NOT NULL)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_one_open
			ON conversations(client_id) WHERE status IN ('pending', 'active');

		CREATE INDEX IF NOT EXISTS idx_conversations_status
			ON conversations(status, last_message_at);

		CREATE INDEX IF NOT EXISTS idx_conversations_operator
			ON conversations(assigned_operator_id, status);

		CREATE TABLE IF NOT EXISTS messages (
			id                  TEXT PRIMARY KEY,
			conversation_id     TEXT NOT NULL,
			external_message_id TEXT,
			sender_type         TEXT NOT NULL,
			sender_id           TEXT,
			content             TEXT NOT NULL,
			timestamp           TEXT NOT NULL,
			read_by_operator    INTEGER NOT NULL DEFAULT 0,
			read_by_client      INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),

			CHECK (sender_type IN ('client', 'operator', 'bot', 'system'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_external
			ON messages(external_message_id) WHERE external_message_id IS NOT NULL;

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_ts
			ON messages(conversation_id, timestamp);

		CREATE TABLE IF NOT EXISTS conversation_transfers (
			id               TEXT PRIMARY KEY,
			conversation_id  TEXT NOT NULL,
			kind             TEXT NOT NULL,
			from_operator_id TEXT,
			to_operator_id   TEXT,
			to_sector        TEXT,
			created_at       TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),

			CHECK (kind IN ('sector', 'operator'))
		);

		CREATE INDEX IF NOT EXISTS idx_transfers_conversation
			ON conversation_transfers(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS channel_sessions (
			session_id       TEXT PRIMARY KEY,
			status           TEXT NOT NULL,
			external_address TEXT,
			reason           TEXT,
			last_qr          TEXT,
			updated_at       TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS auth_keys (
			session_id TEXT NOT NULL,
			key_name   TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (session_id, key_name)
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			id          TEXT PRIMARY KEY,
			actor_id    TEXT NOT NULL,
			action      TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id   TEXT NOT NULL,
			ts          TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(ts);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds columns introduced after the first schema release.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{"conversations", "sector", `ALTER TABLE conversations ADD COLUMN sector TEXT`},
		{"messages", "media_ref", `ALTER TABLE messages ADD COLUMN media_ref TEXT`},
		{"channel_sessions", "paused", `ALTER TABLE channel_sessions ADD COLUMN paused INTEGER NOT NULL DEFAULT 0`},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("inspecting %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	// Sector lookups for pending queues arrive with the column above.
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_conversations_sector ON conversations(sector, status)`); err != nil {
		return fmt.Errorf("creating sector index: %w", err)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// DB exposes the underlying handle for collaborators sharing the database file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// withRetry runs fn, retrying transient busy/locked failures with
// exponential backoff. Other errors are returned immediately.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := busyRetryBase
	var err error
	for attempt := 1; attempt <= busyRetryAttempts; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		s.logger.Debug("storage busy, retrying", "op", op, "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("%s: storage busy after %d attempts: %w", op, busyRetryAttempts, err)
}

// inTx runs fn inside a transaction, retrying the whole transaction when
// SQLite reports the database as busy.
func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return s.withRetry(ctx, op, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing transaction: %w", err)
		}
		return nil
	})
}

// isBusy reports whether err is SQLite's transient lock contention.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
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

// nullString converts empty strings to NULL for nullable columns.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by hand or older builds may carry plain RFC3339.
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
