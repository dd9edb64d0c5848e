// Package store provides the relay's durable state: accounts, devices,
// pairing codes, pairings, the message audit log and the pending command
// queue. It is backed by a single SQLite database.
//
// Every method opens its own bounded-timeout context; callers never hold a
// transaction across requests. A caller-supplied clock makes time-dependent
// behavior (code expiry, retention) testable.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors returned by lookups and inserts.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when an insert violates a unique constraint.
	ErrDuplicate = errors.New("already exists")
)

// DefaultOpTimeout bounds every store operation. Callers surface a timeout
// as service-unavailable rather than blocking a session.
const DefaultOpTimeout = 5 * time.Second

// Store wraps the SQLite database.
type Store struct {
	db      *sql.DB
	timeout time.Duration

	// Now returns the current time. Overridable in tests.
	Now func() time.Time
}

// Open opens or creates the relay database at path, applying the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL and a busy timeout keep concurrent session transactions from
	// tripping over each other.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db, timeout: DefaultOpTimeout, Now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// opCtx derives the bounded context used by every store operation.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// isUniqueViolation reports whether err is a SQLite unique-constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	username         TEXT    NOT NULL UNIQUE,
	password_hash    TEXT,
	external_subject TEXT,
	email            TEXT,
	created_at       INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_external_subject
	ON accounts(external_subject) WHERE external_subject IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_email
	ON accounts(email) WHERE email IS NOT NULL;

CREATE TABLE IF NOT EXISTS devices (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id INTEGER NOT NULL REFERENCES accounts(id),
	name       TEXT    NOT NULL,
	kind       TEXT    NOT NULL CHECK (kind IN ('host','client')),
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_devices_account ON devices(account_id);

CREATE TABLE IF NOT EXISTS pairing_codes (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id     INTEGER NOT NULL REFERENCES accounts(id),
	host_device_id INTEGER NOT NULL REFERENCES devices(id),
	code           TEXT    NOT NULL,
	expires_at     INTEGER NOT NULL,
	consumed       INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pairing_codes_code ON pairing_codes(code);
CREATE INDEX IF NOT EXISTS idx_pairing_codes_host ON pairing_codes(host_device_id);

CREATE TABLE IF NOT EXISTS pairings (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	host_device_id   INTEGER NOT NULL REFERENCES devices(id),
	client_device_id INTEGER NOT NULL REFERENCES devices(id),
	created_at       INTEGER NOT NULL,
	UNIQUE (host_device_id, client_device_id)
);

CREATE TABLE IF NOT EXISTS message_logs (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	from_device_id INTEGER NOT NULL REFERENCES devices(id),
	to_device_id   INTEGER NOT NULL REFERENCES devices(id),
	msg_type       TEXT    NOT NULL,
	payload        TEXT    NOT NULL,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_message_logs_created ON message_logs(created_at);
CREATE INDEX IF NOT EXISTS idx_message_logs_from ON message_logs(from_device_id);
CREATE INDEX IF NOT EXISTS idx_message_logs_to ON message_logs(to_device_id);

CREATE TABLE IF NOT EXISTS pending_commands (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	host_device_id INTEGER NOT NULL REFERENCES devices(id),
	from_device_id INTEGER NOT NULL REFERENCES devices(id),
	payload        TEXT    NOT NULL,
	delivered      INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_commands_host
	ON pending_commands(host_device_id, delivered);
`
