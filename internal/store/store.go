// Package store persists courier's durable state in SQLite: outgoing
// messages with per-recipient send state, transmitted-proto records,
// sessions, conversations, and distribution lists.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/chatterlab/courier/internal/delivery"
)

// Store wraps a SQLite database and implements the delivery and recovery
// store interfaces.
type Store struct {
	db *sql.DB
}

// Compile-time interface checks.
var (
	_ delivery.MessageStore     = (*Store)(nil)
	_ delivery.SessionStore     = (*Store)(nil)
	_ delivery.ProtoRecordStore = (*Store)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS message (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	body BLOB,
	send_state TEXT NOT NULL DEFAULT '{}',
	urgent INTEGER NOT NULL DEFAULT 0,
	erased INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS message_error (
	message_id TEXT NOT NULL,
	recipient TEXT NOT NULL,
	error TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS sent_proto (
	recipient TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	conversation_id TEXT NOT NULL,
	ciphertext BLOB NOT NULL,
	content_hint INTEGER NOT NULL DEFAULT 0,
	message_ids TEXT NOT NULL DEFAULT '[]',
	urgent INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (recipient, timestamp)
);
CREATE TABLE IF NOT EXISTS session (
	account TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	remote_key BLOB NOT NULL,
	fingerprint TEXT NOT NULL DEFAULT '',
	archived INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (account, device_id)
);
CREATE TABLE IF NOT EXISTS conversation (
	id TEXT PRIMARY KEY,
	kind INTEGER NOT NULL DEFAULT 0,
	self TEXT NOT NULL DEFAULT '',
	accepted INTEGER NOT NULL DEFAULT 0,
	group_id BLOB,
	revision INTEGER NOT NULL DEFAULT 0,
	peer TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS conversation_member (
	conversation_id TEXT NOT NULL,
	recipient TEXT NOT NULL,
	untrusted INTEGER NOT NULL DEFAULT 0,
	blocked INTEGER NOT NULL DEFAULT 0,
	unregistered INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (conversation_id, recipient)
);
CREATE TABLE IF NOT EXISTS recipient (
	id TEXT PRIMARY KEY,
	supports_resend INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS timeline_event (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS distribution_member (
	list_id TEXT NOT NULL,
	recipient TEXT NOT NULL,
	PRIMARY KEY (list_id, recipient)
);
CREATE TABLE IF NOT EXISTS sender_key_distribution (
	group_id BLOB PRIMARY KEY,
	distribution_id TEXT NOT NULL,
	message BLOB NOT NULL
);
`

// DefaultDataDir returns the default data directory for courier
// databases. Uses $XDG_DATA_HOME/courier, falling back to
// ~/.local/share/courier.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "courier")
}

// Open opens or creates a SQLite store at the given path. If dbPath is
// empty, it defaults to $XDG_DATA_HOME/courier/default.db.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "default.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	// WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// runMigrations applies any necessary schema changes.
func runMigrations(db *sql.DB) error {
	// Migration: messages created before the erased column existed are
	// never erased.
	_, err := db.Exec("ALTER TABLE message ADD COLUMN erased INTEGER NOT NULL DEFAULT 0")
	if err != nil && !isColumnExistsError(err) {
		return fmt.Errorf("add erased column: %w", err)
	}
	return nil
}

// isColumnExistsError checks if the error is due to column already existing.
func isColumnExistsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
