// Package store implements the gateway's persistence on a single SQLite database.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Store implements the connection, conversation, message and session stores.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the database at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps the claim semantics simple under SQLite locking.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Debug().Str("path", path).Msg("Store opened")
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS channel_connections (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		character_id TEXT NOT NULL,
		channel_type TEXT NOT NULL,
		config TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'disconnected',
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_connections_user ON channel_connections(user_id);

	CREATE TABLE IF NOT EXISTS channel_conversations (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		character_id TEXT NOT NULL,
		channel_type TEXT NOT NULL,
		peer_id TEXT NOT NULL,
		peer_name TEXT NOT NULL DEFAULT '',
		thread_id TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		last_message_at INTEGER NOT NULL,
		UNIQUE(connection_id, peer_id, thread_id)
	);

	CREATE TABLE IF NOT EXISTS channel_messages (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		channel_type TEXT NOT NULL,
		external_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		conversation_id TEXT NOT NULL DEFAULT '',
		peer_id TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		UNIQUE(connection_id, channel_type, external_id, direction)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		character_id TEXT NOT NULL,
		status TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, updated_at);

	CREATE TABLE IF NOT EXISTS session_messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		parts TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_session_messages ON session_messages(session_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
