// Package store provides the single persistent store backing the peer key
// directory, the replay/ID log, and the chunk reassembler. The three
// concerns are logically independent but share one SQLite database file
// for transactional simplicity, opened once for the lifetime of the
// process.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite connection shared by the peers, replay, and chunks
// tables.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Config holds store configuration (database.directory, database.path).
type Config struct {
	Directory string
	Path      string
}

// Open opens (creating if necessary) the persistent store.
func Open(cfg *Config) (*Store, error) {
	dir := expandPath(cfg.Directory)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dbPath := cfg.Path
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(dir, dbPath)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports a single writer; serialize at the connection pool
	// level the same way the caller's mutex serializes at the Go level.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, path: dbPath}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection, for components (tests,
// migrations) that need raw access.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS peers (
		keyid       TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		address     TEXT NOT NULL,
		pubkey_pem  BLOB NOT NULL,
		seckey      BLOB,
		valid_from  INTEGER NOT NULL,
		valid_to    INTEGER NOT NULL,
		advertised  INTEGER NOT NULL DEFAULT 0,
		smtp_capable INTEGER NOT NULL DEFAULT 0,
		is_local    INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_peers_address ON peers(address);
	CREATE INDEX IF NOT EXISTS idx_peers_advertised ON peers(advertised);
	CREATE INDEX IF NOT EXISTS idx_peers_valid_to ON peers(valid_to);

	CREATE TABLE IF NOT EXISTS seen_packets (
		packet_id  BLOB PRIMARY KEY,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_seen_expires ON seen_packets(expires_at);

	CREATE TABLE IF NOT EXISTS chunks (
		message_id  BLOB NOT NULL,
		chunk_num   INTEGER NOT NULL,
		num_chunks  INTEGER NOT NULL,
		payload     BLOB NOT NULL,
		received_at INTEGER NOT NULL,
		PRIMARY KEY (message_id, chunk_num)
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_received ON chunks(received_at);

	CREATE TABLE IF NOT EXISTS settings (
		key        TEXT PRIMARY KEY,
		value      TEXT,
		updated_at INTEGER
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// GetSetting reads a string setting, returning ("", false) if unset.
func (s *Store) GetSetting(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetSetting upserts a string setting.
func (s *Store) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	return err
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
