// Package kv implements the durable process-scoped key/value port on SQLite.
// Scopes are named maps (active_calibrations, calibration_sessions, ...);
// state in them is replayed after restarts.
package kv

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pioreactor/pioreactor-go/internal/domain"
)

// Store is a single-file SQLite KV with WAL journaling.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

var _ domain.KV = (*Store)(nil)

// Open creates parent directories and opens (or creates) the database.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("op=kv.Open: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("op=kv.Open: %w", err)
	}
	// Single writer; SQLite serializes the rest.
	db.SetMaxOpenConns(1)
	const schema = `
CREATE TABLE IF NOT EXISTS kv (
    scope TEXT NOT NULL,
    key   TEXT NOT NULL,
    value BLOB NOT NULL,
    PRIMARY KEY (scope, key)
);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("op=kv.Open schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Get returns the value at (scope, key) and whether it exists.
func (s *Store) Get(scope, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE scope = ? AND key = ?`, scope, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("op=kv.Get scope=%s: %w", scope, err)
	}
	return value, true, nil
}

// Put inserts or replaces atomically.
func (s *Store) Put(scope, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO kv (scope, key, value) VALUES (?, ?, ?)
ON CONFLICT (scope, key) DO UPDATE SET value = excluded.value`, scope, key, value)
	if err != nil {
		return fmt.Errorf("op=kv.Put scope=%s: %w", scope, err)
	}
	return nil
}

// Delete removes the row; deleting a missing key is not an error.
func (s *Store) Delete(scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM kv WHERE scope = ? AND key = ?`, scope, key); err != nil {
		return fmt.Errorf("op=kv.Delete scope=%s: %w", scope, err)
	}
	return nil
}

// Keys lists a scope's keys in lexicographic order.
func (s *Store) Keys(scope string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT key FROM kv WHERE scope = ? ORDER BY key`, scope)
	if err != nil {
		return nil, fmt.Errorf("op=kv.Keys scope=%s: %w", scope, err)
	}
	defer func() { _ = rows.Close() }()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("op=kv.Keys scope=%s: %w", scope, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }
