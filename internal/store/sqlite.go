// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// SQLITE STORE
// =============================================================================

// SQLiteStore is a durable store backed by a single-table SQLite database.
// It is the default durable backend: unlike FileStore it does not rewrite
// the whole state on every mutation.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	// Single writer; the store serializes access anyway.
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS kv (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Get returns the value for key, or "" if absent.
func (s *SQLiteStore) Get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Printf("store: sqlite get %q: %v", key, err)
		}
		return ""
	}
	return value
}

// Set stores value under key.
func (s *SQLiteStore) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		log.Printf("store: sqlite set %q: %v", key, err)
	}
}

// Delete removes key.
func (s *SQLiteStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		log.Printf("store: sqlite delete %q: %v", key, err)
	}
}

// Keys returns all present keys in sorted order.
func (s *SQLiteStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT key FROM kv ORDER BY key`)
	if err != nil {
		log.Printf("store: sqlite keys: %v", err)
		return nil
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			log.Printf("store: sqlite keys scan: %v", err)
			return keys
		}
		keys = append(keys, k)
	}
	return keys
}

// SweepPrefix deletes every key with the given prefix.
func (s *SQLiteStore) SweepPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Escape LIKE metacharacters so a prefix containing % or _ matches
	// literally.
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	res, err := s.db.Exec(`DELETE FROM kv WHERE key LIKE ? ESCAPE '\'`, escaped+"%")
	if err != nil {
		log.Printf("store: sqlite sweep %q: %v", prefix, err)
		return 0
	}
	n, _ := res.RowsAffected()
	return int(n)
}

// Clear removes every key.
func (s *SQLiteStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM kv`); err != nil {
		log.Printf("store: sqlite clear: %v", err)
	}
}
