// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"encoding/json"
	"log"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/jeranaias/studygate/internal/util"
)

// =============================================================================
// FILE STORE
// =============================================================================

// FileStore is a durable store persisted as a JSON map. Every mutation is
// flushed with an atomic write (temp + fsync + rename) at 0600, since the
// file holds the access token.
type FileStore struct {
	mu   sync.RWMutex
	path string
	data map[string]string
}

// NewFileStore opens or creates a file-backed store at path. A missing or
// unreadable file starts empty; corruption never blocks startup.
func NewFileStore(path string) *FileStore {
	s := &FileStore{
		path: path,
		data: make(map[string]string),
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		log.Printf("store: discarding corrupt state file %s: %v", path, err)
		s.data = make(map[string]string)
	}
	return s
}

// Get returns the value for key, or "" if absent.
func (s *FileStore) Get(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[key]
}

// Set stores value under key and flushes to disk.
func (s *FileStore) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	s.flushLocked()
}

// Delete removes key and flushes to disk.
func (s *FileStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	s.flushLocked()
}

// Keys returns all present keys in sorted order.
func (s *FileStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SweepPrefix deletes every key with the given prefix.
func (s *FileStore) SweepPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			delete(s.data, k)
			n++
		}
	}
	if n > 0 {
		s.flushLocked()
	}
	return n
}

// Clear removes every key and flushes to disk.
func (s *FileStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]string)
	s.flushLocked()
}

// flushLocked persists the current map. Must hold the write lock.
func (s *FileStore) flushLocked() {
	raw, err := json.Marshal(s.data)
	if err != nil {
		log.Printf("store: marshal failed for %s: %v", s.path, err)
		return
	}
	if err := util.AtomicWriteFile(s.path, raw, 0600); err != nil {
		log.Printf("store: flush failed for %s: %v", s.path, err)
	}
}
