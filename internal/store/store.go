// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store provides the local key-value stores backing session state.
//
// The client keeps two stores: a session-scoped store that lives only as
// long as the process, and a durable store that survives restarts and is
// used to resurrect a session. Every component (vault consumers, session
// envelope, progression gate, test clock) mutates these stores, so all
// implementations serialize access behind a mutex.
package store

import (
	"sort"
	"strings"
	"sync"
)

// =============================================================================
// PERSISTED KEYS
// =============================================================================

// Durable and session store keys. Identity fields are stored vault-encrypted;
// timestamps are epoch milliseconds as decimal strings.
const (
	KeyAccessToken       = "access_token"
	KeyStudentID         = "student_id"
	KeyCourseID          = "course_id"
	KeyBatchID           = "batch_id"
	KeyEmail             = "email"
	KeyName              = "name"
	KeyPicture           = "picture"
	KeyLoginTimestamp    = "login_ts"
	KeyActivityTimestamp = "last_activity_ts"

	// Session-scoped per-task / per-test keys.
	KeyHighestAllowedPrefix  = "highestAllowedSubtask"
	KeyTestDurationPrefix    = "test_duration_"
	KeyTestDurationEncPrefix = "test_duration_enc_"
	KeyAnswerPrefix          = "answer_"
	KeyQuestionStatusPrefix  = "question_status_"
	KeyTableCachePrefix      = "table_cache_"
	KeySelectedProject       = "selected_project"
)

// IdentityKeys lists the six encrypted identity fields cleared together
// with the access token on every logout path.
var IdentityKeys = []string{
	KeyStudentID,
	KeyCourseID,
	KeyBatchID,
	KeyEmail,
	KeyName,
	KeyPicture,
}

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Store is a string key-value store with browser-storage semantics: reads
// of missing keys return the empty string, and writes do not fail from the
// caller's point of view (backend errors are logged, not propagated).
type Store interface {
	// Get returns the value for key, or "" if absent.
	Get(key string) string

	// Set stores value under key.
	Set(key, value string)

	// Delete removes key.
	Delete(key string)

	// Keys returns all present keys in sorted order.
	Keys() []string

	// SweepPrefix deletes every key with the given prefix and returns
	// how many were removed.
	SweepPrefix(prefix string) int

	// Clear removes every key.
	Clear()
}

// =============================================================================
// MEMORY STORE
// =============================================================================

// MemoryStore is the session-scoped store: in-memory, cleared when the
// process exits.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

// Get returns the value for key, or "" if absent.
func (s *MemoryStore) Get(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[key]
}

// Set stores value under key.
func (s *MemoryStore) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

// Delete removes key.
func (s *MemoryStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// Keys returns all present keys in sorted order.
func (s *MemoryStore) Keys() []string {
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
func (s *MemoryStore) SweepPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			delete(s.data, k)
			n++
		}
	}
	return n
}

// Clear removes every key.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]string)
}
