// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package progression enforces ordered subtask access within a task. The
// highest allowed subtask index is persisted per task; navigation past it
// is blocked locally before the backend is ever consulted, and the backend
// has the final word only when it answers definitively. A backend that
// cannot be reached never blocks a student the local state already allows.
package progression

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/studygate/internal/store"
	"github.com/jeranaias/studygate/internal/util"
)

// =============================================================================
// COLLABORATOR INTERFACE
// =============================================================================

// LessonStatus is the backend's verdict on a subtask operation.
type LessonStatus struct {
	Allowed bool
	Message string
}

// StatusClient is the slice of the backend client the gate needs.
type StatusClient interface {
	// LessonStatus asks the backend whether the student may proceed with
	// the given subtask.
	LessonStatus(ctx context.Context, studentID, taskID string, subtaskIndex int) (LessonStatus, error)
}

// =============================================================================
// RESULT
// =============================================================================

// Result is the gate's answer to an access or completion request.
type Result struct {
	Allowed bool
	Message string
}

var allowed = Result{Allowed: true}

// =============================================================================
// GATE
// =============================================================================

// Remote checks are rate limited so rapid navigation cannot hammer the
// backend.
const (
	remoteCheckInterval = 200 * time.Millisecond
	remoteCheckBurst    = 5
)

// Gate tracks and enforces per-task subtask progression. Safe for
// concurrent use.
type Gate struct {
	mu        sync.Mutex
	store     store.Store
	client    StatusClient
	limiter   *rate.Limiter
	studentID string
}

// New creates a Gate persisting into s. client may be nil; the gate then
// answers from local state alone.
func New(s store.Store, client StatusClient) *Gate {
	return &Gate{
		store:   s,
		client:  client,
		limiter: rate.NewLimiter(rate.Every(remoteCheckInterval), remoteCheckBurst),
	}
}

// SetStudent sets the student identifier reported on remote checks.
func (g *Gate) SetStudent(studentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.studentID = studentID
}

func progressKey(taskID string) string {
	return store.KeyHighestAllowedPrefix + "_" + taskID
}

// HighestAllowedIndex returns the highest reachable subtask index for the
// task. A task never seen before starts at 0.
func (g *Gate) HighestAllowedIndex(taskID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return util.StringToInt(g.store.Get(progressKey(taskID)))
}

// SetHighestAllowedIndex overwrites the persisted index. Negative values
// clamp to 0; lowering the index is allowed so the backend can revoke
// progress.
func (g *Gate) SetHighestAllowedIndex(taskID string, index int) {
	if index < 0 {
		index = 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.store.Set(progressKey(taskID), util.IntToString(index))
}

// IsAccessible reports whether the subtask index is reachable from local
// state alone. The currently-active subtask is always reachable, even
// when persisted progress no longer covers it (restrictions were cleared
// on a task switch, or the backend lowered the index); a negative
// currentIndex means no subtask is active.
func (g *Gate) IsAccessible(taskID string, index, currentIndex int) bool {
	if index < 0 {
		return false
	}
	if index == currentIndex {
		return true
	}
	return index <= g.HighestAllowedIndex(taskID)
}

// ClearRestrictions forgets all persisted progression state, for every
// task.
func (g *Gate) ClearRestrictions() {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.store.SweepPrefix(store.KeyHighestAllowedPrefix)
	log.Printf("progression: cleared %d task restriction(s)", n)
}

// =============================================================================
// COMPLETION
// =============================================================================

// CompleteSubtask records completion of the subtask at index and, when the
// backend accepts it (or cannot be reached), unlocks the next subtask. The
// unlock never lowers the persisted index: completing an old subtask again
// does not revoke progress.
//
// Only a definitive backend denial blocks the advance.
func (g *Gate) CompleteSubtask(ctx context.Context, taskID string, index int) Result {
	status, err := g.remoteStatus(ctx, taskID, index)
	if err != nil {
		// Fail open: a backend we cannot reach must not stall progress.
		log.Printf("progression: completion check unreachable, advancing locally: %v", err)
		g.advance(taskID, index+1)
		return allowed
	}
	if !status.Allowed {
		return Result{Allowed: false, Message: status.Message}
	}
	g.advance(taskID, index+1)
	return allowed
}

// advance raises the persisted index to at least next.
func (g *Gate) advance(taskID string, next int) {
	if next < 0 {
		next = 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	key := progressKey(taskID)
	if current := util.StringToInt(g.store.Get(key)); next > current {
		g.store.Set(key, util.IntToString(next))
	}
}

// =============================================================================
// ACCESS CHECK
// =============================================================================

// CheckSubtaskAccess decides whether the student may open the subtask at
// index, given the subtask currently active (negative when none is). The
// local gate is consulted first; the backend is asked only for
// locally-allowed requests, and its definitive denial overrides the local
// answer. A backend error leaves the local answer standing.
func (g *Gate) CheckSubtaskAccess(ctx context.Context, taskID string, index, currentIndex int) Result {
	if !g.IsAccessible(taskID, index, currentIndex) {
		return Result{
			Allowed: false,
			Message: fmt.Sprintf("Complete subtask %d before moving on.", g.HighestAllowedIndex(taskID)+1),
		}
	}

	status, err := g.remoteStatus(ctx, taskID, index)
	if err != nil {
		log.Printf("progression: access check unreachable, trusting local state: %v", err)
		return allowed
	}
	if !status.Allowed {
		return Result{Allowed: false, Message: status.Message}
	}
	return allowed
}

// remoteStatus performs the rate-limited backend check.
func (g *Gate) remoteStatus(ctx context.Context, taskID string, index int) (LessonStatus, error) {
	g.mu.Lock()
	client := g.client
	studentID := g.studentID
	g.mu.Unlock()

	if client == nil {
		return LessonStatus{Allowed: true}, nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return LessonStatus{}, err
	}
	return client.LessonStatus(ctx, studentID, taskID, index)
}
