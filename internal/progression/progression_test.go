// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package progression

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/studygate/internal/store"
)

type fakeStatusClient struct {
	status LessonStatus
	err    error
	calls  int
}

func (f *fakeStatusClient) LessonStatus(ctx context.Context, studentID, taskID string, subtaskIndex int) (LessonStatus, error) {
	f.calls++
	return f.status, f.err
}

func newTestGate() (*Gate, *fakeStatusClient, store.Store) {
	client := &fakeStatusClient{status: LessonStatus{Allowed: true}}
	s := store.NewMemoryStore()
	g := New(s, client)
	g.SetStudent("42")
	return g, client, s
}

func TestFreshTaskStartsAtZero(t *testing.T) {
	g, _, _ := newTestGate()

	assert.Equal(t, 0, g.HighestAllowedIndex("task-1"))
	assert.True(t, g.IsAccessible("task-1", 0, -1))
	assert.False(t, g.IsAccessible("task-1", 1, -1))
	assert.False(t, g.IsAccessible("task-1", -1, -1))
}

func TestActiveSubtaskStaysAccessible(t *testing.T) {
	g, _, _ := newTestGate()

	// Persisted progress says 2, but the student is sitting on subtask 4
	// (the backend lowered the index underneath them). The open subtask
	// must not lock itself.
	g.SetHighestAllowedIndex("task-1", 2)
	assert.True(t, g.IsAccessible("task-1", 4, 4))
	assert.False(t, g.IsAccessible("task-1", 4, -1))
	assert.False(t, g.IsAccessible("task-1", 3, 4), "only the active index is exempt")
	assert.False(t, g.IsAccessible("task-1", -1, -1), "negative index is never accessible")
}

func TestSetHighestAllowedIndexClampsNegative(t *testing.T) {
	g, _, _ := newTestGate()

	g.SetHighestAllowedIndex("task-1", -5)
	assert.Equal(t, 0, g.HighestAllowedIndex("task-1"))
}

func TestSetHighestAllowedIndexCanLower(t *testing.T) {
	g, _, _ := newTestGate()

	g.SetHighestAllowedIndex("task-1", 5)
	g.SetHighestAllowedIndex("task-1", 2)
	assert.Equal(t, 2, g.HighestAllowedIndex("task-1"), "explicit setter may revoke progress")
}

func TestProgressIsPerTask(t *testing.T) {
	g, _, _ := newTestGate()

	g.SetHighestAllowedIndex("task-1", 4)
	assert.Equal(t, 4, g.HighestAllowedIndex("task-1"))
	assert.Equal(t, 0, g.HighestAllowedIndex("task-2"))
}

func TestCompleteSubtaskAdvances(t *testing.T) {
	g, _, _ := newTestGate()

	res := g.CompleteSubtask(context.Background(), "task-1", 0)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, g.HighestAllowedIndex("task-1"))
}

func TestCompleteOldSubtaskNeverLowers(t *testing.T) {
	g, _, _ := newTestGate()

	g.SetHighestAllowedIndex("task-1", 5)
	g.CompleteSubtask(context.Background(), "task-1", 1)
	assert.Equal(t, 5, g.HighestAllowedIndex("task-1"))
}

func TestCompleteSubtaskDeniedByBackend(t *testing.T) {
	g, client, _ := newTestGate()
	client.status = LessonStatus{Allowed: false, Message: "Submit the quiz first."}

	res := g.CompleteSubtask(context.Background(), "task-1", 0)
	assert.False(t, res.Allowed)
	assert.Equal(t, "Submit the quiz first.", res.Message)
	assert.Equal(t, 0, g.HighestAllowedIndex("task-1"), "denied completion does not unlock")
}

func TestCompleteSubtaskFailsOpen(t *testing.T) {
	g, client, _ := newTestGate()
	client.err = errors.New("connection refused")

	res := g.CompleteSubtask(context.Background(), "task-1", 0)
	assert.True(t, res.Allowed, "unreachable backend must not stall progress")
	assert.Equal(t, 1, g.HighestAllowedIndex("task-1"))
}

func TestCheckAccessDeniedLocallySkipsBackend(t *testing.T) {
	g, client, _ := newTestGate()

	res := g.CheckSubtaskAccess(context.Background(), "task-1", 3, -1)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Message, "Complete subtask 1")
	assert.Equal(t, 0, client.calls, "local denial must not hit the backend")
}

func TestCheckAccessActiveSubtaskAsksBackend(t *testing.T) {
	g, client, _ := newTestGate()

	// Subtask 4 is past the persisted index but currently open, so the
	// local gate passes and the backend gets the final word.
	res := g.CheckSubtaskAccess(context.Background(), "task-1", 4, 4)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, client.calls)
}

func TestCheckAccessBackendDenialOverrides(t *testing.T) {
	g, client, _ := newTestGate()
	g.SetHighestAllowedIndex("task-1", 3)
	client.status = LessonStatus{Allowed: false, Message: "Locked by instructor."}

	res := g.CheckSubtaskAccess(context.Background(), "task-1", 2, -1)
	assert.False(t, res.Allowed)
	assert.Equal(t, "Locked by instructor.", res.Message)
}

func TestCheckAccessFailsOpen(t *testing.T) {
	g, client, _ := newTestGate()
	g.SetHighestAllowedIndex("task-1", 3)
	client.err = errors.New("timeout")

	res := g.CheckSubtaskAccess(context.Background(), "task-1", 2, -1)
	assert.True(t, res.Allowed, "backend error leaves the local answer standing")
}

func TestClearRestrictions(t *testing.T) {
	g, _, s := newTestGate()

	g.SetHighestAllowedIndex("task-1", 4)
	g.SetHighestAllowedIndex("task-2", 2)
	s.Set(store.KeyAnswerPrefix+"t1_q1", "B")

	g.ClearRestrictions()
	assert.Equal(t, 0, g.HighestAllowedIndex("task-1"))
	assert.Equal(t, 0, g.HighestAllowedIndex("task-2"))
	assert.Equal(t, "B", s.Get(store.KeyAnswerPrefix+"t1_q1"), "only progression keys are swept")
}

func TestNilClientAnswersLocally(t *testing.T) {
	g := New(store.NewMemoryStore(), nil)

	res := g.CheckSubtaskAccess(context.Background(), "task-1", 0, -1)
	assert.True(t, res.Allowed)

	res = g.CompleteSubtask(context.Background(), "task-1", 0)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, g.HighestAllowedIndex("task-1"))
}

// TestOrderedNavigationScenario walks the full flow: a student with three
// completed subtasks cannot jump ahead, completes the next one, and the
// newly unlocked subtask opens.
func TestOrderedNavigationScenario(t *testing.T) {
	g, _, _ := newTestGate()
	ctx := context.Background()

	g.SetHighestAllowedIndex("task-9", 2)

	// Jumping to subtask 4 while sitting on subtask 2 is blocked locally.
	res := g.CheckSubtaskAccess(ctx, "task-9", 4, 2)
	require.False(t, res.Allowed)

	// Completing subtask 2 unlocks subtask 3.
	res = g.CompleteSubtask(ctx, "task-9", 2)
	require.True(t, res.Allowed)
	assert.Equal(t, 3, g.HighestAllowedIndex("task-9"))

	res = g.CheckSubtaskAccess(ctx, "task-9", 3, 2)
	assert.True(t, res.Allowed)

	// Subtask 4 is still out of reach.
	res = g.CheckSubtaskAccess(ctx, "task-9", 4, 3)
	assert.False(t, res.Allowed)
}
