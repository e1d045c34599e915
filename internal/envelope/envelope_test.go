// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package envelope

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/studygate/internal/cache"
	"github.com/jeranaias/studygate/internal/store"
	"github.com/jeranaias/studygate/internal/util"
	"github.com/jeranaias/studygate/internal/vault"
)

// =============================================================================
// TEST FIXTURES
// =============================================================================

type fakeAPI struct {
	authorized  bool
	validateErr error
	logoutErr   error

	logoutCalls []string // "studentID/reason"
}

func (f *fakeAPI) ValidateSession(ctx context.Context) (bool, error) {
	return f.authorized, f.validateErr
}

func (f *fakeAPI) Logout(ctx context.Context, studentID, reason string) error {
	f.logoutCalls = append(f.logoutCalls, studentID+"/"+reason)
	return f.logoutErr
}

type rejectionErr struct{}

func (rejectionErr) Error() string     { return "401 unauthorized" }
func (rejectionErr) AuthFailure() bool { return true }

type harness struct {
	env     *Envelope
	durable store.Store
	session store.Store
	vault   *vault.Vault
	cache   *cache.ResponseCache
	api     *fakeAPI
	routes  []string
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		durable: store.NewMemoryStore(),
		session: store.NewMemoryStore(),
		vault:   vault.New(),
		cache:   cache.New(0),
		api:     &fakeAPI{},
		now:     time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	h.env = New(Options{
		Vault:       h.vault,
		Durable:     h.durable,
		Session:     h.session,
		Cache:       h.cache,
		MaxAge:      24 * time.Hour,
		IdleCeiling: 2 * time.Minute,
		Navigate:    func(route string) { h.routes = append(h.routes, route) },
	})
	h.env.now = func() time.Time { return h.now }
	h.env.SetAPI(h.api)
	return h
}

func (h *harness) login(t *testing.T) {
	t.Helper()
	err := h.env.Login(Identity{
		StudentID: "42",
		CourseID:  "7",
		BatchID:   "3",
		Email:     "student@example.edu",
		Name:      "Test Student",
	}, "tok-secret")
	require.NoError(t, err)
}

// =============================================================================
// LOGIN
// =============================================================================

func TestLoginEncryptsIntoBothStores(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	assert.Equal(t, StateAuthenticated, h.env.State())
	assert.NotEmpty(t, h.env.SessionID())

	for _, s := range []store.Store{h.session, h.durable} {
		stored := s.Get(store.KeyStudentID)
		require.True(t, vault.IsEncrypted(stored), "identity must be stored encrypted")
		assert.Equal(t, "42", h.vault.DecryptString(stored))
	}
	assert.True(t, vault.IsEncrypted(h.durable.Get(store.KeyAccessToken)))
	assert.Equal(t, "tok-secret", h.env.Token())

	wantMs := util.MillisToString(h.now.UnixMilli())
	assert.Equal(t, wantMs, h.durable.Get(store.KeyLoginTimestamp))
	assert.Equal(t, wantMs, h.durable.Get(store.KeyActivityTimestamp))
}

func TestIdentityRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	id := h.env.Identity()
	assert.Equal(t, "42", id.StudentID)
	assert.Equal(t, "student@example.edu", id.Email)
	assert.Equal(t, "", id.Picture, "unset field reads empty")
}

// =============================================================================
// LOGOUT
// =============================================================================

func TestPerformLogoutReportsReasonAndClears(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.cache.Set("http://x/api/dashboard/1/", []byte("data"))

	h.env.PerformLogout(context.Background(), true, false)

	require.Equal(t, []string{"42/SESSION_TIMEOUT"}, h.api.logoutCalls)
	assert.Equal(t, StateAnonymous, h.env.State())
	assert.Empty(t, h.env.Token())
	assert.Empty(t, h.session.Get(store.KeyStudentID))
	assert.Empty(t, h.durable.Get(store.KeyStudentID))
	assert.Equal(t, 0, h.cache.Len())
	assert.Equal(t, []string{RouteLogin}, h.routes)
}

func TestPerformLogoutUserInitiatedReportsNoReason(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	h.env.PerformLogout(context.Background(), false, false)

	require.Equal(t, []string{"42/"}, h.api.logoutCalls, "manual logout carries no reason code")
	assert.Equal(t, StateAnonymous, h.env.State())
	assert.Empty(t, h.env.Token())
}

func TestPerformLogoutContinuesWhenBackendFails(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	h.api.logoutErr = errors.New("network down")

	h.env.PerformLogout(context.Background(), false, true)

	require.Equal(t, []string{"42/FORCE_LOGOUT"}, h.api.logoutCalls)
	assert.Equal(t, StateAnonymous, h.env.State())
	assert.Empty(t, h.env.Token(), "local teardown is unconditional")
}

func TestForceLogoutSkipsBackend(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	h.env.ForceLogout()

	assert.Empty(t, h.api.logoutCalls)
	assert.Equal(t, StateAnonymous, h.env.State())
	assert.Empty(t, h.env.Token())
	assert.Equal(t, []string{RouteLogin}, h.routes)
}

// =============================================================================
// ACTIVITY
// =============================================================================

func TestRefreshActivityStampsBothStores(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	h.now = h.now.Add(30 * time.Second)
	fired := 0
	h.env.onActivity = func() { fired++ }
	h.env.RefreshActivity()

	wantMs := util.MillisToString(h.now.UnixMilli())
	assert.Equal(t, wantMs, h.session.Get(store.KeyActivityTimestamp))
	assert.Equal(t, wantMs, h.durable.Get(store.KeyActivityTimestamp))
	assert.Equal(t, 1, fired)
}

// =============================================================================
// RESTORATION
// =============================================================================

// seedDurable populates the durable store as a previous process would have
// left it: encrypted credentials plus timestamps.
func (h *harness) seedDurable(t *testing.T, loginAgo, idleAgo time.Duration) {
	t.Helper()

	encID, err := h.vault.EncryptString("42")
	require.NoError(t, err)
	encTok, err := h.vault.EncryptString("tok-secret")
	require.NoError(t, err)

	h.durable.Set(store.KeyStudentID, encID)
	h.durable.Set(store.KeyAccessToken, encTok)
	h.durable.Set(store.KeyLoginTimestamp, util.MillisToString(h.now.Add(-loginAgo).UnixMilli()))
	h.durable.Set(store.KeyActivityTimestamp, util.MillisToString(h.now.Add(-idleAgo).UnixMilli()))
}

func TestRestoreAuthorizedSession(t *testing.T) {
	h := newHarness(t)
	h.seedDurable(t, time.Hour, time.Minute)
	h.api.authorized = true

	ok, err := h.env.RestoreSession(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, StateAuthenticated, h.env.State())
	assert.Equal(t, "42", h.env.Identity().StudentID, "identity copied into session store")
	assert.Equal(t, []string{RouteDashboard}, h.routes)

	wantMs := util.MillisToString(h.now.UnixMilli())
	assert.Equal(t, wantMs, h.durable.Get(store.KeyActivityTimestamp), "restore counts as activity")
}

func TestRestoreWithoutTokenIsNoop(t *testing.T) {
	h := newHarness(t)

	ok, err := h.env.RestoreSession(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateAnonymous, h.env.State())
	assert.Empty(t, h.routes)
}

func TestRestoreRejectsOldSession(t *testing.T) {
	h := newHarness(t)
	h.seedDurable(t, 25*time.Hour, time.Minute)

	ok, err := h.env.RestoreSession(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, h.durable.Get(store.KeyAccessToken), "stale credentials purged")
}

func TestRestoreRejectsIdleCeiling(t *testing.T) {
	h := newHarness(t)
	h.seedDurable(t, time.Hour, 3*time.Minute)

	ok, err := h.env.RestoreSession(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, h.durable.Get(store.KeyAccessToken))
}

func TestRestoreRejectsFutureActivity(t *testing.T) {
	h := newHarness(t)
	h.seedDurable(t, time.Hour, -time.Minute)

	ok, err := h.env.RestoreSession(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "activity timestamp in the future is not trusted")
	assert.Empty(t, h.durable.Get(store.KeyAccessToken))
}

func TestRestoreUnauthorizedPurges(t *testing.T) {
	h := newHarness(t)
	h.seedDurable(t, time.Hour, time.Minute)
	h.api.authorized = false

	ok, err := h.env.RestoreSession(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, h.durable.Get(store.KeyAccessToken))
	assert.Equal(t, StateAnonymous, h.env.State())
}

func TestRestoreAuthFailurePurges(t *testing.T) {
	h := newHarness(t)
	h.seedDurable(t, time.Hour, time.Minute)
	h.api.validateErr = rejectionErr{}

	ok, err := h.env.RestoreSession(context.Background())
	require.NoError(t, err, "definitive rejection is not an error, it is an answer")
	assert.False(t, ok)
	assert.Empty(t, h.durable.Get(store.KeyAccessToken))
}

func TestRestoreTransientErrorLeavesStateUntouched(t *testing.T) {
	h := newHarness(t)
	h.seedDurable(t, time.Hour, time.Minute)
	h.api.validateErr = errors.New("connection refused")

	ok, err := h.env.RestoreSession(context.Background())
	require.Error(t, err)
	assert.False(t, ok)
	assert.NotEmpty(t, h.durable.Get(store.KeyAccessToken), "transient failure must not purge")
	assert.Equal(t, StateAnonymous, h.env.State())
	assert.Empty(t, h.routes)
}
