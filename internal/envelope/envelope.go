// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package envelope owns the authenticated session: who is logged in, the
// bearer token, the activity and login timestamps, and every path that
// tears a session down. It coordinates the two stores (session-scoped and
// durable), the identity vault, and the response cache so no credential
// survives a logout.
package envelope

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/studygate/internal/cache"
	"github.com/jeranaias/studygate/internal/store"
	"github.com/jeranaias/studygate/internal/util"
	"github.com/jeranaias/studygate/internal/vault"
)

// =============================================================================
// STATES AND ROUTES
// =============================================================================

// State is the session lifecycle state.
type State int

const (
	// StateAnonymous means no session is active.
	StateAnonymous State = iota
	// StateAuthenticating means a restore or login is in flight.
	StateAuthenticating
	// StateAuthenticated means a session is active and the transport
	// attaches its bearer token.
	StateAuthenticated
	// StateLoggingOut means teardown is in progress.
	StateLoggingOut
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "ANONYMOUS"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateLoggingOut:
		return "LOGGING_OUT"
	default:
		return "UNKNOWN"
	}
}

// Client-side routes the envelope navigates to on lifecycle transitions.
const (
	RouteLogin     = "/"
	RouteDashboard = "/dashboard"
)

// Logout reason codes appended to the backend logout call.
const (
	ReasonSessionTimeout = "SESSION_TIMEOUT"
	ReasonForceLogout    = "FORCE_LOGOUT"
)

// =============================================================================
// COLLABORATOR INTERFACES
// =============================================================================

// AuthAPI is the slice of the backend client the envelope needs.
type AuthAPI interface {
	// ValidateSession asks the backend whether the current bearer token
	// still names an authorized session.
	ValidateSession(ctx context.Context) (bool, error)

	// Logout tells the backend to invalidate the session, with a reason
	// code.
	Logout(ctx context.Context, studentID, reason string) error
}

// authFailer matches errors that represent a definitive 401/403 rejection
// rather than a transient failure.
type authFailer interface {
	AuthFailure() bool
}

func isAuthFailure(err error) bool {
	var af authFailer
	return errors.As(err, &af) && af.AuthFailure()
}

// =============================================================================
// IDENTITY
// =============================================================================

// Identity is the set of fields describing the logged-in student.
type Identity struct {
	StudentID string
	CourseID  string
	BatchID   string
	Email     string
	Name      string
	Picture   string
}

// fields maps store keys to the corresponding identity field.
func (id *Identity) fields() map[string]*string {
	return map[string]*string{
		store.KeyStudentID: &id.StudentID,
		store.KeyCourseID:  &id.CourseID,
		store.KeyBatchID:   &id.BatchID,
		store.KeyEmail:     &id.Email,
		store.KeyName:      &id.Name,
		store.KeyPicture:   &id.Picture,
	}
}

// =============================================================================
// ENVELOPE
// =============================================================================

// Envelope manages the authenticated session. All methods are safe for
// concurrent use; callbacks are invoked outside the lock.
type Envelope struct {
	mu sync.Mutex

	state     State
	sessionID string

	vault   *vault.Vault
	durable store.Store
	session store.Store
	cache   *cache.ResponseCache
	api     AuthAPI

	maxAge      time.Duration
	idleCeiling time.Duration

	navigate   func(route string)
	onActivity func()

	now func() time.Time
}

// Options configures a new Envelope.
type Options struct {
	Vault   *vault.Vault
	Durable store.Store
	Session store.Store
	// Cache, when set, is purged on every logout path.
	Cache *cache.ResponseCache
	// MaxAge is the absolute session-age ceiling for restoration.
	MaxAge time.Duration
	// IdleCeiling is the maximum inactivity gap for restoration.
	IdleCeiling time.Duration
	// Navigate is called with the target route on transitions. Optional.
	Navigate func(route string)
	// OnActivity is called after each activity-timestamp refresh. Optional.
	OnActivity func()
}

// New creates an Envelope in the Anonymous state.
func New(opts Options) *Envelope {
	return &Envelope{
		state:       StateAnonymous,
		vault:       opts.Vault,
		durable:     opts.Durable,
		session:     opts.Session,
		cache:       opts.Cache,
		maxAge:      opts.MaxAge,
		idleCeiling: opts.IdleCeiling,
		navigate:    opts.Navigate,
		onActivity:  opts.OnActivity,
		now:         time.Now,
	}
}

// SetAPI wires the backend client. Done after construction because the
// client's HTTP transport is built from this envelope.
func (e *Envelope) SetAPI(api AuthAPI) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.api = api
}

// SetOnActivity replaces the activity callback. Done after construction
// when the listener itself depends on the envelope.
func (e *Envelope) SetOnActivity(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onActivity = fn
}

// State returns the current session state.
func (e *Envelope) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SessionID returns the client-side session identifier, or "" when
// anonymous.
func (e *Envelope) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// =============================================================================
// LOGIN
// =============================================================================

// Login establishes a session from a fresh authentication: identity fields
// are vault-encrypted into both stores, the token into the durable store,
// and both timestamps are set to now.
func (e *Envelope) Login(identity Identity, token string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	encToken, err := e.vault.EncryptString(token)
	if err != nil {
		return err
	}

	for key, value := range identity.fields() {
		enc, err := e.vault.EncryptString(*value)
		if err != nil {
			return err
		}
		e.session.Set(key, enc)
		e.durable.Set(key, enc)
	}
	e.durable.Set(store.KeyAccessToken, encToken)
	e.session.Set(store.KeyAccessToken, encToken)

	nowMs := util.MillisToString(e.now().UnixMilli())
	e.session.Set(store.KeyLoginTimestamp, nowMs)
	e.durable.Set(store.KeyLoginTimestamp, nowMs)
	e.session.Set(store.KeyActivityTimestamp, nowMs)
	e.durable.Set(store.KeyActivityTimestamp, nowMs)

	e.state = StateAuthenticated
	e.sessionID = uuid.NewString()
	e.logEvent("LOGIN", "session="+e.sessionID)
	return nil
}

// Identity returns the decrypted identity from the session store. Fields
// that are absent or fail to decrypt read as empty.
func (e *Envelope) Identity() Identity {
	e.mu.Lock()
	defer e.mu.Unlock()

	var id Identity
	for key, field := range id.fields() {
		*field = e.vault.DecryptString(e.session.Get(key))
	}
	return id
}

// Token returns the decrypted bearer token from the durable store, or ""
// when absent.
func (e *Envelope) Token() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tokenLocked()
}

func (e *Envelope) tokenLocked() string {
	return e.vault.DecryptString(e.durable.Get(store.KeyAccessToken))
}

// =============================================================================
// ACTIVITY
// =============================================================================

// RefreshActivity stamps now as the last-activity time in both stores and
// notifies the activity callback. Called by the transport on every 200
// response.
func (e *Envelope) RefreshActivity() {
	e.mu.Lock()
	nowMs := util.MillisToString(e.now().UnixMilli())
	e.session.Set(store.KeyActivityTimestamp, nowMs)
	e.durable.Set(store.KeyActivityTimestamp, nowMs)
	onActivity := e.onActivity
	e.mu.Unlock()

	if onActivity != nil {
		onActivity()
	}
}

// =============================================================================
// LOGOUT PATHS
// =============================================================================

// PerformLogout tears the session down. The backend logout is best-effort:
// a failure is logged and teardown continues, so local state can never
// outlive a logout decision. isInactivity and force select the reason code
// reported to the backend; an ordinary user-initiated logout (both false)
// reports none.
func (e *Envelope) PerformLogout(ctx context.Context, isInactivity, force bool) {
	e.mu.Lock()
	if e.state == StateAnonymous || e.state == StateLoggingOut {
		e.mu.Unlock()
		return
	}
	e.state = StateLoggingOut
	studentID := e.vault.DecryptString(e.session.Get(store.KeyStudentID))
	if studentID == "" {
		studentID = e.vault.DecryptString(e.durable.Get(store.KeyStudentID))
	}
	api := e.api
	e.mu.Unlock()

	reason := ""
	switch {
	case isInactivity:
		reason = ReasonSessionTimeout
	case force:
		reason = ReasonForceLogout
	}

	if api != nil && studentID != "" {
		if err := api.Logout(ctx, studentID, reason); err != nil {
			log.Printf("envelope: backend logout failed (continuing teardown): %v", err)
		}
	}

	e.mu.Lock()
	e.clearLocked()
	detail := "reason=" + reason
	if reason == "" {
		detail = "reason=user"
	}
	e.logEvent("LOGOUT", detail)
	navigate := e.navigate
	e.mu.Unlock()

	if navigate != nil {
		navigate(RouteLogin)
	}
}

// ForceLogout is the synchronous teardown for a definitive backend
// rejection (401/403). No backend call is made; the server has already
// invalidated the session.
func (e *Envelope) ForceLogout() {
	e.mu.Lock()
	if e.state == StateAnonymous {
		// A rejected request with no session still purges stray state.
		e.clearLocked()
		e.mu.Unlock()
		return
	}
	e.clearLocked()
	e.logEvent("FORCED_LOGOUT", "cause=auth_rejection")
	navigate := e.navigate
	e.mu.Unlock()

	if navigate != nil {
		navigate(RouteLogin)
	}
}

// clearLocked wipes credentials from both stores, purges the cache, and
// resets to Anonymous. Caller holds the lock.
func (e *Envelope) clearLocked() {
	for _, key := range store.IdentityKeys {
		e.session.Delete(key)
		e.durable.Delete(key)
	}
	e.session.Delete(store.KeyAccessToken)
	e.durable.Delete(store.KeyAccessToken)
	e.session.Delete(store.KeyLoginTimestamp)
	e.durable.Delete(store.KeyLoginTimestamp)
	e.session.Delete(store.KeyActivityTimestamp)
	e.durable.Delete(store.KeyActivityTimestamp)

	if e.cache != nil {
		e.cache.Clear()
	}
	e.state = StateAnonymous
	e.sessionID = ""
}

// =============================================================================
// SESSION RESTORATION
// =============================================================================

// RestoreSession attempts to resurrect a session from the durable store.
//
// Eligibility is checked locally first: a token must be present, the
// session must be younger than the age ceiling, and the inactivity gap
// must be positive and within the idle ceiling. An eligible session is
// then validated with the backend. A definitive rejection purges the
// durable state; a transient backend failure leaves everything untouched
// so the next attempt can retry.
//
// Returns true when a session was restored.
func (e *Envelope) RestoreSession(ctx context.Context) (bool, error) {
	e.mu.Lock()
	if e.state != StateAnonymous {
		e.mu.Unlock()
		return false, nil
	}

	token := e.tokenLocked()
	if token == "" {
		e.mu.Unlock()
		return false, nil
	}

	now := e.now()
	loginMs := util.StringToMillis(e.durable.Get(store.KeyLoginTimestamp))
	if loginMs == 0 || now.Sub(util.MillisToTime(loginMs)) >= e.maxAge {
		e.logEvent("RESTORE_REJECTED", "cause=session_too_old")
		e.clearLocked()
		e.mu.Unlock()
		return false, nil
	}

	activityMs := util.StringToMillis(e.durable.Get(store.KeyActivityTimestamp))
	idle := now.Sub(util.MillisToTime(activityMs))
	if activityMs == 0 || idle <= 0 || idle > e.idleCeiling {
		e.logEvent("RESTORE_REJECTED", "cause=idle_ceiling")
		e.clearLocked()
		e.mu.Unlock()
		return false, nil
	}

	e.state = StateAuthenticating
	api := e.api
	e.mu.Unlock()

	if api == nil {
		e.mu.Lock()
		e.state = StateAnonymous
		e.mu.Unlock()
		return false, errors.New("envelope: no backend client wired")
	}

	authorized, err := api.ValidateSession(ctx)
	if err != nil {
		if isAuthFailure(err) {
			e.mu.Lock()
			e.clearLocked()
			e.logEvent("RESTORE_REJECTED", "cause=auth_failure")
			e.mu.Unlock()
			return false, nil
		}
		// Transient failure: leave durable state for the next attempt.
		e.mu.Lock()
		e.state = StateAnonymous
		e.mu.Unlock()
		return false, err
	}

	if !authorized {
		e.mu.Lock()
		e.clearLocked()
		e.logEvent("RESTORE_REJECTED", "cause=unauthorized")
		e.mu.Unlock()
		return false, nil
	}

	e.mu.Lock()
	// Copy the durable credentials into the session store.
	for _, key := range store.IdentityKeys {
		if v := e.durable.Get(key); v != "" {
			e.session.Set(key, v)
		}
	}
	e.session.Set(store.KeyAccessToken, e.durable.Get(store.KeyAccessToken))
	e.session.Set(store.KeyLoginTimestamp, e.durable.Get(store.KeyLoginTimestamp))

	nowMs := util.MillisToString(e.now().UnixMilli())
	e.session.Set(store.KeyActivityTimestamp, nowMs)
	e.durable.Set(store.KeyActivityTimestamp, nowMs)

	e.state = StateAuthenticated
	e.sessionID = uuid.NewString()
	e.logEvent("RESTORE", "session="+e.sessionID)
	navigate := e.navigate
	e.mu.Unlock()

	if navigate != nil {
		navigate(RouteDashboard)
	}
	return true, nil
}

func (e *Envelope) logEvent(event, detail string) {
	log.Printf("%s | %s | state=%s %s", e.now().Format(time.RFC3339), event, e.state, detail)
}
