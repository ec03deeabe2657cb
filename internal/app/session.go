package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sufield/devicefleet/internal/assert"
	"github.com/sufield/devicefleet/internal/clock"
	"github.com/sufield/devicefleet/internal/domain"
	"github.com/sufield/devicefleet/internal/ports"
)

const (
	// DefaultRefreshSkew treats an access token as expired this long before
	// its stated expiry.
	DefaultRefreshSkew = 60 * time.Second

	refreshTimeout = 30 * time.Second
	revokeTimeout  = 10 * time.Second
)

// SessionOptions configures a SessionManager. Zero values select defaults.
type SessionOptions struct {
	Clock          clock.Clock
	Logger         *zap.Logger
	Audit          ports.AuditSink
	PasswordPolicy *domain.PasswordPolicy
	RefreshSkew    time.Duration
	// NewID generates attempt identifiers.
	NewID func() string
}

// SessionManager is the single owner of the process's authentication state.
//
// Every state change goes through SignIn, CompleteCredentialReset, SignOut,
// Restore or a rejected refresh. Each change that replaces or discards the
// token set, or opens a new challenge, bumps the generation so that work
// started against an older session (a refresh, a restore, a cached group
// lookup) is discarded.
type SessionManager struct {
	idp    ports.IdentityProvider
	store  ports.TokenStore
	clock  clock.Clock
	log    *zap.Logger
	audit  ports.AuditSink
	policy domain.PasswordPolicy
	skew   time.Duration
	newID  func() string

	mu         sync.Mutex
	session    domain.Session
	tokens     *ports.Tokens
	username   string
	attempt    *domain.Attempt
	generation uint64

	ready     chan struct{}
	readyOnce sync.Once

	refresh singleflight.Group
}

// NewSessionManager returns a manager in the loading state. Call Restore
// once at process start to resolve it.
func NewSessionManager(idp ports.IdentityProvider, store ports.TokenStore, opts SessionOptions) *SessionManager {
	m := &SessionManager{
		idp:     idp,
		store:   store,
		clock:   opts.Clock,
		log:     opts.Logger,
		audit:   opts.Audit,
		skew:    opts.RefreshSkew,
		newID:   opts.NewID,
		session: domain.Session{Loading: true},
		ready:   make(chan struct{}),
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.audit == nil {
		m.audit = nopAudit{}
	}
	if m.skew <= 0 {
		m.skew = DefaultRefreshSkew
	}
	if m.newID == nil {
		m.newID = newUUID
	}
	m.policy = domain.DefaultPasswordPolicy()
	if opts.PasswordPolicy != nil {
		m.policy = *opts.PasswordPolicy
	}
	return m
}

// Session returns a snapshot of the current session.
func (m *SessionManager) Session() domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Invariant(m.session.Validate() == nil, "session state is consistent")
	return m.session.Clone()
}

// Generation returns the current session generation.
func (m *SessionManager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

func (m *SessionManager) snapshot() (domain.Session, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Clone(), m.generation
}

// Subject returns a copy of the authenticated identity, or nil.
func (m *SessionManager) Subject() *domain.UserIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Subject.Clone()
}

// WaitReady blocks until the session has left the loading state.
func (m *SessionManager) WaitReady(ctx context.Context) error {
	select {
	case <-m.ready:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for session restore: %w", ctx.Err())
	}
}

// resolveLoadingLocked must be called with mu held.
func (m *SessionManager) resolveLoadingLocked() {
	m.session.Loading = false
	m.readyOnce.Do(func() { close(m.ready) })
}

// Restore attempts silent restoration from the durable token store. The
// session stays in the loading state until it returns. A sign-in that gets
// an answer first wins, even one still waiting on a challenge; the restored
// tokens are then discarded and the store is left to the newer sign-in.
func (m *SessionManager) Restore(ctx context.Context) error {
	gen := m.Generation()
	defer func() {
		m.mu.Lock()
		m.resolveLoadingLocked()
		m.mu.Unlock()
	}()

	stored, err := m.store.Load(ctx)
	if errors.Is(err, ports.ErrTokensNotFound) {
		m.log.Debug("no stored session")
		return nil
	}
	if err != nil {
		m.log.Warn("stored session unreadable, discarding", zap.Error(err))
		m.discardStored(ctx, gen)
		return fmt.Errorf("restore session: %w", err)
	}

	tokens := stored.Tokens
	if !tokens.AccessValid(m.clock.Now(), m.skew) {
		if !tokens.Refreshable() {
			m.log.Info("stored session expired")
			m.discardStored(ctx, gen)
			return nil
		}
		refreshed, err := m.idp.Refresh(ctx, tokens.RefreshToken)
		switch {
		case errors.Is(err, domain.ErrConnectivity):
			// Keep the expired set; Token refreshes again on first use.
			m.log.Warn("identity provider unreachable during restore; keeping stored session", zap.Error(err))
		case err != nil:
			m.log.Info("stored session rejected by identity provider", zap.Error(err))
			m.discardStored(ctx, gen)
			return nil
		default:
			tokens = mergeRefreshed(tokens, refreshed)
		}
	}

	identity, err := m.idp.IdentityFromTokens(tokens)
	if err != nil {
		m.log.Warn("stored identity token unusable", zap.Error(err))
		m.discardStored(ctx, gen)
		return fmt.Errorf("restore session: %w", err)
	}

	m.mu.Lock()
	if m.supersededLocked(gen) {
		m.mu.Unlock()
		m.log.Debug("discarding restored session superseded by a newer sign-in")
		return nil
	}
	m.generation++
	m.tokens = &tokens
	m.username = stored.Username
	m.session = domain.Session{Authenticated: true, Subject: identity}
	m.mu.Unlock()

	m.saveTokens(ctx, stored.Username, tokens)
	m.log.Info("session restored",
		zap.String("subject", identity.Subject),
		zap.String("group_source", identity.GroupSource.String()))
	return nil
}

// supersededLocked reports whether a sign-in step has moved the session since
// gen was read, including one still waiting on a challenge. mu must be held.
func (m *SessionManager) supersededLocked(gen uint64) bool {
	return m.generation != gen || m.attempt != nil || m.session.PendingChallenge != domain.ChallengeNone
}

// discardStored clears the store unless a newer sign-in has taken it over.
func (m *SessionManager) discardStored(ctx context.Context, gen uint64) {
	m.mu.Lock()
	superseded := m.supersededLocked(gen)
	m.mu.Unlock()
	if !superseded {
		m.clearStore(ctx)
	}
}

// SignIn runs one step of the sign-in sequence. The first call carries a
// username and password. When the provider answers with a multi-factor
// challenge, the follow-up call carries ChallengeResponse and the Attempt
// from the first result; the code is applied to that same attempt.
func (m *SessionManager) SignIn(ctx context.Context, in ports.SignInInput) domain.AuthChallengeResult {
	if in.ChallengeResponse != "" {
		return m.respondMFA(ctx, in)
	}
	if in.Attempt != nil {
		return m.failed(domain.ReasonInvalidRequest, &domain.ValidationError{
			Field: "challengeResponse", Reason: "is required when continuing a sign-in attempt",
		}, nil)
	}
	username := strings.TrimSpace(in.Username)
	if username == "" {
		return m.failed(domain.ReasonInvalidRequest, &domain.ValidationError{Field: "username", Reason: "is required"}, nil)
	}
	if in.Password == "" {
		return m.failed(domain.ReasonInvalidRequest, &domain.ValidationError{Field: "password", Reason: "is required"}, nil)
	}

	resp, err := m.idp.InitiateAuth(ctx, username, in.Password)
	if err != nil {
		return m.failed(failureReason(err), err, nil)
	}
	return m.apply(ctx, username, resp, nil)
}

func (m *SessionManager) respondMFA(ctx context.Context, in ports.SignInInput) domain.AuthChallengeResult {
	pending, err := m.pendingFor(domain.ChallengeMultiFactor, "challengeResponse", in.Attempt)
	if err != nil {
		return m.failed(domain.ReasonInvalidRequest, err, nil)
	}
	if u := strings.TrimSpace(in.Username); u != "" && u != pending.Username {
		return m.failed(domain.ReasonInvalidRequest, &domain.ValidationError{
			Field: "username", Reason: "does not match the pending sign-in attempt",
		}, pending)
	}

	resp, err := m.idp.RespondMFA(ctx, *pending, strings.TrimSpace(in.ChallengeResponse))
	if err != nil {
		return m.challengeFailed(ctx, pending, err, domain.ReasonInvalidChallengeResponse)
	}
	return m.apply(ctx, pending.Username, resp, pending)
}

// CompleteCredentialReset submits a new permanent credential for the pending
// reset challenge. The password policy is checked locally first.
func (m *SessionManager) CompleteCredentialReset(ctx context.Context, newCredential string) domain.AuthChallengeResult {
	pending, err := m.pendingFor(domain.ChallengeCredentialReset, "newCredential", nil)
	if err != nil {
		return m.failed(domain.ReasonInvalidRequest, err, nil)
	}
	if err := m.policy.Check(newCredential); err != nil {
		return m.failed(domain.ReasonPasswordPolicy, err, pending)
	}

	resp, err := m.idp.RespondNewPassword(ctx, *pending, newCredential)
	if err != nil {
		return m.challengeFailed(ctx, pending, err, domain.ReasonPasswordPolicy)
	}
	return m.apply(ctx, pending.Username, resp, pending)
}

// pendingFor returns a copy of the pending attempt if it is waiting on want.
func (m *SessionManager) pendingFor(want domain.ChallengeKind, field string, supplied *domain.Attempt) (*domain.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempt == nil || m.session.PendingChallenge != want {
		return nil, &domain.ValidationError{
			Field:  field,
			Reason: fmt.Sprintf("no %s challenge is pending", strings.ReplaceAll(want.String(), "_", " ")),
		}
	}
	if supplied != nil && supplied.ID != m.attempt.ID {
		return nil, &domain.ValidationError{Field: "attempt", Reason: "does not match the pending sign-in attempt"}
	}
	a := *m.attempt
	return &a, nil
}

// challengeFailed keeps the attempt for a rejected response. A credential
// error here means the provider discarded the attempt, so the session
// returns to unauthenticated.
func (m *SessionManager) challengeFailed(ctx context.Context, pending *domain.Attempt, err error, reason string) domain.AuthChallengeResult {
	if errors.Is(err, domain.ErrChallenge) {
		m.log.Info("challenge response rejected",
			zap.String("attempt", pending.ID),
			zap.String("challenge", pending.Challenge.String()))
		return m.failed(reason, err, pending)
	}
	if errors.Is(err, domain.ErrCredential) {
		m.mu.Lock()
		if m.attempt.Matches(pending) {
			m.attempt = nil
			m.session = domain.Session{}
		}
		m.mu.Unlock()
		return m.failed(domain.ReasonInvalidCredentials, err, nil)
	}
	return m.failed(failureReason(err), err, pending)
}

// apply moves the session according to the provider's answer. prev is the
// attempt the answer belongs to, nil for a fresh InitiateAuth.
func (m *SessionManager) apply(ctx context.Context, username string, resp ports.AuthResponse, prev *domain.Attempt) domain.AuthChallengeResult {
	switch {
	case resp.Tokens != nil:
		return m.authenticated(ctx, username, *resp.Tokens, prev)
	case resp.Challenge != domain.ChallengeNone:
		return m.challenged(ctx, username, resp, prev)
	default:
		err := fmt.Errorf("%w: response carried neither tokens nor a challenge", ports.ErrProviderUnavailable)
		return m.failed(domain.ReasonUnexpected, err, prev)
	}
}

func (m *SessionManager) authenticated(ctx context.Context, username string, tokens ports.Tokens, prev *domain.Attempt) domain.AuthChallengeResult {
	identity, err := m.idp.IdentityFromTokens(tokens)
	if err != nil {
		return m.failed(domain.ReasonUnexpected, fmt.Errorf("read identity claims: %w", err), prev)
	}

	m.mu.Lock()
	if prev != nil && !m.attempt.Matches(prev) {
		m.mu.Unlock()
		return m.failed(domain.ReasonInvalidRequest, errAttemptSuperseded, nil)
	}
	m.generation++
	m.tokens = &tokens
	m.username = username
	m.attempt = nil
	m.session = domain.Session{Authenticated: true, Subject: identity}
	m.resolveLoadingLocked()
	snap := m.session.Clone()
	m.mu.Unlock()

	m.saveTokens(ctx, username, tokens)
	m.log.Info("signed in",
		zap.String("subject", identity.Subject),
		zap.String("group_source", identity.GroupSource.String()))
	m.audit.Record(ctx, ports.AuditEvent{
		Time: m.clock.Now(), Action: ports.AuditSignIn, Subject: identity.Subject, Outcome: "success",
	})
	return domain.NewSuccessResult(snap)
}

func (m *SessionManager) challenged(ctx context.Context, username string, resp ports.AuthResponse, prev *domain.Attempt) domain.AuthChallengeResult {
	next := &domain.Attempt{
		ID:        m.newID(),
		Username:  username,
		StartedAt: m.clock.Now(),
	}
	if prev != nil {
		next.ID = prev.ID
		next.StartedAt = prev.StartedAt
	}
	next.Challenge = resp.Challenge
	next.MFAMedium = resp.MFAMedium
	next.Handle = resp.Handle

	m.mu.Lock()
	if prev != nil && !m.attempt.Matches(prev) {
		m.mu.Unlock()
		return m.failed(domain.ReasonInvalidRequest, errAttemptSuperseded, nil)
	}
	hadTokens := m.tokens != nil
	m.generation++
	m.tokens = nil
	m.username = ""
	m.attempt = next
	m.session = domain.Session{PendingChallenge: resp.Challenge}
	m.resolveLoadingLocked()
	snap := m.session.Clone()
	out := *next
	m.mu.Unlock()

	if hadTokens {
		m.clearStore(ctx)
	}
	m.log.Info("sign-in challenge",
		zap.String("attempt", next.ID),
		zap.String("challenge", next.Challenge.String()),
		zap.String("medium", next.MFAMedium))
	return domain.NewChallengeResult(snap, &out)
}

func (m *SessionManager) failed(reason string, err error, attempt *domain.Attempt) domain.AuthChallengeResult {
	r := domain.NewFailedResult(m.Session(), reason, err)
	r.Attempt = attempt
	return r
}

var errAttemptSuperseded = &domain.ValidationError{Field: "attempt", Reason: "was superseded by a newer sign-in"}

// failureReason maps a provider error onto the caller-facing reason.
func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrConnectivity):
		return domain.ReasonConnectivity
	case errors.Is(err, domain.ErrCredential):
		return domain.ReasonInvalidCredentials
	case errors.Is(err, domain.ErrChallenge):
		return domain.ReasonInvalidChallengeResponse
	case errors.Is(err, domain.ErrValidation):
		return domain.ReasonInvalidRequest
	default:
		return domain.ReasonUnexpected
	}
}

// SignOut clears the local session and stored tokens, then revokes the
// refresh token on a best-effort basis. It never fails.
func (m *SessionManager) SignOut(ctx context.Context) {
	m.mu.Lock()
	tokens := m.tokens
	subject := ""
	if m.session.Subject != nil {
		subject = m.session.Subject.Subject
	}
	m.generation++
	m.tokens = nil
	m.username = ""
	m.attempt = nil
	m.session = domain.Session{}
	m.resolveLoadingLocked()
	m.mu.Unlock()

	m.clearStore(ctx)

	if tokens != nil && tokens.RefreshToken != "" {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), revokeTimeout)
		defer cancel()
		if err := m.idp.Revoke(rctx, tokens.RefreshToken); err != nil {
			m.log.Warn("token revoke failed; local session already cleared", zap.Error(err))
		}
	}
	m.log.Info("signed out", zap.String("subject", subject))
	m.audit.Record(ctx, ports.AuditEvent{
		Time: m.clock.Now(), Action: ports.AuditSignOut, Subject: subject, Outcome: "success",
	})
}

// Token returns a currently valid access token, refreshing it when it is
// within the refresh skew of expiry. Concurrent callers share one refresh.
func (m *SessionManager) Token(ctx context.Context) (ports.Token, error) {
	m.mu.Lock()
	if !m.session.Authenticated || m.tokens == nil {
		m.mu.Unlock()
		return ports.Token{}, &domain.AuthError{Reason: "no active session"}
	}
	tokens := *m.tokens
	gen := m.generation
	if tokens.AccessValid(m.clock.Now(), m.skew) {
		m.mu.Unlock()
		return ports.Token{Value: tokens.AccessToken, ExpiresAt: tokens.ExpiresAt}, nil
	}
	if !tokens.Refreshable() {
		m.expireLocked()
		m.mu.Unlock()
		m.clearStore(ctx)
		return ports.Token{}, &domain.AuthError{Reason: "session expired"}
	}
	m.mu.Unlock()

	ch := m.refresh.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		return m.doRefresh(context.WithoutCancel(ctx), gen, tokens)
	})
	select {
	case <-ctx.Done():
		return ports.Token{}, &domain.ConnectivityError{Op: "token refresh", Outcome: domain.OutcomeUnknown, Err: ctx.Err()}
	case r := <-ch:
		if r.Err != nil {
			return ports.Token{}, r.Err
		}
		return r.Val.(ports.Token), nil
	}
}

func (m *SessionManager) doRefresh(ctx context.Context, gen uint64, old ports.Tokens) (ports.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	refreshed, err := m.idp.Refresh(ctx, old.RefreshToken)
	if err != nil {
		if errors.Is(err, domain.ErrConnectivity) {
			m.log.Warn("token refresh failed; session kept", zap.Error(err))
			return ports.Token{}, err
		}
		m.mu.Lock()
		expired := m.generation == gen
		if expired {
			m.expireLocked()
		}
		m.mu.Unlock()
		if expired {
			m.clearStore(ctx)
		}
		m.log.Info("refresh rejected; session expired", zap.Error(err))
		return ports.Token{}, &domain.AuthError{Reason: "session expired", Err: err}
	}

	merged := mergeRefreshed(old, refreshed)
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return ports.Token{}, &domain.AuthError{Reason: "session changed during refresh"}
	}
	m.tokens = &merged
	username := m.username
	m.mu.Unlock()

	m.saveTokens(ctx, username, merged)
	m.log.Debug("access token refreshed", zap.Time("expires_at", merged.ExpiresAt))
	return ports.Token{Value: merged.AccessToken, ExpiresAt: merged.ExpiresAt}, nil
}

// expireLocked must be called with mu held.
func (m *SessionManager) expireLocked() {
	m.generation++
	m.tokens = nil
	m.username = ""
	m.attempt = nil
	m.session = domain.Session{}
	m.resolveLoadingLocked()
}

// mergeRefreshed keeps the previous refresh and ID tokens when the provider
// does not reissue them.
func mergeRefreshed(old, fresh ports.Tokens) ports.Tokens {
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = old.RefreshToken
	}
	if fresh.IDToken == "" {
		fresh.IDToken = old.IDToken
	}
	return fresh
}

func (m *SessionManager) saveTokens(ctx context.Context, username string, tokens ports.Tokens) {
	err := m.store.Save(ctx, ports.StoredSession{Username: username, Tokens: tokens, SavedAt: m.clock.Now()})
	if err != nil {
		m.log.Warn("persisting session failed; it will not survive a restart", zap.Error(err))
	}
}

func (m *SessionManager) clearStore(ctx context.Context) {
	if err := m.store.Clear(context.WithoutCancel(ctx)); err != nil {
		m.log.Warn("clearing stored session failed", zap.Error(err))
	}
}
