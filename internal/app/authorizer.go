package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sufield/devicefleet/internal/clock"
	"github.com/sufield/devicefleet/internal/domain"
	"github.com/sufield/devicefleet/internal/ports"
)

const lookupTimeout = 15 * time.Second

// Authorizer answers whether the current caller may use a capability gated
// by a set of required groups (at-least-one-of).
//
// Groups embedded in the identity claims are authoritative. When the claims
// carry no group claim at all, the groups come from the GroupLookup and are
// cached for the lifetime of the session generation.
type Authorizer struct {
	sessions *SessionManager
	lookup   ports.GroupLookup
	audit    ports.AuditSink
	clock    clock.Clock
	log      *zap.Logger

	mu          sync.Mutex
	cached      bool
	cachedGen   uint64
	cachedGroup domain.GroupSet

	flight singleflight.Group
}

// NewAuthorizer returns an Authorizer. lookup may be nil when the identity
// provider always embeds group claims.
func NewAuthorizer(sessions *SessionManager, lookup ports.GroupLookup, audit ports.AuditSink, clk clock.Clock, log *zap.Logger) *Authorizer {
	if audit == nil {
		audit = nopAudit{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Authorizer{sessions: sessions, lookup: lookup, audit: audit, clock: clk, log: log}
}

// Authorized reports whether the caller holds at least one required group.
// An unauthenticated caller is never authorized. An error is returned only
// when the answer could not be determined (restore still pending and ctx
// done, or the group lookup failed).
func (a *Authorizer) Authorized(ctx context.Context, required domain.GroupSet) (bool, error) {
	err := a.Authorize(ctx, "", required)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, domain.ErrNotAuthenticated):
		return false, nil
	default:
		return false, err
	}
}

// Authorize is Authorized with the denial detail: it returns *domain.AuthError
// for an unauthenticated caller and *domain.AuthorizationError carrying the
// required and actual groups for a denial. Denials are audited.
func (a *Authorizer) Authorize(ctx context.Context, capability string, required domain.GroupSet) error {
	if err := a.sessions.WaitReady(ctx); err != nil {
		return err
	}
	session, gen := a.sessions.snapshot()
	if !session.Authenticated {
		return &domain.AuthError{Reason: "no active session"}
	}
	if required.Len() == 0 {
		return nil
	}

	groups, err := a.groupsFor(ctx, session.Subject, gen)
	if err != nil {
		return err
	}
	if groups.Intersects(required) {
		return nil
	}

	denial := &domain.AuthorizationError{
		Capability: capability,
		Required:   required.Names(),
		Actual:     groups.Names(),
	}
	a.log.Info("authorization denied",
		zap.String("subject", session.Subject.Subject),
		zap.String("capability", capability),
		zap.Strings("required", denial.Required),
		zap.Strings("actual", denial.Actual))
	a.audit.Record(ctx, ports.AuditEvent{
		Time:       a.clock.Now(),
		Action:     ports.AuditAuthorizationDenied,
		Subject:    session.Subject.Subject,
		Capability: capability,
		Required:   denial.Required,
		Actual:     denial.Actual,
		Outcome:    "denied",
	})
	return denial
}

// Groups returns the caller's effective groups and where they came from.
func (a *Authorizer) Groups(ctx context.Context) (domain.GroupSet, domain.GroupSource, error) {
	if err := a.sessions.WaitReady(ctx); err != nil {
		return domain.GroupSet{}, domain.GroupSourceNone, err
	}
	session, gen := a.sessions.snapshot()
	if !session.Authenticated {
		return domain.GroupSet{}, domain.GroupSourceNone, &domain.AuthError{Reason: "no active session"}
	}
	if session.Subject.HasGroupClaims() {
		return session.Subject.Groups, domain.GroupSourceClaims, nil
	}
	groups, err := a.groupsFor(ctx, session.Subject, gen)
	return groups, domain.GroupSourceLookup, err
}

func (a *Authorizer) groupsFor(ctx context.Context, subject *domain.UserIdentity, gen uint64) (domain.GroupSet, error) {
	if subject.HasGroupClaims() {
		return subject.Groups, nil
	}
	if a.lookup == nil {
		return domain.GroupSet{}, fmt.Errorf("%w: identity carries no group claim and no group lookup is configured", domain.ErrGroupsUnresolved)
	}

	a.mu.Lock()
	if a.cached && a.cachedGen == gen {
		groups := a.cachedGroup
		a.mu.Unlock()
		return groups, nil
	}
	a.mu.Unlock()

	// The flight outlives any single caller; each caller still honours its
	// own ctx while waiting.
	ch := a.flight.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		token, err := a.sessions.Token(fctx)
		if err != nil {
			return nil, err
		}
		names, err := a.lookup.Groups(fctx, token.Value)
		if err != nil {
			return nil, err
		}
		groups := domain.NewGroupSet(names...)
		a.mu.Lock()
		if a.sessions.Generation() == gen {
			a.cached, a.cachedGen, a.cachedGroup = true, gen, groups
		}
		a.mu.Unlock()
		a.log.Debug("resolved groups by lookup", zap.Strings("groups", groups.Names()))
		return groups, nil
	})
	select {
	case <-ctx.Done():
		return domain.GroupSet{}, &domain.ConnectivityError{Op: "group lookup", Outcome: domain.OutcomeNotSent, Err: ctx.Err()}
	case r := <-ch:
		if r.Err != nil {
			a.log.Warn("group lookup failed", zap.Error(r.Err))
			return domain.GroupSet{}, r.Err
		}
		return r.Val.(domain.GroupSet), nil
	}
}
