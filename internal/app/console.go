package app

import (
	"context"

	"go.uber.org/zap"

	"github.com/sufield/devicefleet/internal/bg"
	"github.com/sufield/devicefleet/internal/domain"
	"github.com/sufield/devicefleet/internal/ports"
)

// Console is the presentation boundary: the only surface the CLI and the
// local HTTP API drive.
type Console struct {
	sessions     *SessionManager
	authz        *Authorizer
	engine       *LifecycleEngine
	capabilities map[domain.TransitionKind]domain.GroupSet
	runner       *bg.Tracked
	log          *zap.Logger
}

var _ ports.Console = (*Console)(nil)

// Start launches silent session restore on the runner. Authorization-gated
// calls block until it resolves.
func (c *Console) Start(ctx context.Context) {
	c.runner.Do(func() {
		if err := c.sessions.Restore(ctx); err != nil {
			c.log.Warn("session restore failed", zap.Error(err))
		}
	})
}

// Wait blocks until background work started by Start has finished.
func (c *Console) Wait() { c.runner.Wait() }

func (c *Console) Session() domain.Session { return c.sessions.Session() }

func (c *Console) WaitReady(ctx context.Context) error { return c.sessions.WaitReady(ctx) }

func (c *Console) SignIn(ctx context.Context, in ports.SignInInput) domain.AuthChallengeResult {
	return c.sessions.SignIn(ctx, in)
}

func (c *Console) CompleteCredentialReset(ctx context.Context, newCredential string) domain.AuthChallengeResult {
	return c.sessions.CompleteCredentialReset(ctx, newCredential)
}

func (c *Console) SignOut(ctx context.Context) { c.sessions.SignOut(ctx) }

// Token returns a valid access token for the signed-in caller, refreshing
// it when close to expiry.
func (c *Console) Token(ctx context.Context) (ports.Token, error) { return c.sessions.Token(ctx) }

func (c *Console) Authorized(ctx context.Context, required domain.GroupSet) (bool, error) {
	return c.authz.Authorized(ctx, required)
}

// Authorize returns the denial detail instead of a bool.
func (c *Console) Authorize(ctx context.Context, capability string, required domain.GroupSet) error {
	return c.authz.Authorize(ctx, capability, required)
}

// Groups returns the caller's effective groups and their source.
func (c *Console) Groups(ctx context.Context) (domain.GroupSet, domain.GroupSource, error) {
	return c.authz.Groups(ctx)
}

// Capability returns the groups required for kind. Empty means any
// authenticated caller.
func (c *Console) Capability(kind domain.TransitionKind) domain.GroupSet {
	return c.capabilities[kind]
}

// Execute validates params locally, checks the caller holds the
// capability for kind, then hands the transition to the engine.
func (c *Console) Execute(ctx context.Context, kind domain.TransitionKind, params map[string]string) (domain.TransitionOutcome, error) {
	if err := c.engine.Validate(kind, params); err != nil {
		return domain.TransitionOutcome{}, err
	}
	if err := c.authz.Authorize(ctx, string(kind), c.capabilities[kind]); err != nil {
		return domain.TransitionOutcome{}, err
	}
	return c.engine.Execute(ctx, kind, params)
}

// Describe requires an authenticated session.
func (c *Console) Describe(ctx context.Context, id domain.DeviceID) (domain.Device, error) {
	if err := c.authz.Authorize(ctx, "describe", domain.GroupSet{}); err != nil {
		return domain.Device{}, err
	}
	return c.engine.Describe(ctx, id)
}
