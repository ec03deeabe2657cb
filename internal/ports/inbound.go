package ports

import (
	"context"

	"github.com/sufield/devicefleet/internal/domain"
)

// SignInInput carries one sign-in step. The first call sets Username and
// Password; the follow-up call sets ChallengeResponse and the Attempt
// returned by the first call.
type SignInInput struct {
	Username          string
	Password          string
	ChallengeResponse string
	Attempt           *domain.Attempt
}

// Console is the presentation boundary. Presentation adapters (CLI, local
// HTTP API) depend on nothing else.
type Console interface {
	// Session returns a snapshot of the current session.
	Session() domain.Session

	// WaitReady blocks until silent restore has resolved or ctx is done.
	WaitReady(ctx context.Context) error

	SignIn(ctx context.Context, in SignInInput) domain.AuthChallengeResult
	CompleteCredentialReset(ctx context.Context, newCredential string) domain.AuthChallengeResult
	SignOut(ctx context.Context)

	// Authorized reports whether the caller holds at least one of required.
	// An empty set requires only authentication.
	Authorized(ctx context.Context, required domain.GroupSet) (bool, error)

	// Execute validates and submits one transition.
	Execute(ctx context.Context, kind domain.TransitionKind, params map[string]string) (domain.TransitionOutcome, error)

	// Describe fetches the backend's current record for a device.
	Describe(ctx context.Context, id domain.DeviceID) (domain.Device, error)
}
