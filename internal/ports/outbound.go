package ports

import (
	"context"

	"github.com/sufield/devicefleet/internal/domain"
)

// IdentityProvider is the credential store adapter: it talks to the external
// identity provider and issues, refreshes and revokes tokens.
//
// Error Contract:
// - InitiateAuth returns *domain.CredentialError for a bad username/password
// - RespondMFA returns *domain.ChallengeError for a wrong or expired code
// - RespondNewPassword returns *domain.ChallengeError when the provider rejects the credential
// - Refresh returns *domain.AuthError when the refresh token is rejected
// - Every method returns *domain.ConnectivityError when the provider is unreachable
// - Other failures wrap ErrProviderUnavailable
type IdentityProvider interface {
	// InitiateAuth submits a username and password. The response carries
	// either tokens or a challenge with its handle.
	InitiateAuth(ctx context.Context, username, password string) (AuthResponse, error)

	// RespondMFA submits a one-time code against the attempt's open challenge.
	RespondMFA(ctx context.Context, attempt domain.Attempt, code string) (AuthResponse, error)

	// RespondNewPassword submits a new permanent credential against the
	// attempt's open reset challenge.
	RespondNewPassword(ctx context.Context, attempt domain.Attempt, newPassword string) (AuthResponse, error)

	// Refresh exchanges a refresh token for a new token set. The returned set
	// keeps the old refresh token when the provider does not rotate it.
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)

	// Revoke invalidates a refresh token.
	Revoke(ctx context.Context, refreshToken string) error

	// IdentityFromTokens extracts the caller's identity from the token set.
	// No network call.
	IdentityFromTokens(tokens Tokens) (*domain.UserIdentity, error)
}

// TokenStore is the durable client-side token store. Only the session
// manager writes it.
//
// Error Contract:
// - Load returns ErrTokensNotFound when nothing is stored
// - Load returns ErrTokenStoreCorrupt when the stored data cannot be decoded
// - Clear is idempotent
type TokenStore interface {
	Load(ctx context.Context) (StoredSession, error)
	Save(ctx context.Context, s StoredSession) error
	Clear(ctx context.Context) error
}

// GroupLookup resolves the caller's groups when the identity claims carry none.
//
// Error Contract:
// - Returns *domain.AuthError when the token is rejected
// - Returns *domain.ConnectivityError when the directory is unreachable
type GroupLookup interface {
	Groups(ctx context.Context, accessToken string) ([]string, error)
}

// DeviceAPI is the device management boundary.
//
// Error Contract:
// - Submit and Get return an error only when no response arrived
// - That error is *domain.ConnectivityError with Outcome set to whether the
//   request may have reached the backend
// - Non-2xx replies are returned as a DeviceResponse with a nil error
type DeviceAPI interface {
	// Submit sends one transition request. It never retries.
	Submit(ctx context.Context, accessToken string, req WireRequest) (DeviceResponse, error)

	// Get fetches the current record for one device.
	Get(ctx context.Context, accessToken string, id domain.DeviceID) (DeviceResponse, error)
}

// AuditSink receives security-relevant decisions. Record must not block.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent)
}
