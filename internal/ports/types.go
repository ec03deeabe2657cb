package ports

import (
	"time"

	"github.com/sufield/devicefleet/internal/domain"
)

// Tokens is the token set issued by the identity provider.
type Tokens struct {
	AccessToken  string    `json:"accessToken"`
	IDToken      string    `json:"idToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// AccessValid reports whether the access token is still usable at now,
// treating anything within skew of expiry as already expired.
func (t Tokens) AccessValid(now time.Time, skew time.Duration) bool {
	return t.AccessToken != "" && now.Add(skew).Before(t.ExpiresAt)
}

// Refreshable reports whether a refresh can be attempted.
func (t Tokens) Refreshable() bool { return t.RefreshToken != "" }

// Token is the access token handed to outbound authenticated calls.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// StoredSession is what the durable token store persists between runs.
type StoredSession struct {
	Username string    `json:"username"`
	Tokens   Tokens    `json:"tokens"`
	SavedAt  time.Time `json:"savedAt"`
}

// AuthResponse is the identity provider's answer to one sign-in step.
// Exactly one of Tokens or Challenge is set.
type AuthResponse struct {
	Tokens    *Tokens
	Challenge domain.ChallengeKind
	// MFAMedium is the provider's name for the second factor.
	MFAMedium string
	// Handle is the provider's opaque challenge session.
	Handle string
}

// WireRequest is the outbound shape of one transition, independent of transport.
type WireRequest struct {
	Operation  string
	Method     string
	Path       string
	StepMarker string
	RequestID  string
	Body       map[string]string
	Headers    map[string]string
}

// DeviceReport is a device status as reported by the backend.
type DeviceReport struct {
	DeviceID   string `json:"deviceId"`
	Status     string `json:"status"`
	SiteID     string `json:"siteId,omitempty"`
	WorkCellID string `json:"workCellId,omitempty"`
}

// DeviceResponse is a backend reply that arrived. Non-2xx replies are
// responses, not errors; interpreting them is the engine's job.
type DeviceResponse struct {
	StatusCode int
	Message    string
	Status     string
	Devices    []DeviceReport
}

// AuditEvent records a security-relevant decision.
type AuditEvent struct {
	Time       time.Time
	Action     string
	Subject    string
	Capability string
	Required   []string
	Actual     []string
	Kind       string
	DeviceID   string
	RequestID  string
	Outcome    string
	Detail     string
}

// Audit actions.
const (
	AuditAuthorizationDenied = "authorization.denied"
	AuditTransitionSubmitted = "transition.submitted"
	AuditTransitionResult    = "transition.result"
	AuditSignIn              = "session.sign_in"
	AuditSignOut             = "session.sign_out"
)
