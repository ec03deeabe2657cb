package domain

import "time"

// Attempt is an in-flight authentication attempt.
//
// It is created when the identity provider answers a sign-in with a challenge
// and is threaded into the follow-up call (one-time code or new credential).
// The follow-up is always submitted against this attempt's provider handle;
// it is never re-derived from the username and password.
type Attempt struct {
	// ID uniquely identifies the attempt across concurrent sign-ins.
	ID string
	// Username is the principal the attempt was started for.
	Username string
	// Challenge is the step the provider currently demands.
	Challenge ChallengeKind
	// MFAMedium is the provider's second-factor kind (e.g. "SMS_MFA",
	// "SOFTWARE_TOKEN_MFA"). Empty unless Challenge is ChallengeMultiFactor.
	MFAMedium string
	// Handle is the provider's opaque session handle for the challenge.
	Handle string
	// StartedAt is when the first step of the attempt was answered.
	StartedAt time.Time
}

// Matches reports whether other refers to the same attempt.
func (a *Attempt) Matches(other *Attempt) bool {
	return a != nil && other != nil && a.ID == other.ID
}
