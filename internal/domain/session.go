package domain

import "fmt"

// ChallengeKind names the intermediate sign-in step that must be resolved
// before a session becomes authenticated.
type ChallengeKind int

const (
	// ChallengeNone means no challenge is pending.
	ChallengeNone ChallengeKind = iota
	// ChallengeMultiFactor means the identity provider demands a one-time code.
	ChallengeMultiFactor
	// ChallengeCredentialReset means the identity provider demands a new
	// permanent credential (first-login reset).
	ChallengeCredentialReset
)

// String returns the wire/display name of the challenge.
func (c ChallengeKind) String() string {
	switch c {
	case ChallengeNone:
		return "none"
	case ChallengeMultiFactor:
		return "multi_factor"
	case ChallengeCredentialReset:
		return "credential_reset"
	default:
		return fmt.Sprintf("challenge(%d)", int(c))
	}
}

// Session is the current authentication state of the process.
//
// Invariants:
//   - PendingChallenge != ChallengeNone implies !Authenticated
//   - Authenticated implies Subject != nil
//   - !Authenticated implies Subject == nil
//
// Exactly one Session exists per process. It is mutated only by the session
// manager; every other component receives value snapshots.
type Session struct {
	Authenticated    bool
	Subject          *UserIdentity
	PendingChallenge ChallengeKind
	Loading          bool
}

// Validate checks the session invariants.
func (s Session) Validate() error {
	if s.PendingChallenge != ChallengeNone && s.Authenticated {
		return fmt.Errorf("session invariant violated: challenge %s pending on an authenticated session", s.PendingChallenge)
	}
	if s.Authenticated && s.Subject == nil {
		return fmt.Errorf("session invariant violated: authenticated session without subject")
	}
	if !s.Authenticated && s.Subject != nil {
		return fmt.Errorf("session invariant violated: subject present on unauthenticated session")
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate the owner's subject.
func (s Session) Clone() Session {
	out := s
	if s.Subject != nil {
		out.Subject = s.Subject.Clone()
	}
	return out
}

// State returns the state-machine state name for logs and presentation.
func (s Session) State() string {
	switch {
	case s.Loading && !s.Authenticated:
		return "loading"
	case s.Authenticated:
		return "authenticated"
	case s.PendingChallenge == ChallengeMultiFactor:
		return "mfa_pending"
	case s.PendingChallenge == ChallengeCredentialReset:
		return "reset_pending"
	default:
		return "unauthenticated"
	}
}
