package domain

// AuthOutcome is the kind of result a sign-in step produced.
type AuthOutcome int

const (
	OutcomeSuccess AuthOutcome = iota
	OutcomeMultiFactorRequired
	OutcomeCredentialResetRequired
	OutcomeFailed
)

func (o AuthOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeMultiFactorRequired:
		return "multi_factor_required"
	case OutcomeCredentialResetRequired:
		return "credential_reset_required"
	default:
		return "failed"
	}
}

// Failure reasons surfaced to the caller. Connectivity is kept distinct from
// invalid credentials because the remediation differs (retry vs re-enter).
const (
	ReasonInvalidCredentials       = "invalid credentials"
	ReasonConnectivity             = "connectivity"
	ReasonInvalidChallengeResponse = "invalid challenge response"
	ReasonPasswordPolicy           = "password does not meet policy"
	ReasonInvalidRequest           = "invalid request"
	ReasonUnexpected               = "unexpected identity provider response"
)

// AuthChallengeResult is returned by every sign-in step. It is transient and
// never persisted.
type AuthChallengeResult struct {
	Outcome AuthOutcome
	// Session is the session snapshot after the step.
	Session Session
	// Attempt is set when Outcome is a challenge; pass it back on the
	// follow-up call.
	Attempt *Attempt
	// Reason and Err are set when Outcome is OutcomeFailed.
	Reason string
	Err    error
}

// Succeeded reports whether the step produced an authenticated session.
func (r AuthChallengeResult) Succeeded() bool { return r.Outcome == OutcomeSuccess }

// NewSuccessResult builds a success result.
func NewSuccessResult(s Session) AuthChallengeResult {
	return AuthChallengeResult{Outcome: OutcomeSuccess, Session: s}
}

// NewChallengeResult builds a challenge result for the attempt's pending challenge.
func NewChallengeResult(s Session, a *Attempt) AuthChallengeResult {
	outcome := OutcomeMultiFactorRequired
	if a != nil && a.Challenge == ChallengeCredentialReset {
		outcome = OutcomeCredentialResetRequired
	}
	return AuthChallengeResult{Outcome: outcome, Session: s, Attempt: a}
}

// NewFailedResult builds a failure result.
func NewFailedResult(s Session, reason string, err error) AuthChallengeResult {
	return AuthChallengeResult{Outcome: OutcomeFailed, Session: s, Reason: reason, Err: err}
}
