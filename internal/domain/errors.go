package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the console error taxonomy
// Use with errors.Is() for checking and fmt.Errorf("%w", ...) for wrapping with context

var (
	// ErrCredential indicates a bad username or password
	ErrCredential = errors.New("invalid credentials")

	// ErrChallenge indicates a bad one-time code or a rejected new credential
	ErrChallenge = errors.New("challenge response rejected")

	// ErrUnauthorized indicates an authenticated caller lacks a required group
	ErrUnauthorized = errors.New("caller is not authorized")

	// ErrValidation indicates a local precondition failure
	ErrValidation = errors.New("validation failed")

	// ErrConflict indicates the backend rejected a transition because the
	// device's actual status does not match the required prior status
	ErrConflict = errors.New("transition conflicts with device status")

	// ErrConnectivity indicates a network failure or timeout
	ErrConnectivity = errors.New("connectivity failure")

	// ErrNotAuthenticated indicates there is no session, or it expired
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrGroupsUnresolved indicates the caller's groups could not be determined
	ErrGroupsUnresolved = errors.New("caller groups could not be resolved")

	// ErrDeviceNotFound indicates the backend has no record of the device
	ErrDeviceNotFound = errors.New("device not found")
)

// CredentialError reports a rejected username/password pair.
// Recoverable by re-entry; never retried automatically.
type CredentialError struct {
	Username string
	Message  string
}

func (e *CredentialError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("invalid credentials: %s", e.Message)
	}
	return "invalid credentials"
}

func (e *CredentialError) Is(target error) bool { return target == ErrCredential }

// ChallengeError reports a bad one-time code or a new credential that fails
// policy. The in-flight attempt survives it.
type ChallengeError struct {
	Challenge ChallengeKind
	Message   string
	// Violations lists unmet password rules, if any.
	Violations []string
}

func (e *ChallengeError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "challenge response rejected"
	}
	if len(e.Violations) > 0 {
		return fmt.Sprintf("%s: %s", msg, strings.Join(e.Violations, "; "))
	}
	return msg
}

func (e *ChallengeError) Is(target error) bool { return target == ErrChallenge }

// AuthorizationError reports an authenticated caller lacking every required
// group. Required and Actual explain the denial to an audit surface.
type AuthorizationError struct {
	Capability string
	Required   []string
	Actual     []string
	Message    string
}

func (e *AuthorizationError) Error() string {
	var b strings.Builder
	b.WriteString("not authorized")
	if e.Capability != "" {
		fmt.Fprintf(&b, " for %s", e.Capability)
	}
	fmt.Fprintf(&b, ": requires one of [%s], caller has [%s]",
		strings.Join(e.Required, ", "), strings.Join(e.Actual, ", "))
	if e.Message != "" {
		fmt.Fprintf(&b, " (%s)", e.Message)
	}
	return b.String()
}

func (e *AuthorizationError) Is(target error) bool { return target == ErrUnauthorized }

// ValidationError reports a local precondition failure. It never reaches the network.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// TransitionConflictError carries the backend's rejection verbatim.
type TransitionConflictError struct {
	Kind       TransitionKind
	DeviceID   DeviceID
	Message    string
	StatusCode int
}

func (e *TransitionConflictError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "device status does not permit this transition"
	}
	return fmt.Sprintf("%s %s rejected: %s", e.Kind, e.DeviceID, msg)
}

func (e *TransitionConflictError) Is(target error) bool { return target == ErrConflict }

// DeliveryOutcome states what is known about a request that failed in transit.
type DeliveryOutcome int

const (
	// OutcomeNotSent means the request never left the process, so the
	// backend state is unchanged.
	OutcomeNotSent DeliveryOutcome = iota
	// OutcomeUnknown means the request may have reached the backend; its
	// effect on device state is unknown.
	OutcomeUnknown
)

func (o DeliveryOutcome) String() string {
	if o == OutcomeUnknown {
		return "unknown"
	}
	return "not sent"
}

// ConnectivityError reports a network failure or timeout.
type ConnectivityError struct {
	Op         string
	Outcome    DeliveryOutcome
	StatusCode int
	Err        error
}

func (e *ConnectivityError) Error() string {
	var b strings.Builder
	b.WriteString("connectivity failure")
	if e.Op != "" {
		fmt.Fprintf(&b, " during %s", e.Op)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Outcome == OutcomeUnknown {
		b.WriteString("; effect on backend state is unknown")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ConnectivityError) Is(target error) bool { return target == ErrConnectivity }

func (e *ConnectivityError) Unwrap() error { return e.Err }

// AuthError reports a missing or expired session.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "no active session"
	}
	if e.Err != nil {
		return fmt.Sprintf("not authenticated: %s: %v", reason, e.Err)
	}
	return "not authenticated: " + reason
}

func (e *AuthError) Is(target error) bool { return target == ErrNotAuthenticated }

func (e *AuthError) Unwrap() error { return e.Err }

// Retryable reports whether offering "retry" makes sense for err.
// Only connectivity failures qualify.
func Retryable(err error) bool {
	return errors.Is(err, ErrConnectivity)
}

// EffectUnknown reports whether err leaves the backend state undetermined.
func EffectUnknown(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce) && ce.Outcome == OutcomeUnknown
}
