// Package domain contains the domain model for the device fleet console.
//
// This package is the CORE of the hexagonal architecture - it defines the
// session state machine values, the device lifecycle catalogue and the error
// taxonomy with ZERO dependencies on external frameworks, SDKs, or
// infrastructure.
//
// Hexagonal Architecture Boundaries:
//   - Domain NEVER imports from: internal/adapters, internal/ports, external SDKs
//   - Domain ONLY imports from: standard library, other domain types
//   - Domain exposes: value objects, the transition catalogue, domain errors
//   - Domain does NOT: perform I/O, call the identity provider or device API
//
// Files and types
// -----------------------
//   - session.go
//   - Session, ChallengeKind: the single authentication state of a process.
//
//   - identity.go
//   - UserIdentity, GroupSet, GroupSource: who the caller is, and where the
//     group memberships came from (claims or an explicit lookup).
//
//   - attempt.go, auth_result.go
//   - Attempt: the explicit in-flight sign-in attempt threaded between calls.
//   - AuthChallengeResult: outcome of each sign-in step.
//
//   - device.go
//   - DeviceID, DeviceStatus, Device: backend-owned device records.
//
//   - transition.go
//   - TransitionKind, TransitionSpec and the catalogue table, plus the single
//     generic ValidateTransition routine parameterized by that table.
//
//   - password.go
//   - PasswordPolicy: local complexity gate applied before a credential reset.
//
//   - errors.go
//   - CredentialError, ChallengeError, AuthorizationError, ValidationError,
//     TransitionConflictError, ConnectivityError, AuthError and their
//     sentinels for errors.Is matching.
package domain
