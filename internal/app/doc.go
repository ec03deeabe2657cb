// Package app contains the console's application layer.
//
// Responsibilities
//   - SessionManager (session.go): single owner of the authentication state.
//     Runs the sign-in challenge sequence with an explicit Attempt, persists
//     tokens to the durable store, restores them at start, and hands out
//     access tokens through Token, sharing one refresh among concurrent
//     callers.
//   - Authorizer (authorizer.go): at-least-one-of group gating. Claim groups
//     are authoritative; otherwise a GroupLookup result is cached per
//     session generation.
//   - LifecycleEngine (engine.go): local validation, one submission, and
//     translation of the backend reply into the domain error taxonomy.
//   - BuildTransitionRequest (request.go): pure request shaping.
//   - Console (console.go) and NewConsole (application.go): the facade the
//     presentation adapters drive, and its wiring.
//
// Architectural notes
//   - Keep adapter-specific I/O out of this package; adapters implement the
//     interfaces in internal/ports and are injected through Dependencies.
//   - Nothing here retries a transition. Retry is a caller decision, offered
//     only for connectivity failures.
package app
