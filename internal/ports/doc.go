// Package ports defines the inbound and outbound ports (interfaces and types)
// used to decouple the core domain and application logic from adapters.
//
// Purpose
// -------
// Ports are the boundary between the domain/application and the
// infrastructure (adapters). Interfaces represent the contracts that
// adapters must satisfy. Keep these interfaces stable and focused; adapters
// implement concrete behavior using HTTP, go-jose, age and go-spiffe.
//
// Files and responsibilities
// --------------------------
//   - inbound.go
//   - Defines the Console port the presentation adapters drive (CLI and the
//     local HTTP API), and SignInInput.
//   - outbound.go
//   - Defines outbound ports used by the application to talk to
//     infrastructure: IdentityProvider, TokenStore, GroupLookup, DeviceAPI
//     and AuditSink.
//   - Each interface includes an "Error Contract" in comments describing
//     the errors returned by implementations.
//   - types.go
//   - Shared data types used across ports and adapters: Tokens,
//     StoredSession, AuthResponse, WireRequest, DeviceResponse, AuditEvent.
//
// notes
// ------------
//   - The project uses composition root patterns (see internal/adapters/outbound/compose)
//     to construct and wire up the HTTP-backed adapters for production use.
//   - Keep domain and application logic free of adapter concerns. Use the ports
//     to pass pure domain types (defined under `internal/domain`) and plain data
//     structures where appropriate.
package ports
