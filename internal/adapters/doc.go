// Package adapters contains infrastructure implementations of port interfaces.
//
// This package is the ADAPTER LAYER in hexagonal architecture - it implements
// the port interfaces defined in internal/ports using concrete technologies
// (HTTP clients, JOSE token parsing, age-encrypted files). Adapters translate
// between the application services and the identity provider, the directory
// and the device management backend.
//
// Hexagonal Architecture Boundaries:
//   - Adapters implement: internal/ports interfaces
//   - Adapters import from: internal/domain, internal/ports, external SDKs, standard library
//   - Adapters are instantiated: by outbound/compose (composition root)
//   - Domain/App layers: NEVER import concrete adapters directly
//
// Adapter Organization
//
//   - inbound/httpapi    - JSON HTTP surface over ports.Console, plus /metrics
//   - outbound/idp       - ports.IdentityProvider over the provider's auth endpoints
//   - outbound/directory - ports.GroupLookup for callers whose token has no group claim
//   - outbound/deviceapi - ports.DeviceAPI, one request per call, never retried
//   - outbound/httpclient - shared JSON transport with optional SPIFFE mTLS
//   - outbound/tokenstore - ports.TokenStore as an age-encrypted file or in memory
//   - outbound/compose   - builds a Console from config
//
// Connectivity failures from every outbound adapter surface as
// *domain.ConnectivityError, tagged with whether the request was sent.
package adapters
