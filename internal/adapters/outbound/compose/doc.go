// Package compose wires the concrete outbound adapters into an app.Console
// from a loaded configuration file.
//
// The identity provider, directory and device API adapters share the HTTP
// client layer; only the device API may use SPIFFE mTLS. The token store is
// either the age-encrypted FileStore or, for ephemeral consoles, a
// MemoryStore.
package compose
