//go:build !debug

// Package assert holds invariant checks that panic in debug builds and
// compile to nothing otherwise. Use it for internal state, never for input.
package assert

// Invariant is a no-op outside debug builds.
func Invariant(bool, string) {}
