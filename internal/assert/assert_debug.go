//go:build debug

// Package assert holds invariant checks that panic in debug builds and
// compile to nothing otherwise. Use it for internal state, never for input.
package assert

import "fmt"

// Invariant panics with msg when ok is false.
//
//	assert.Invariant(s.Validate() == nil, "session snapshot is consistent")
func Invariant(ok bool, msg string) {
	if !ok {
		panic(fmt.Sprintf("INVARIANT VIOLATION: %s", msg))
	}
}
