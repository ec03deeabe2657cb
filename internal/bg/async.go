package bg

// Async is a Runner that executes functions in a new goroutine.
// Production mode.
type Async struct{}

// Do executes the function in a new goroutine.
func (Async) Do(fn func()) {
	go fn()
}
