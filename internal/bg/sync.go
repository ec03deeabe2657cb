package bg

// Sync is a Runner that executes functions in the calling goroutine.
//
// Tests use it so that session restore has finished by the time
// Console.Start returns.
type Sync struct{}

// Do executes the function immediately in the current goroutine.
func (Sync) Do(fn func()) {
	fn()
}
