// Package bg provides an abstraction for running functions in the background.
//
// The console starts silent session restore and similar work through a
// Runner, so tests and debug builds can switch to synchronous execution
// without changing application code.
package bg

import "sync"

// Runner is an interface for executing functions, either synchronously or asynchronously.
type Runner interface {
	// Do executes the given function.
	// The implementation determines whether this happens synchronously or asynchronously.
	Do(fn func())
}

// Tracked wraps a Runner and records outstanding work so shutdown can wait
// for it.
type Tracked struct {
	Runner Runner
	wg     sync.WaitGroup
}

// NewTracked returns a Tracked over r. A nil r means Async.
func NewTracked(r Runner) *Tracked {
	if r == nil {
		r = Async{}
	}
	return &Tracked{Runner: r}
}

// Do runs fn on the underlying runner and counts it until it returns.
func (t *Tracked) Do(fn func()) {
	t.wg.Add(1)
	t.Runner.Do(func() {
		defer t.wg.Done()
		fn()
	})
}

// Wait blocks until every function passed to Do has returned.
func (t *Tracked) Wait() {
	t.wg.Wait()
}
