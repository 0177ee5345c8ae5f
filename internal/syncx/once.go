// Package syncx holds small concurrency primitives shared across
// providers that don't belong to any one of them.
package syncx

import "sync"

// ErrOnce runs fn exactly once across however many goroutines call Do
// concurrently, and hands every caller (including concurrent ones that
// arrived before fn returned) the same error. It is the error-returning
// counterpart to sync.Once, used in place of the original's GCond/mutex
// pair for lazily creating a provider's receive-side resources: the first
// Subscribe or GetFileno call to reach it does the work, and every other
// caller — whenever it arrives — blocks until that work finishes and then
// observes its result.
type ErrOnce struct {
	mu   sync.Mutex
	done bool
	err  error
	ch   chan struct{}
}

// Do runs fn if it has not already run (successfully or not), and returns
// the result of that single run to every caller.
func (o *ErrOnce) Do(fn func() error) error {
	o.mu.Lock()
	if o.done {
		err := o.err
		o.mu.Unlock()
		return err
	}
	if o.ch != nil {
		// Another goroutine is already running fn; wait for it.
		ch := o.ch
		o.mu.Unlock()
		<-ch
		o.mu.Lock()
		err := o.err
		o.mu.Unlock()
		return err
	}
	o.ch = make(chan struct{})
	o.mu.Unlock()

	err := fn()

	o.mu.Lock()
	o.done = true
	o.err = err
	close(o.ch)
	o.mu.Unlock()
	return err
}
