package actor

import "sync"

// Future is a single-assignment result used with Control.Await. Completion is
// safe from any goroutine; continuations registered through Await run as jobs
// on the awaiting actor, so no thread ever blocks on a future inside the
// runtime.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	value     any
	err       error
	completed bool
	callbacks []func(value any, err error)
}

// NewFuture creates an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// CompletedFuture returns a future already resolved with value.
func CompletedFuture(value any) *Future {
	f := NewFuture()
	f.Complete(value)
	return f
}

// FailedFuture returns a future already failed with err.
func FailedFuture(err error) *Future {
	f := NewFuture()
	f.Fail(err)
	return f
}

// Complete resolves the future with a value. Resolving twice panics.
func (f *Future) Complete(value any) {
	f.resolve(value, nil)
}

// Fail resolves the future with an error. Resolving twice panics.
func (f *Future) Fail(err error) {
	f.resolve(nil, err)
}

func (f *Future) resolve(value any, err error) {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		panic("actor: future already completed")
	}
	f.completed = true
	f.value = value
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	close(f.done)
	for _, cb := range callbacks {
		cb(value, err)
	}
}

// Done returns a channel closed when the future resolves. Intended for code
// outside the actor runtime (tests, shutdown paths); actor jobs use Await.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Get returns the result, blocking until resolution. Must not be called from
// inside an actor job.
func (f *Future) Get() (any, error) {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// onComplete registers a callback, invoking it immediately if the future is
// already resolved.
func (f *Future) onComplete(cb func(value any, err error)) {
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	value, err := f.value, f.err
	f.mu.Unlock()
	cb(value, err)
}
