package sampler

import (
	"sync"
	"sync/atomic"
)

// Flag is the cancellation flag shared between the lifecycle manager (the
// only writer) and the sampling worker (the only reader).
//
// Cancelled uses sync/atomic, which is sequentially consistent in Go and
// therefore gives the required acquire/release visibility: a worker that
// polls after Cancel returned observes true. Done additionally exposes the
// request as a channel so blocking waits can be interrupted.
type Flag struct {
	cancelled atomic.Bool

	mu   sync.Mutex
	done chan struct{}
}

// NewFlag returns a flag in the not-cancelled state.
func NewFlag() *Flag {
	return &Flag{done: make(chan struct{})}
}

// Cancel requests the worker to stop. Calling it more than once is a no-op.
func (f *Flag) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cancelled.Swap(true) {
		return
	}
	close(f.done)
}

// Reset re-arms the flag for a new worker. Callers must make sure the
// previous worker has exited before resetting.
func (f *Flag) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.cancelled.Load() {
		return
	}
	f.done = make(chan struct{})
	f.cancelled.Store(false)
}

// Cancelled reports whether a stop was requested.
func (f *Flag) Cancelled() bool {
	return f.cancelled.Load()
}

// Done returns a channel closed by the next Cancel of the current arming.
func (f *Flag) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}
