// Package guard provides scoped, mutually-exclusive access to a single
// physical resource (an ADC handle, one end of a channel).
//
// Holders must not acquire a second guard while holding one, and must
// release before handing the resource to another role. Nothing here
// detects violations of that discipline; it is a precondition.
package guard

import (
	"sync"
	"sync/atomic"
)

// Guard wraps a value so that only one goroutine can touch it at a time.
type Guard[T any] struct {
	mu    sync.Mutex
	value T
	owner atomic.Value // string, advisory
}

// New wraps v in a Guard.
func New[T any](v T) *Guard[T] {
	g := &Guard[T]{value: v}
	g.owner.Store("")
	return g
}

// Lock blocks until the guard is free and returns the guarded value together
// with the release function. The pointer must not be used after release.
// Calling release more than once is a no-op.
func (g *Guard[T]) Lock(owner string) (*T, func()) {
	g.mu.Lock()
	return g.acquired(owner)
}

// TryLock is the non-blocking variant of Lock. ok is false when another
// holder currently owns the guard.
func (g *Guard[T]) TryLock(owner string) (v *T, release func(), ok bool) {
	if !g.mu.TryLock() {
		return nil, nil, false
	}
	v, release = g.acquired(owner)
	return v, release, true
}

func (g *Guard[T]) acquired(owner string) (*T, func()) {
	g.owner.Store(owner)

	var once sync.Once
	return &g.value, func() {
		once.Do(func() {
			g.owner.Store("")
			g.mu.Unlock()
		})
	}
}

// With runs fn while holding the guard and releases it afterwards, even if fn panics.
func (g *Guard[T]) With(owner string, fn func(v *T) error) error {
	v, release := g.Lock(owner)
	defer release()
	return fn(v)
}

// Owner reports the name passed by the current holder, or "" if the guard is free.
// Only meant for logging.
func (g *Guard[T]) Owner() string {
	return g.owner.Load().(string)
}
