// Package future provides a one-shot completion primitive: a value holder
// that transitions exactly once from pending to resolved, after which any
// number of waiters observe the same result. It replaces ad hoc
// promise/deferred emulation for every suspension point in the engine —
// spawn, exit, service readiness — so state
// machine transitions never hold a lock across an await.
package future

import "sync"

// Future[T] is resolved exactly once, by whichever goroutine calls Resolve
// first; later calls are no-ops. Wait blocks until resolution and returns
// the settled value.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	val  T
}

// New returns a pending Future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve settles the future with val. Only the first call has any effect;
// subsequent calls are silently ignored, matching the "transitions exactly
// once" contract.
func (f *Future[T]) Resolve(val T) {
	f.once.Do(func() {
		f.mu.Lock()
		f.val = val
		f.mu.Unlock()
		close(f.done)
	})
}

// Wait blocks until the future is resolved and returns its value.
func (f *Future[T]) Wait() T {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val
}

// Done returns a channel closed when the future resolves, for use in a
// select alongside other suspension points (abort signals, timers).
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Peek returns the resolved value and true if the future has already
// settled, without blocking.
func (f *Future[T]) Peek() (T, bool) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.val, true
	default:
		var zero T
		return zero, false
	}
}
