package loop

import (
	"context"
	"sync"
)

// Future is a result that becomes available later. It is resolved exactly
// once, normally from the loop; waiting is safe from any goroutine.
type Future[T any] struct {
	mu    sync.Mutex
	done  chan struct{}
	val   T
	err   error
	thens []func(T, error)
}

// NewFuture returns an unresolved future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future that already holds v and err.
func Resolved[T any](v T, err error) *Future[T] {
	f := NewFuture[T]()
	f.Resolve(v, err)
	return f
}

// Resolve stores the result and runs the Then callbacks on the calling
// goroutine. Only the first call has any effect; it reports whether this call
// resolved the future.
func (f *Future[T]) Resolve(v T, err error) bool {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		return false
	default:
	}
	f.val, f.err = v, err
	thens := f.thens
	f.thens = nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range thens {
		fn(v, err)
	}
	return true
}

// Then registers fn to run with the result. If the future is already resolved
// fn runs immediately.
func (f *Future[T]) Then(fn func(T, error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		fn(f.val, f.err)
		return
	default:
	}
	f.thens = append(f.thens, fn)
	f.mu.Unlock()
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Ready reports whether the future has been resolved.
func (f *Future[T]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the stored result, or the zero value while unresolved.
func (f *Future[T]) Result() (T, error) {
	if !f.Ready() {
		var zero T
		return zero, nil
	}
	return f.val, f.err
}

// Wait blocks until the future resolves or ctx ends. It must not be called
// from the loop goroutine for a future the loop itself has yet to resolve.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
