package utils

import (
	"context"
	"sync"
)

// Future is a value computed concurrently that can be awaited many times.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

// NewPromise returns an unresolved future and the function resolving it.
// Only the first resolution is retained.
func NewPromise[T any]() (*Future[T], func(T, error)) {
	f := &Future[T]{done: make(chan struct{})}
	return f, f.resolve
}

// Go starts fn in a goroutine and returns a future of its result.
func Go[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *Future[T] {
	f, resolve := NewPromise[T]()
	go func() {
		resolve(fn(ctx))
	}()
	return f
}

func Resolved[T any](value T) *Future[T] {
	f, resolve := NewPromise[T]()
	resolve(value, nil)
	return f
}

func Rejected[T any](err error) *Future[T] {
	f, resolve := NewPromise[T]()
	var zero T
	resolve(zero, err)
	return f
}

func (f *Future[T]) resolve(value T, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Get blocks until the future is resolved or ctx is done.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// IsResolved reports whether the future already holds a result.
func (f *Future[T]) IsResolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
