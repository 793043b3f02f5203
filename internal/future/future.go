// Package future provides a single-assignment asynchronous result used by
// batched step operations.
//
// A Future settles exactly once, either with a list of values aligned with
// the batch that produced it or with a batch-level error. Consumers may check
// Settled to take a synchronous path, or block in Await.
package future

import (
	"context"
	"fmt"
	"sync"
)

// Future is the eventual outcome of a batched operation.
type Future struct {
	done   chan struct{}
	once   sync.Once
	values []any
	err    error
}

// New returns an unsettled future and the function that settles it.
// Calls to settle after the first are ignored.
func New() (*Future, func(values []any, err error)) {
	f := &Future{done: make(chan struct{})}
	return f, f.settle
}

// Resolved returns a future already settled with values.
func Resolved(values []any) *Future {
	f := &Future{done: make(chan struct{})}
	f.settle(values, nil)
	return f
}

// Failed returns a future already settled with err.
func Failed(err error) *Future {
	f := &Future{done: make(chan struct{})}
	f.settle(nil, err)
	return f
}

// Go runs fn on its own goroutine and settles the future with its result.
// A panic inside fn settles the future with an error.
func Go(ctx context.Context, fn func(ctx context.Context) ([]any, error)) *Future {
	f, settle := New()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				settle(nil, fmt.Errorf("future: panic: %v", r))
			}
		}()
		settle(fn(ctx))
	}()
	return f
}

func (f *Future) settle(values []any, err error) {
	f.once.Do(func() {
		f.values = values
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future settles.
func (f *Future) Done() <-chan struct{} { return f.done }

// Settled reports whether the future has a result.
func (f *Future) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Await blocks until the future settles or ctx is done.
func (f *Future) Await(ctx context.Context) ([]any, error) {
	select {
	case <-f.done:
		return f.values, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the settled outcome. It panics on an unsettled future.
func (f *Future) Result() ([]any, error) {
	if !f.Settled() {
		panic("future: Result called before settle")
	}
	return f.values, f.err
}
