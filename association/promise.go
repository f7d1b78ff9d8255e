package association

import (
	"context"
	"errors"
	"sync"
)

// ErrPromisePending is returned by Result while a promise is not yet completed.
var ErrPromisePending = errors.New("promise not completed")

// Promise is a one-shot completion variable. At most one writer ever completes
// it; any number of readers may attach continuations or wait on it.
//
// Continuations run synchronously on the goroutine that completes the promise,
// in registration order. A continuation attached after completion runs
// immediately on the attaching goroutine.
type Promise[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	value     T
	err       error
	callbacks []func(T, error)
}

// NewPromise creates an empty promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// TrySuccess completes the promise with v. It returns false if the promise was
// already completed.
func (p *Promise[T]) TrySuccess(v T) bool {
	return p.complete(v, nil)
}

// TryFailure completes the promise with err. It returns false if the promise
// was already completed.
func (p *Promise[T]) TryFailure(err error) bool {
	var zero T
	return p.complete(zero, err)
}

func (p *Promise[T]) complete(v T, err error) bool {
	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		return false
	}
	p.completed = true
	p.value = v
	p.err = err
	callbacks := p.callbacks
	p.callbacks = nil
	close(p.done)
	p.mu.Unlock()

	for _, cb := range callbacks {
		cb(v, err)
	}
	return true
}

// OnComplete attaches a continuation.
func (p *Promise[T]) OnComplete(fn func(T, error)) {
	p.mu.Lock()
	if !p.completed {
		p.callbacks = append(p.callbacks, fn)
		p.mu.Unlock()
		return
	}
	v, err := p.value, p.err
	p.mu.Unlock()

	fn(v, err)
}

// OnSuccess attaches a continuation that only runs on successful completion.
func (p *Promise[T]) OnSuccess(fn func(T)) {
	p.OnComplete(func(v T, err error) {
		if err == nil {
			fn(v)
		}
	})
}

// Done returns a channel closed on completion.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// IsCompleted reports whether the promise has been completed.
func (p *Promise[T]) IsCompleted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

// Result returns the completed value without blocking.
// It returns ErrPromisePending while the promise is pending.
func (p *Promise[T]) Result() (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.completed {
		var zero T
		return zero, ErrPromisePending
	}
	return p.value, p.err
}

// Await blocks until the promise completes or ctx is done.
func (p *Promise[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
