package transport

import (
	"context"
	"sync"
)

// workerPool bounds how many tasks of one kind run at once.
type workerPool struct {
	name    string
	slots   chan struct{}
	closing chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newWorkerPool(name string, size int) *workerPool {
	if size < 1 {
		size = 1
	}
	return &workerPool{
		name:    name,
		slots:   make(chan struct{}, size),
		closing: make(chan struct{}),
	}
}

// Submit runs task on its own goroutine once a slot is free. It blocks while
// the pool is saturated and fails with ErrShutdown after Close.
func (p *workerPool) Submit(ctx context.Context, task func()) error {
	select {
	case p.slots <- struct{}{}:
	case <-p.closing:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer func() {
			<-p.slots
			p.wg.Done()
		}()
		task()
	}()
	return nil
}

// Close rejects new tasks and waits for running ones.
func (p *workerPool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.closing)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
