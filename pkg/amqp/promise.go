package amqp

import (
	"context"
	"sync"
)

// Promise is a single-resolution future. Any number of goroutines may poll
// or wait on it; only the paired Broadcaster can resolve it.
type Promise[T any] struct {
	mu       sync.Mutex
	done     chan struct{}
	value    T
	resolved bool
}

// Broadcaster is the resolving half of a Promise.
type Broadcaster[T any] struct {
	p *Promise[T]
}

// NewPromise returns an unresolved promise and its broadcaster.
func NewPromise[T any]() (*Promise[T], *Broadcaster[T]) {
	p := &Promise[T]{done: make(chan struct{})}
	return p, &Broadcaster[T]{p: p}
}

// TryPoll returns the resolved value without blocking. ok is false while the
// promise is unresolved.
func (p *Promise[T]) TryPoll() (v T, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.resolved
}

// Done is closed once the promise resolves.
func (p *Promise[T]) Done() <-chan struct{} { return p.done }

// Wait blocks until the promise resolves or ctx is done.
func (p *Promise[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		v, _ := p.TryPoll()
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Resolve fulfils the promise with v. Only the first call has an effect; it
// reports whether this call resolved the promise. Resolve never blocks.
func (b *Broadcaster[T]) Resolve(v T) bool {
	p := b.p
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return false
	}
	p.value = v
	p.resolved = true
	close(p.done)
	return true
}

// Resolved reports whether the promise has been resolved.
func (b *Broadcaster[T]) Resolved() bool {
	_, ok := b.p.TryPoll()
	return ok
}

// Promise returns the observing half.
func (b *Broadcaster[T]) Promise() *Promise[T] { return b.p }
