package assetcache

import (
	"context"
	"sync"
)

// Barrier counts outstanding asset resolutions of one render. Each
// resolution (hit, fetched, failed) calls Resolve once; Done is closed when
// the count reaches zero, whatever the completion order.
type Barrier struct {
	mu      sync.Mutex
	pending int
	done    chan struct{}
}

// NewBarrier creates a barrier with n pending slots. n <= 0 is already done.
func NewBarrier(n int) *Barrier {
	b := &Barrier{pending: n, done: make(chan struct{})}
	if n <= 0 {
		b.pending = 0
		close(b.done)
	}
	return b
}

// Resolve releases one slot. Extra calls after completion are ignored.
func (b *Barrier) Resolve() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == 0 {
		return
	}
	b.pending--
	if b.pending == 0 {
		close(b.done)
	}
}

// Pending returns the number of unresolved slots.
func (b *Barrier) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Done is closed once every slot was resolved.
func (b *Barrier) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until the barrier completes or ctx ends.
func (b *Barrier) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
