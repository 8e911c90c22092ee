package engine

import (
	"context"
	"sync"
)

// Barrier is a one-shot gate. Callers that arrive before Open queue up and
// are released in arrival order; once open it stays open.
type Barrier struct {
	mu    sync.Mutex
	open  bool
	queue []*waiter
}

type waiter struct {
	release chan struct{}
	resumed chan struct{}
}

// NewBarrier returns a closed barrier.
func NewBarrier() *Barrier {
	return &Barrier{}
}

// IsOpen reports whether the barrier has been opened.
func (b *Barrier) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Pending returns the number of queued callers.
func (b *Barrier) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Wait returns once the barrier is open or ctx is done. A caller whose
// context ends while queued is removed from the queue.
func (b *Barrier) Wait(ctx context.Context) error {
	return b.wait(ctx, nil)
}

// wait runs onResume, if set, before the next queued caller is released.
func (b *Barrier) wait(ctx context.Context, onResume func()) error {
	b.mu.Lock()
	if b.open {
		b.mu.Unlock()
		return nil
	}
	w := &waiter{release: make(chan struct{}), resumed: make(chan struct{})}
	b.queue = append(b.queue, w)
	b.mu.Unlock()

	select {
	case <-w.release:
		if onResume != nil {
			onResume()
		}
		close(w.resumed)
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		removed := b.remove(w)
		b.mu.Unlock()
		if !removed {
			// Open already took the queue and is waiting on us.
			<-w.release
			close(w.resumed)
		}
		return ctx.Err()
	}
}

// Open opens the barrier and releases queued callers one at a time in FIFO
// order: each caller has resumed before the next is released. It returns
// false if the barrier was already open.
func (b *Barrier) Open() bool {
	b.mu.Lock()
	if b.open {
		b.mu.Unlock()
		return false
	}
	b.open = true
	queue := b.queue
	b.queue = nil
	b.mu.Unlock()

	for _, w := range queue {
		close(w.release)
		<-w.resumed
	}
	return true
}

func (b *Barrier) remove(w *waiter) bool {
	for i, q := range b.queue {
		if q == w {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return true
		}
	}
	return false
}
