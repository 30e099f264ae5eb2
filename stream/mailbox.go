package stream

import (
	"context"
	"sync"
)

// Mailbox is a single-slot conflated queue. A deposit overwrites any
// unconsumed item, so a consumer that is slow or not currently pulling
// observes only the most recent item, never a backlog. Deposits never
// block and never fail.
type Mailbox[T any] struct {
	mu    sync.Mutex
	item  T
	full  bool
	avail chan struct{}
}

// NewMailbox creates an empty Mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		avail: make(chan struct{}, 1),
	}
}

// TryPut deposits item, overwriting any pending one.
func (m *Mailbox[T]) TryPut(item T) {
	m.mu.Lock()
	m.item = item
	m.full = true
	m.mu.Unlock()

	select {
	case m.avail <- struct{}{}:
	default:
	}
}

// TryTake removes and returns the pending item, if any.
func (m *Mailbox[T]) TryTake() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.full {
		var zero T
		return zero, false
	}
	item := m.item
	var zero T
	m.item = zero
	m.full = false
	return item, true
}

// Take blocks until an item is available or ctx is done.
func (m *Mailbox[T]) Take(ctx context.Context) (T, error) {
	for {
		if item, ok := m.TryTake(); ok {
			return item, nil
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-m.avail:
		}
	}
}

// Watch returns a channel signalled on each deposit. The signal is
// best-effort (capacity one); consumers should pair it with TryTake in
// a loop.
func (m *Mailbox[T]) Watch() <-chan struct{} {
	return m.avail
}
