// Package stream provides the reactive primitives the companion engine
// is built on: current-value streams, single-slot mailboxes, and
// reference-counted activation of shared upstream computations.
package stream

import (
	"context"
	"sync"
)

// Value is a current-value stream. It always holds a latest value,
// immediately available to new subscribers, and publishes with
// latest-wins semantics: a slow subscriber observes values in publish
// order but may skip intermediates. Publishing never blocks.
type Value[T any] struct {
	mu     sync.Mutex
	cur    T
	subs   map[int]chan T
	nextID int

	onFirst func()
	onLast  func()
}

// ValueOption configures a Value.
type ValueOption[T any] func(*Value[T])

// WithActivation registers hooks invoked when the subscriber count
// transitions 0->1 (acquire) and 1->0 (release). Several values may
// share one underlying computation by pointing their hooks at the same
// RefCount.
func WithActivation[T any](acquire, release func()) ValueOption[T] {
	return func(v *Value[T]) {
		v.onFirst = acquire
		v.onLast = release
	}
}

// NewValue creates a Value holding def until the first Set.
func NewValue[T any](def T, opts ...ValueOption[T]) *Value[T] {
	v := &Value[T]{
		cur:  def,
		subs: make(map[int]chan T),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur
}

// Set publishes a new value to all subscribers.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cur = val
	for _, ch := range v.subs {
		select {
		case ch <- val:
		default:
			// Subscriber has an undelivered value pending; replace it.
			// Only Set sends on subscriber channels and Sets are
			// serialized by v.mu, so after the drain the send cannot
			// block.
			select {
			case <-ch:
			default:
			}
			ch <- val
		}
	}
}

// Subscribe registers a subscriber and returns its delivery channel.
// The channel immediately yields the current value, then every
// subsequent publish (conflated). The subscription ends when ctx is
// cancelled, at which point the channel is closed.
func (v *Value[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 1)

	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.subs[id] = ch
	ch <- v.cur
	first := len(v.subs) == 1
	v.mu.Unlock()

	if first && v.onFirst != nil {
		v.onFirst()
	}

	go func() {
		<-ctx.Done()
		v.unsubscribe(id)
	}()

	return ch
}

func (v *Value[T]) unsubscribe(id int) {
	v.mu.Lock()
	ch, ok := v.subs[id]
	if ok {
		delete(v.subs, id)
		close(ch)
	}
	last := ok && len(v.subs) == 0
	v.mu.Unlock()

	if last && v.onLast != nil {
		v.onLast()
	}
}

// Subscribers returns the number of active subscribers.
func (v *Value[T]) Subscribers() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.subs)
}
