package fieldscript

import (
	"context"
	"sync"
)

// Observable holds the latest value of a piece of state and fans it out to
// subscribers. A new subscriber receives the current value first, and
// setting a value equal to the current one emits nothing.
//
// Delivery is conflated: a slow subscriber may skip intermediate values but
// always ends on the latest one, and never sees the same value twice in a
// row.
type Observable[T comparable] struct {
	mu     sync.Mutex
	value  T
	subs   map[uint64]*subscriber[T]
	nextID uint64
	closed bool
}

type subscriber[T comparable] struct {
	ch      chan T
	sent    T
	seen    T
	hasSeen bool
}

// NewObservable returns an observable holding initial.
func NewObservable[T comparable](initial T) *Observable[T] {
	return &Observable[T]{
		value: initial,
		subs:  make(map[uint64]*subscriber[T]),
	}
}

// Value returns the current value.
func (o *Observable[T]) Value() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.value
}

// Set publishes v. It reports whether the value changed.
func (o *Observable[T]) Set(v T) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || v == o.value {
		return false
	}
	o.value = v
	for _, s := range o.subs {
		s.deliver(v)
	}
	return true
}

// Subscribe returns a channel that receives the current value immediately
// and every subsequent change. The channel is closed when ctx is done or
// the observable is closed.
func (o *Observable[T]) Subscribe(ctx context.Context) <-chan T {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := &subscriber[T]{ch: make(chan T, 1)}
	if o.closed {
		close(s.ch)
		return s.ch
	}

	s.ch <- o.value
	s.sent = o.value

	id := o.nextID
	o.nextID++
	o.subs[id] = s

	go func() {
		<-ctx.Done()
		o.unsubscribe(id)
	}()

	return s.ch
}

// Subscribers returns the number of live subscriptions.
func (o *Observable[T]) Subscribers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs)
}

// Close closes every subscription. Later calls to Set are ignored.
func (o *Observable[T]) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.closed = true
	for id, s := range o.subs {
		close(s.ch)
		delete(o.subs, id)
	}
}

func (o *Observable[T]) unsubscribe(id uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if s, ok := o.subs[id]; ok {
		close(s.ch)
		delete(o.subs, id)
	}
}

// deliver must be called with the observable's lock held.
func (s *subscriber[T]) deliver(v T) {
	select {
	case s.ch <- v:
		s.seen, s.hasSeen = s.sent, true
		s.sent = v
		return
	default:
	}

	select {
	case <-s.ch:
		// The buffered value was never read; the reader last saw s.seen.
		if s.hasSeen && v == s.seen {
			s.sent = s.seen
			return
		}
	default:
		s.seen, s.hasSeen = s.sent, true
	}
	s.ch <- v
	s.sent = v
}
