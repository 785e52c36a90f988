// Package events provides lossy, non-blocking in-process publish/subscribe
// for status updates.
package events

import (
	"sync"
)

// Topic fans out values of type T to subscribers. Each subscriber holds at
// most one undelivered value: publishing replaces a value the subscriber has
// not read yet, so a slow reader always sees the latest value and Publish
// never blocks.
type Topic[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	last   *T
}

// NewTopic creates an empty topic.
func NewTopic[T any]() *Topic[T] {
	return &Topic[T]{subs: make(map[uint64]*Subscription[T])}
}

// Subscription is a handle returned by Subscribe.
type Subscription[T any] struct {
	topic *Topic[T]
	id    uint64
	ch    chan T
	once  sync.Once
}

// C returns the receive channel. It is closed when the subscription closes.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Close unsubscribes. Calling Close more than once is safe.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.topic.mu.Lock()
		delete(s.topic.subs, s.id)
		s.topic.mu.Unlock()
		close(s.ch)
	})
}

// Subscribe registers a new subscriber. When replay is true and a value was
// published before, the subscriber receives the latest value immediately.
func (t *Topic[T]) Subscribe(replay bool) *Subscription[T] {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	s := &Subscription[T]{topic: t, id: t.nextID, ch: make(chan T, 1)}
	t.subs[s.id] = s
	if replay && t.last != nil {
		s.ch <- *t.last
	}
	return s
}

// SubscribeFunc runs fn for each delivered value on its own goroutine until
// the returned subscription is closed.
func (t *Topic[T]) SubscribeFunc(fn func(T)) *Subscription[T] {
	s := t.Subscribe(false)
	go func() {
		for v := range s.ch {
			fn(v)
		}
	}()
	return s
}

// Publish delivers v to every subscriber without blocking.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.last = &v
	for _, s := range t.subs {
		select {
		case s.ch <- v:
		default:
			// Drop the stale value and keep the newest.
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- v:
			default:
			}
		}
	}
}

// Last returns the most recently published value.
func (t *Topic[T]) Last() (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		var zero T
		return zero, false
	}
	return *t.last, true
}

// Len returns the number of active subscribers.
func (t *Topic[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
