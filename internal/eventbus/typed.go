package eventbus

import (
	"sync"
	"sync/atomic"
)

const defaultBuffer = 16

// TypedBus is a type-safe publish/subscribe bus for events of type T.
// Subscribe gives lossy delivery: a subscriber whose buffer is full misses
// the event and the miss is counted. SubscribeReliable gives blocking
// delivery: Publish waits until the subscriber takes the event or
// unsubscribes.
type TypedBus[T any] struct {
	mu      sync.RWMutex
	subs    []*subscriber[T]
	buffer  int
	dropped atomic.Uint64
	closed  bool
}

type subscriber[T any] struct {
	ch       chan T
	done     chan struct{}
	reliable bool

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// deliver reports whether the event reached the subscriber.
func (s *subscriber[T]) deliver(e T) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	if s.reliable {
		select {
		case s.ch <- e:
			return true
		case <-s.done:
			return false
		}
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

// close wakes a blocked deliver before taking the lock, so it never waits on
// a publisher.
func (s *subscriber[T]) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// NewTyped creates a new TypedBus with the default subscriber buffer.
func NewTyped[T any]() *TypedBus[T] { return NewTypedWithBuffer[T](defaultBuffer) }

// NewTypedWithBuffer creates a TypedBus whose subscriber channels hold n events.
func NewTypedWithBuffer[T any](n int) *TypedBus[T] {
	if n <= 0 {
		n = defaultBuffer
	}
	return &TypedBus[T]{buffer: n}
}

// Publish sends the event to all subscribers.
func (b *TypedBus[T]) Publish(e T) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := append([]*subscriber[T](nil), b.subs...)
	b.mu.RUnlock()
	for _, s := range subs {
		if !s.deliver(e) && !s.reliable {
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *TypedBus[T]) Dropped() uint64 { return b.dropped.Load() }

// Subscribe registers a lossy subscriber and returns its channel.
func (b *TypedBus[T]) Subscribe() <-chan T { return b.subscribe(false) }

// SubscribeReliable registers a subscriber that never misses an event. The
// reader must keep draining the channel or unsubscribe, otherwise publishers
// block.
func (b *TypedBus[T]) SubscribeReliable() <-chan T { return b.subscribe(true) }

func (b *TypedBus[T]) subscribe(reliable bool) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &subscriber[T]{ch: make(chan T, b.buffer), done: make(chan struct{}), reliable: reliable}
	if b.closed {
		s.close()
		return s.ch
	}
	b.subs = append(b.subs, s)
	return s.ch
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *TypedBus[T]) Unsubscribe(sub <-chan T) {
	b.mu.Lock()
	var found *subscriber[T]
	for i, s := range b.subs {
		if (<-chan T)(s.ch) == sub {
			found = s
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	if found != nil {
		found.close()
	}
}

// Close closes the bus and all subscriber channels.
func (b *TypedBus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}
