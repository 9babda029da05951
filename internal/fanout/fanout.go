// Package fanout copies each published value to every subscriber.
package fanout

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Hub is an in-process pub/sub. A slow subscriber loses values instead of
// stalling the publisher.
type Hub[T any] struct {
	buffer int

	mu          sync.RWMutex
	subscribers map[uint64]chan T
	nextID      uint64
	closed      bool

	dropped atomic.Uint64
}

// New returns a hub whose subscriber channels hold buffer values. A
// non-positive buffer uses DefaultBuffer.
func New[T any](buffer int) *Hub[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub[T]{
		buffer:      buffer,
		subscribers: make(map[uint64]chan T),
	}
}

// Subscribe returns a receive channel and a function that detaches it.
// Subscribing to a closed hub yields an already closed channel.
func (h *Hub[T]) Subscribe() (<-chan T, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan T, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subscribers[id] = ch

	unsub := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subscribers[id]; ok {
			delete(h.subscribers, id)
			close(ch)
		}
	}
	return ch, unsub
}

// Publish hands v to every subscriber without blocking.
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers {
		select {
		case ch <- v:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of attached subscribers.
func (h *Hub[T]) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Dropped counts deliveries skipped because a subscriber was full.
func (h *Hub[T]) Dropped() uint64 {
	return h.dropped.Load()
}

// Close detaches and closes every subscriber. Later calls do nothing.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subscribers {
		delete(h.subscribers, id)
		close(ch)
	}
}
