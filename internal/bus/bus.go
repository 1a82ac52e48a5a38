// Package bus is a small synchronous publish/subscribe hub.
package bus

import (
	"io"
	"log/slog"
	"sync"
)

// Handler receives a published value.
type Handler[V any] func(V)

type subscription[K comparable, V any] struct {
	id    uint64
	topic K
	all   bool
	h     Handler[V]
}

// Bus delivers values to the handlers subscribed to a topic. Delivery is
// synchronous and follows subscription order.
type Bus[K comparable, V any] struct {
	mu     sync.RWMutex
	subs   []subscription[K, V]
	nextID uint64
	closed bool
	logger *slog.Logger
}

// New creates an empty bus. A nil logger discards panic reports.
func New[K comparable, V any](logger *slog.Logger) *Bus[K, V] {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus[K, V]{logger: logger}
}

// Subscribe registers h for topic. The returned func removes it.
func (b *Bus[K, V]) Subscribe(topic K, h Handler[V]) func() {
	return b.add(subscription[K, V]{topic: topic, h: h})
}

// SubscribeAll registers h for every topic.
func (b *Bus[K, V]) SubscribeAll(h Handler[V]) func() {
	return b.add(subscription[K, V]{all: true, h: h})
}

func (b *Bus[K, V]) add(s subscription[K, V]) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	s.id = b.nextID
	b.nextID++
	b.subs = append(b.subs, s)
	id := s.id
	return func() { b.remove(id) }
}

func (b *Bus[K, V]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish calls every matching handler before returning. A panicking
// handler is recovered and logged; later handlers still run.
func (b *Bus[K, V]) Publish(topic K, v V) {
	b.mu.RLock()
	handlers := make([]Handler[V], 0, len(b.subs))
	for _, s := range b.subs {
		if s.all || s.topic == topic {
			handlers = append(handlers, s.h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("bus handler panic", "topic", topic, "panic", r)
				}
			}()
			h(v)
		}()
	}
}

// Len returns the number of live subscriptions.
func (b *Bus[K, V]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops all subscriptions. Later subscribes are no-ops.
func (b *Bus[K, V]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
	b.closed = true
}
