// Package event is the in-process bus the security core publishes to.
// Consumers outside the core subscribe by topic.
package event

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Handler receives a published event.
type Handler func(Event)

// Publisher is the narrow interface producers depend on.
type Publisher interface {
	Publish(Event)
}

type subscription struct {
	id      string
	topic   string
	handler Handler
}

// Bus is a synchronous pub-sub bus. Handlers run on the publisher's
// goroutine in registration order; a panicking handler is logged and
// skipped.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID atomic.Uint64
	logger *slog.Logger
}

// NewBus creates an empty bus. A nil logger discards handler panics.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		subs:   make(map[string][]subscription),
		logger: logger,
	}
}

// Subscribe registers a handler for one topic and returns its id.
func (b *Bus) Subscribe(topic string, h Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := fmt.Sprintf("sub-%d", b.nextID.Add(1))
	b.subs[topic] = append(b.subs[topic], subscription{id: id, topic: topic, handler: h})
	return id
}

// SubscribeAll registers a handler for every topic.
func (b *Bus) SubscribeAll(h Handler) string {
	return b.Subscribe("*", h)
}

// Unsubscribe removes a subscription. Returns false if the id is unknown.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subs {
		for i, s := range subs {
			if s.id == id {
				next := make([]subscription, 0, len(subs)-1)
				next = append(next, subs[:i]...)
				b.subs[topic] = append(next, subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish delivers e to topic subscribers, then wildcard subscribers.
// Publishing with no subscribers is a no-op.
func (b *Bus) Publish(e Event) {
	if b == nil || e == nil {
		return
	}
	b.mu.RLock()
	specific := append([]subscription(nil), b.subs[e.Topic()]...)
	wildcard := append([]subscription(nil), b.subs["*"]...)
	b.mu.RUnlock()

	for _, s := range specific {
		b.safeCall(s.handler, e)
	}
	for _, s := range wildcard {
		b.safeCall(s.handler, e)
	}
}

func (b *Bus) safeCall(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"topic", e.Topic(),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	h(e)
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}
