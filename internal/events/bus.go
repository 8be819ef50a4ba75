// Package events provides the in-process event bus every kernel component
// publishes to and the gateway fans out to WebSocket clients.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aether-os/aether/internal/common/logger"
)

// EventIDKey is the payload key stamped on every emitted event.
const EventIDKey = "__eventId"

// Event is a single emission on the bus.
type Event struct {
	ID        uint64
	Type      string
	Payload   map[string]any
	Timestamp time.Time
}

// Handler receives events. Handlers run synchronously on the emitting
// goroutine; a panic or error inside one handler never reaches the others.
type Handler func(e *Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is the kernel event bus. Within one Emit call, handlers are invoked in
// registration order; across events, dispatch order equals emit order on the
// calling goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]*subscription
	anySubs  []*subscription
	nextSub  uint64
	seq      atomic.Uint64
	logger   *logger.Logger
}

// NewBus creates a new event bus.
func NewBus(log *logger.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]*subscription),
		logger:   log.WithComponent("event_bus"),
	}
}

// On registers a handler for one event type. The returned function removes
// the subscription.
func (b *Bus) On(eventType string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSub++
	sub := &subscription{id: b.nextSub, handler: h}
	b.handlers[eventType] = append(b.handlers[eventType], sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[eventType]
		for i, s := range subs {
			if s.id == sub.id {
				b.handlers[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// OnAny registers a handler invoked for every event, after type-specific
// handlers. The gateway uses this to forward curated events to clients.
func (b *Bus) OnAny(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSub++
	sub := &subscription{id: b.nextSub, handler: h}
	b.anySubs = append(b.anySubs, sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.anySubs {
			if s.id == sub.id {
				b.anySubs = append(b.anySubs[:i], b.anySubs[i+1:]...)
				break
			}
		}
	}
}

// Emit stamps the payload with a monotonic event id and synchronously
// invokes all handlers in registration order. Handler panics are logged and
// swallowed, never propagated to other handlers or the emitter.
func (b *Bus) Emit(eventType string, payload map[string]any) {
	id := b.seq.Add(1)
	if payload == nil {
		payload = make(map[string]any, 1)
	}
	payload[EventIDKey] = id

	e := &Event{
		ID:        id,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.handlers[eventType])+len(b.anySubs))
	subs = append(subs, b.handlers[eventType]...)
	subs = append(subs, b.anySubs...)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.invoke(sub, e)
	}
}

func (b *Bus) invoke(sub *subscription, e *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic",
				zap.String("event_type", e.Type),
				zap.Uint64("event_id", e.ID),
				zap.Any("panic", r))
		}
	}()
	sub.handler(e)
}
