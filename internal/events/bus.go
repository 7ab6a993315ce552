package events

import (
	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers
// Usage: bus.Publish(SlotStateEvent{...})
func (b *Bus) Publish(ev Event) {
	// Use type switch to call the generic Publish with the correct type
	switch e := ev.(type) {
	case SlotStateEvent:
		event.Publish(b.dispatcher, e)
	case SlotRecycledEvent:
		event.Publish(b.dispatcher, e)
	case CompletionServedEvent:
		event.Publish(b.dispatcher, e)
	case WarmupFailedEvent:
		event.Publish(b.dispatcher, e)
	case PoolDegradedEvent:
		event.Publish(b.dispatcher, e)
	case LogEntryEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function
// The handler type determines which events it receives (type inference)
// Returns an unsubscribe function
// Usage: unsub := bus.Subscribe(func(e SlotStateEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	// The kelindar/event library uses the handler's parameter type to pick
	// the subscription group, so dispatch over the known handler shapes.
	switch h := handler.(type) {
	case func(SlotStateEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(SlotRecycledEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(CompletionServedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(WarmupFailedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(PoolDegradedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(LogEntryEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		// Return a no-op function if handler type is not recognized
		return func() {}
	}
}

// SubscribeToChannel bridges kelindar/event callback subscriptions to a
// channel so SSE handlers can select over events alongside their request
// context. Sends never block; a full channel drops the event.
func SubscribeToChannel[T Event](bus *Bus, ch chan<- any) func() {
	return event.Subscribe(bus.dispatcher, func(e T) {
		select {
		case ch <- e:
		default:
		}
	})
}
