package metrics

import (
	"time"

	"github.com/smazurov/llmpool/internal/events"
	"github.com/smazurov/llmpool/internal/pool"
)

// Bridge keeps the Prometheus series current from pool lifecycle
// events on the bus.
type Bridge struct {
	unsubs []func()
}

// NewBridge subscribes to pool events. Close detaches again.
func NewBridge(bus *events.Bus) *Bridge {
	b := &Bridge{}
	b.unsubs = append(b.unsubs,
		bus.Subscribe(func(e events.SlotStateEvent) {
			SetSlotState(e.Pool, e.Slot, e.To)
			if e.To == string(pool.StateAvailable) {
				// A slot coming back up means the pool serves again.
				SetDegraded(e.Pool, false)
			}
		}),
		bus.Subscribe(func(e events.SlotRecycledEvent) {
			RecordRecycle(e.Pool, e.Reason)
		}),
		bus.Subscribe(func(e events.CompletionServedEvent) {
			RecordCompletion(e.Pool, time.Duration(e.DurationMs)*time.Millisecond)
		}),
		bus.Subscribe(func(e events.WarmupFailedEvent) {
			RecordWarmupFailure(e.Pool)
		}),
		bus.Subscribe(func(e events.PoolDegradedEvent) {
			SetDegraded(e.Pool, true)
		}),
	)
	return b
}

// Close unsubscribes the bridge from the bus.
func (b *Bridge) Close() {
	for _, unsub := range b.unsubs {
		unsub()
	}
}
