package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/smazurov/llmpool/internal/events"
)

// registerSSERoutes registers the pool lifecycle event stream.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Pool Event Stream",
		Description: "Real-time stream of slot transitions, recycles, served completions, warm-up failures, and degradations",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"slot-state":        events.SlotStateEvent{},
		"slot-recycled":     events.SlotRecycledEvent{},
		"completion-served": events.CompletionServedEvent{},
		"warmup-failed":     events.WarmupFailedEvent{},
		"pool-degraded":     events.PoolDegradedEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		// Create event channel for this connection
		eventCh := make(chan any, 10)

		// Subscribe to all pool event types
		unsubscribers := []func(){
			events.SubscribeToChannel[events.SlotStateEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.SlotRecycledEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.CompletionServedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.WarmupFailedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.PoolDegradedEvent](s.eventBus, eventCh),
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		// Open with a snapshot of the current slot states so consumers
		// start from a full picture. From equal to To marks a snapshot.
		if st, err := s.pools.Status(); err == nil {
			now := time.Now().Format(time.RFC3339)
			for _, p := range st.Pools {
				for _, sl := range p.Slots {
					snapshot := events.SlotStateEvent{
						Pool:       p.Name,
						Slot:       sl.Slot,
						From:       string(sl.State),
						To:         string(sl.State),
						Generation: sl.Generation,
						Timestamp:  now,
					}
					if err := send.Data(snapshot); err != nil {
						return
					}
				}
			}
		}

		// Keep connection alive and forward events
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
