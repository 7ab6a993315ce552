package events

// Event type constants for kelindar/event.
const (
	TypeSlotState uint32 = iota + 1
	TypeSlotRecycled
	TypeCompletionServed
	TypeWarmupFailed
	TypePoolDegraded
	TypeLogEntry
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// SlotStateEvent is published on every slot state transition.
type SlotStateEvent struct {
	Pool       string `json:"pool" example:"completion" doc:"Pool name"`
	Slot       int    `json:"slot" example:"0" doc:"Slot index"`
	From       string `json:"from" example:"busy" doc:"Previous state"`
	To         string `json:"to" example:"available" doc:"New state"`
	Generation uint64 `json:"generation" example:"3" doc:"Slot generation counter"`
	Timestamp  string `json:"timestamp" example:"2025-08-25T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for SlotStateEvent.
func (e SlotStateEvent) Type() uint32 { return TypeSlotState }

// SlotRecycledEvent is published when a slot's session is torn down.
type SlotRecycledEvent struct {
	Pool      string `json:"pool" example:"completion" doc:"Pool name"`
	Slot      int    `json:"slot" example:"0" doc:"Slot index"`
	Reason    string `json:"reason" example:"max-reuses" doc:"Recycle reason: max-reuses, stream-error, requested, circuit-breaker"`
	Timestamp string `json:"timestamp" example:"2025-08-25T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for SlotRecycledEvent.
func (e SlotRecycledEvent) Type() uint32 { return TypeSlotRecycled }

// CompletionServedEvent is published after a slot delivers a result.
type CompletionServedEvent struct {
	Pool       string `json:"pool" example:"completion" doc:"Pool name"`
	Slot       int    `json:"slot" example:"0" doc:"Slot index"`
	ReuseCount int    `json:"reuse_count" example:"4" doc:"Completions served by this session so far"`
	DurationMs int64  `json:"duration_ms" example:"840" doc:"Time from submit to delivery"`
}

// Type returns the event type identifier for CompletionServedEvent.
func (e CompletionServedEvent) Type() uint32 { return TypeCompletionServed }

// WarmupFailedEvent is published when a pool-wide warm-up attempt fails.
type WarmupFailedEvent struct {
	Pool      string `json:"pool" example:"completion" doc:"Pool name"`
	Attempt   int    `json:"attempt" example:"1" doc:"Consecutive failure count"`
	Reason    string `json:"reason" example:"verdict mismatch" doc:"Failure description"`
	Timestamp string `json:"timestamp" example:"2025-08-25T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for WarmupFailedEvent.
func (e WarmupFailedEvent) Type() uint32 { return TypeWarmupFailed }

// PoolDegradedEvent is published when a pool gives up serving requests,
// either after repeated warm-up failures or after every slot is retired.
type PoolDegradedEvent struct {
	Pool      string `json:"pool" example:"completion" doc:"Pool name"`
	Reason    string `json:"reason" example:"warm-up exhausted" doc:"Degradation cause"`
	Timestamp string `json:"timestamp" example:"2025-08-25T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for PoolDegradedEvent.
func (e PoolDegradedEvent) Type() uint32 { return TypePoolDegraded }

// LogEntryEvent represents a log entry for SSE streaming.
type LogEntryEvent struct {
	Seq        uint64         `json:"seq" example:"42" doc:"Monotonic sequence number for deduplication"`
	Timestamp  string         `json:"timestamp" example:"2025-08-25T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"pool" doc:"Source module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }
