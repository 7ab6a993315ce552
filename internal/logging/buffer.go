package logging

import (
	"sync"
	"time"
)

// LogEntry is a single log line stored in the ring buffer. Seq increases
// monotonically across the process; SSE consumers that see both the
// buffered history and the live stream use it to drop duplicates at the
// seam.
type LogEntry struct {
	Seq        uint64         `json:"seq"`
	Timestamp  time.Time      `json:"timestamp"`
	Level      string         `json:"level"`
	Module     string         `json:"module"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// RingBuffer holds the most recent log entries. The slice grows until it
// reaches capacity and then wraps, with start marking the oldest entry.
type RingBuffer struct {
	mu      sync.RWMutex
	cap     int
	entries []LogEntry
	start   int
}

// NewRingBuffer creates a ring buffer holding at most capacity entries.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{cap: capacity, entries: make([]LogEntry, 0, capacity)}
}

// Write appends an entry, evicting the oldest once the buffer is full.
func (rb *RingBuffer) Write(entry LogEntry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if len(rb.entries) < rb.cap {
		rb.entries = append(rb.entries, entry)
		return
	}
	rb.entries[rb.start] = entry
	rb.start = (rb.start + 1) % rb.cap
}

// ReadAll returns the buffered entries in chronological order.
func (rb *RingBuffer) ReadAll() []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if len(rb.entries) == 0 {
		return nil
	}
	out := make([]LogEntry, 0, len(rb.entries))
	out = append(out, rb.entries[rb.start:]...)
	out = append(out, rb.entries[:rb.start]...)
	return out
}
