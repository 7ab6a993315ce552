package pool

import (
	"log/slog"
	"strings"
	"time"

	"github.com/smazurov/llmpool/internal/events"
	"github.com/smazurov/llmpool/internal/session"
)

// Pool sizing and lifecycle defaults.
const (
	// DefaultCompletionSlots is the slot count for the completion pool.
	DefaultCompletionSlots = 3

	// DefaultCommandSlots is the slot count for the command pool.
	DefaultCommandSlots = 1

	// DefaultMaxReuses is how many completions one session serves before
	// its slot recycles.
	DefaultMaxReuses = 8

	// DefaultWarmupPrompt is the deterministic first message sent to every
	// fresh session; the reply decides whether the session is usable.
	DefaultWarmupPrompt = "Two plus two equals ___."

	// DefaultWarmupExpect must appear in the warm-up reply for the verdict
	// to pass.
	DefaultWarmupExpect = "four"

	// DefaultCommandTimeout bounds how long SendCommand waits for a reply
	// when the caller does not give its own timeout.
	DefaultCommandTimeout = 30 * time.Second

	// RapidRecycleWindow and RapidRecycleLimit form the circuit breaker:
	// a slot recycled RapidRecycleLimit times with less than
	// RapidRecycleWindow between recycles is permanently retired.
	RapidRecycleWindow = 10 * time.Second
	RapidRecycleLimit  = 5

	// warmupMaxAttempts is the pool-wide consecutive warm-up failure limit;
	// the first failure triggers one automatic full retry, the second
	// disables the pool.
	warmupMaxAttempts = 2
)

// WarmupConfig describes the warm-up verdict for fresh sessions.
type WarmupConfig struct {
	Prompt string
	Expect string
}

// accepts reports whether a warm-up reply passes the verdict.
func (w WarmupConfig) accepts(reply string) bool {
	reply = strings.ToLower(strings.TrimSpace(reply))
	return strings.Contains(reply, strings.ToLower(w.Expect))
}

// Config describes one pool.
type Config struct {
	// Name identifies the pool in logs, events and status payloads.
	Name string

	// Slots is the fixed number of sessions the pool keeps.
	Slots int

	// MaxReuses is how many completions a session serves before recycling.
	MaxReuses int

	// Warmup configures the verdict for fresh sessions.
	Warmup WarmupConfig

	// Backend is the session launch configuration; replaceable at runtime
	// through UpdateConfig.
	Backend session.BackendConfig
}

// withDefaults fills zero fields with package defaults.
func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "completion"
	}
	if c.Slots <= 0 {
		c.Slots = DefaultCompletionSlots
	}
	if c.MaxReuses <= 0 {
		c.MaxReuses = DefaultMaxReuses
	}
	if c.Warmup.Prompt == "" {
		c.Warmup.Prompt = DefaultWarmupPrompt
	}
	if c.Warmup.Expect == "" {
		c.Warmup.Expect = DefaultWarmupExpect
	}
	return c
}

// Options configures a new Pool.
type Options struct {
	// Factory opens backend session channels (required).
	Factory session.Factory

	// Bus receives slot state, recycle and degradation events (optional).
	Bus *events.Bus

	// OnDegraded is called once per degradation episode, after the pool
	// has stopped serving (optional).
	OnDegraded func(reason string)

	// Logger for pool operations. If nil, uses slog.Default().
	Logger *slog.Logger
}
