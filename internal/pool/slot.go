package pool

import (
	"time"

	"github.com/smazurov/llmpool/internal/events"
	"github.com/smazurov/llmpool/internal/session"
)

// SlotState represents the current state of a pool slot.
type SlotState string

// Slot states.
const (
	StateInitializing SlotState = "initializing" // Session starting or warming up
	StateAvailable    SlotState = "available"    // Warmed up, ready for a request
	StateBusy         SlotState = "busy"         // Serving one request
	StateDead         SlotState = "dead"         // Retired, replaced only by init
)

// slot is one reusable backend-session unit.
type slot struct {
	state   SlotState
	channel session.Channel

	// pending is the single in-flight delivery for this slot, installed by
	// submit and resolved by the consumer (or by teardown, with nil).
	pending chan *Result

	// generation bumps on every kill or recycle; consumers capture it at
	// start and discard events on mismatch.
	generation uint64

	reuseCount int
	busySince  time.Time

	// Circuit-breaker bookkeeping, reset by caller-intended recycles.
	lastRecycle   time.Time
	rapidRecycles int
}

// SlotInfo is a point-in-time snapshot of one slot for status payloads.
type SlotInfo struct {
	Slot       int       `json:"slot"`
	State      SlotState `json:"state"`
	ReuseCount int       `json:"reuse_count"`
	Generation uint64    `json:"generation"`
}

// Result is one completion produced by a backend session.
type Result struct {
	Text string `json:"text"`
	Meta string `json:"meta,omitempty"`
}

// slotGrant is what a registered waiter receives: a claimed slot index and
// the generation it was claimed at.
type slotGrant struct {
	slot int
	gen  uint64
}

// consumeAction tells the consume loop what to do after handling an event.
type consumeAction int

const (
	actionContinue consumeAction = iota
	actionRecycle
	actionStop
)

// initSlot drives slot i from dead or freshly-recycled to available. gen is
// the generation this initializer was scheduled for; if the slot has moved
// past it the call is a no-op. Runs on its own goroutine.
func (p *pool) initSlot(i int, gen uint64) {
	p.mu.Lock()
	s := p.slots[i]
	if s.generation != gen || p.disposed || p.disabled {
		p.mu.Unlock()
		return
	}
	p.setStateLocked(i, StateInitializing)
	s.reuseCount = 0
	backend := p.backend
	warmup := p.cfg.Warmup
	p.mu.Unlock()

	ch, err := p.factory(backend, p.logger)
	if err != nil {
		p.logger.Error("Failed to open backend session", "pool", p.cfg.Name, "slot", i, "error", err)
		p.handleWarmupFailure(i, gen, "spawn failed")
		return
	}

	p.mu.Lock()
	if s.generation != gen || p.disposed {
		p.mu.Unlock()
		ch.Close()
		return
	}
	s.channel = ch
	p.mu.Unlock()

	if err := ch.Send(session.Message{Prompt: warmup.Prompt}); err != nil {
		// The consumer observes the dead channel and reports the verdict.
		p.logger.Warn("Warm-up send failed", "pool", p.cfg.Name, "slot", i, "error", err)
	}

	verdict := make(chan bool, 1)
	go p.consume(i, gen, ch, verdict)

	if <-verdict {
		p.logger.Debug("Slot warmed up", "pool", p.cfg.Name, "slot", i)
		return
	}

	p.mu.Lock()
	stale := s.generation != gen
	p.mu.Unlock()
	if stale {
		return
	}
	p.handleWarmupFailure(i, gen, "warm-up verdict failed")
}

// consume iterates one session channel's events for one generation. The
// first event is the warm-up verdict; every later event is a completion.
// A generation mismatch means a recycle superseded this consumer and it
// returns without touching anything.
func (p *pool) consume(i int, gen uint64, ch session.Channel, verdict chan<- bool) {
	warmed := false
	for ev := range ch.Events() {
		if !warmed {
			warmed = true
			ok, stale := p.finishWarmup(i, gen, ev)
			verdict <- ok
			if stale || !ok {
				return
			}
			continue
		}

		action, reason := p.deliverCompletion(i, gen, ev)
		switch action {
		case actionStop:
			return
		case actionRecycle:
			p.recycleSlot(i, gen, reason)
			return
		}
	}

	if !warmed {
		// Session ended before producing a verdict.
		verdict <- false
		return
	}
	p.recycleSlot(i, gen, "session-ended")
}

// finishWarmup validates the first event of a generation and, on success,
// makes the slot available. stale reports that the generation has moved on
// and the verdict is meaningless.
func (p *pool) finishWarmup(i int, gen uint64, ev session.Event) (ok, stale bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.slots[i]
	if s.generation != gen || p.disposed {
		return false, true
	}
	if ev.Err != "" {
		p.logger.Warn("Warm-up ended in session error", "pool", p.cfg.Name, "slot", i, "error", ev.Err)
		return false, false
	}
	if !p.cfg.Warmup.accepts(ev.Text) {
		p.logger.Warn("Warm-up reply rejected", "pool", p.cfg.Name, "slot", i, "reply", ev.Text)
		return false, false
	}

	p.warmupFailures = 0
	s.reuseCount = 0
	p.setStateLocked(i, StateAvailable)
	p.notifyWaiterLocked(i)
	return true, false
}

// deliverCompletion resolves the slot's pending request with one event and
// decides whether the session keeps serving.
func (p *pool) deliverCompletion(i int, gen uint64, ev session.Event) (consumeAction, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.slots[i]
	if s.generation != gen || p.disposed {
		return actionStop, ""
	}

	if ev.Err != "" {
		p.logger.Warn("Session stream error", "pool", p.cfg.Name, "slot", i, "error", ev.Err)
		if s.pending != nil {
			s.pending <- nil
			s.pending = nil
		}
		return actionRecycle, "stream-error"
	}

	res := &Result{Text: ev.Text, Meta: ev.Model}
	if s.pending != nil {
		s.pending <- res
		s.pending = nil
	} else {
		p.logger.Debug("Dropping event with no pending request", "pool", p.cfg.Name, "slot", i)
	}

	s.reuseCount++
	var durMs int64
	if !s.busySince.IsZero() {
		durMs = time.Since(s.busySince).Milliseconds()
	}
	if p.bus != nil {
		p.bus.Publish(events.CompletionServedEvent{
			Pool:       p.cfg.Name,
			Slot:       i,
			ReuseCount: s.reuseCount,
			DurationMs: durMs,
		})
	}

	if s.reuseCount >= p.cfg.MaxReuses {
		return actionRecycle, "max-reuses"
	}

	p.setStateLocked(i, StateAvailable)
	p.notifyWaiterLocked(i)
	return actionContinue, ""
}

// recycleSlot tears down slot i's session and schedules a replacement, or
// retires the slot when it has been recycling too fast. No-op for dead or
// superseded slots.
func (p *pool) recycleSlot(i int, gen uint64, reason string) {
	p.mu.Lock()
	s := p.slots[i]
	if s.generation != gen || p.disposed || s.state == StateDead {
		p.mu.Unlock()
		return
	}

	now := time.Now()
	if !s.lastRecycle.IsZero() && now.Sub(s.lastRecycle) < RapidRecycleWindow {
		s.rapidRecycles++
	} else {
		s.rapidRecycles = 1
	}
	s.lastRecycle = now

	ch := s.channel
	s.channel = nil
	if s.pending != nil {
		s.pending <- nil
		s.pending = nil
	}
	s.generation++
	next := s.generation

	if s.rapidRecycles >= RapidRecycleLimit {
		p.setStateLocked(i, StateDead)
		p.publishRecycledLocked(i, "circuit-breaker")
		allDead := p.allSlotsDeadLocked()
		if allDead && p.waiter != nil {
			close(p.waiter)
			p.waiter = nil
		}
		count := s.rapidRecycles
		p.mu.Unlock()

		if ch != nil {
			ch.Close()
		}
		p.logger.Warn("Slot retired after rapid recycles", "pool", p.cfg.Name, "slot", i, "count", count)
		if allDead {
			p.degrade("all slots retired")
		}
		return
	}

	p.setStateLocked(i, StateInitializing)
	p.publishRecycledLocked(i, reason)
	p.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	p.logger.Info("Recycling slot", "pool", p.cfg.Name, "slot", i, "reason", reason)

	// Re-initialization runs on a fresh goroutine; recycling inside the
	// consumer would otherwise recurse consume -> recycle -> init -> consume
	// without bound.
	go p.initSlot(i, next)
}

// handleWarmupFailure runs the pool-wide warm-up failure sequence. The first
// failure kills every slot and schedules one automatic full retry; the
// second consecutive failure disables the pool. The generation re-check
// under the pool lock makes simultaneously-failing slots count as one
// episode: whichever failure wins the lock bumps every generation, and the
// rest bail out here.
func (p *pool) handleWarmupFailure(i int, gen uint64, reason string) {
	p.mu.Lock()
	s := p.slots[i]
	if s.generation != gen || p.disposed || p.disabled {
		p.mu.Unlock()
		return
	}

	p.warmupFailures++
	attempt := p.warmupFailures
	if p.bus != nil {
		p.bus.Publish(events.WarmupFailedEvent{
			Pool:      p.cfg.Name,
			Attempt:   attempt,
			Reason:    reason,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}

	if attempt >= warmupMaxAttempts {
		p.disabled = true
		chans, _ := p.killAllLocked(StateDead, false)
		if p.waiter != nil {
			close(p.waiter)
			p.waiter = nil
		}
		p.mu.Unlock()

		for _, ch := range chans {
			ch.Close()
		}
		p.logger.Error("Warm-up failed again, disabling pool", "pool", p.cfg.Name, "reason", reason)
		p.degrade("warm-up exhausted")
		return
	}

	chans, gens := p.killAllLocked(StateInitializing, false)
	p.mu.Unlock()

	for _, ch := range chans {
		ch.Close()
	}
	p.logger.Warn("Warm-up failed, retrying all slots", "pool", p.cfg.Name, "attempt", attempt, "reason", reason)

	for idx := range p.slots {
		go p.initSlot(idx, gens[idx])
	}
}

// killAllLocked tears down every slot: channels are detached for the caller
// to close outside the lock, pending requests resolve to nil, generations
// bump. Returns the detached channels and the new generations.
func (p *pool) killAllLocked(to SlotState, resetBreaker bool) ([]session.Channel, []uint64) {
	chans := make([]session.Channel, 0, len(p.slots))
	gens := make([]uint64, len(p.slots))
	for i, s := range p.slots {
		if s.channel != nil {
			chans = append(chans, s.channel)
			s.channel = nil
		}
		if s.pending != nil {
			s.pending <- nil
			s.pending = nil
		}
		s.generation++
		gens[i] = s.generation
		s.reuseCount = 0
		if resetBreaker {
			s.rapidRecycles = 0
			s.lastRecycle = time.Time{}
		}
		p.setStateLocked(i, to)
	}
	return chans, gens
}

// notifyWaiterLocked hands slot i to the registered waiter, if any. The slot
// is marked busy before the waiter wakes so a concurrent fast-path scan
// cannot claim it.
func (p *pool) notifyWaiterLocked(i int) {
	if p.waiter == nil {
		return
	}
	s := p.slots[i]
	p.setStateLocked(i, StateBusy)
	s.busySince = time.Now()
	p.waiter <- slotGrant{slot: i, gen: s.generation}
	p.waiter = nil
}

// setStateLocked transitions slot i and publishes the change.
func (p *pool) setStateLocked(i int, to SlotState) {
	s := p.slots[i]
	if s.state == to {
		return
	}
	from := s.state
	s.state = to
	if p.bus != nil {
		p.bus.Publish(events.SlotStateEvent{
			Pool:       p.cfg.Name,
			Slot:       i,
			From:       string(from),
			To:         string(to),
			Generation: s.generation,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func (p *pool) publishRecycledLocked(i int, reason string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.SlotRecycledEvent{
		Pool:      p.cfg.Name,
		Slot:      i,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (p *pool) allSlotsDeadLocked() bool {
	for _, s := range p.slots {
		if s.state != StateDead {
			return false
		}
	}
	return true
}

// degrade fires the degradation callback once per episode.
func (p *pool) degrade(reason string) {
	p.mu.Lock()
	if p.degraded {
		p.mu.Unlock()
		return
	}
	p.degraded = true
	cb := p.onDegraded
	p.mu.Unlock()

	p.logger.Error("Pool degraded", "pool", p.cfg.Name, "reason", reason)
	if p.bus != nil {
		p.bus.Publish(events.PoolDegradedEvent{
			Pool:      p.cfg.Name,
			Reason:    reason,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
	if cb != nil {
		cb(reason)
	}
}
