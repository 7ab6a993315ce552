package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/llmpool/internal/events"
	"github.com/smazurov/llmpool/internal/session"
)

// ErrDisposed is returned when a disposed pool is asked to do work.
var ErrDisposed = errors.New("pool disposed")

// ErrDegraded is returned by Activate when the pool is disabled.
var ErrDegraded = errors.New("pool degraded")

// Pool owns a fixed set of backend-session slots and serves completion
// requests through them with a single-waiter acquisition protocol.
type Pool interface {
	// Activate initializes all slots in parallel and returns once every
	// slot has reached a warm-up verdict or failure handling has run.
	Activate(ctx context.Context) error

	// GetCompletion serves one prompt on the next free slot. Returns
	// (nil, nil) when no slot could serve it; slot failures never surface
	// as errors. Cancellation is honored only while waiting for a slot.
	GetCompletion(ctx context.Context, prompt string) (*Result, error)

	// SendCommand is GetCompletion with a per-call reply timeout.
	// A non-positive timeout uses DefaultCommandTimeout.
	SendCommand(ctx context.Context, prompt string, timeout time.Duration) (*Result, error)

	// AcquireSlot claims the next free slot, blocking as the single
	// registered waiter if none is free. A newer caller displaces an
	// older waiter, which gets (0, false).
	AcquireSlot(ctx context.Context) (int, bool)

	// Available reports whether the pool can currently serve or will be
	// able to once initialization settles.
	Available() bool

	// Status returns a snapshot of every slot.
	Status() []SlotInfo

	// UpdateConfig swaps the backend config used by future session
	// spawns; live sessions keep their config until recycled.
	UpdateConfig(cfg session.BackendConfig)

	// RecycleAll kills every slot and reinitializes them in parallel,
	// returning when the round completes. Overlapping callers share one
	// in-flight round.
	RecycleAll()

	// Restart is RecycleAll plus clearing the warm-up failure state; the
	// recovery path after degradation.
	Restart()

	// Dispose stops the pool permanently: waiters and in-flight requests
	// resolve to nil, all sessions close, all slots go dead.
	Dispose()
}

// pool implements the Pool interface.
type pool struct {
	cfg     Config
	factory session.Factory
	bus     *events.Bus
	logger  *slog.Logger

	onDegraded func(reason string)

	mu       sync.RWMutex
	slots    []*slot
	backend  session.BackendConfig
	nextSlot int

	// waiter is the single registered acquisition, nil when nobody waits.
	waiter chan slotGrant

	// recycling is the shared in-flight RecycleAll round, nil when idle.
	recycling chan struct{}

	warmupFailures int
	activated      bool
	disabled       bool
	degraded       bool
	disposed       bool
}

// New creates a pool. Slots start dead; Activate brings them up.
func New(cfg Config, opts *Options) Pool {
	if opts == nil || opts.Factory == nil {
		panic("pool.Options with Factory is required")
	}

	cfg = cfg.withDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	slots := make([]*slot, cfg.Slots)
	for i := range slots {
		slots[i] = &slot{state: StateDead}
	}

	return &pool{
		cfg:        cfg,
		factory:    opts.Factory,
		bus:        opts.Bus,
		logger:     logger,
		onDegraded: opts.OnDegraded,
		slots:      slots,
		backend:    cfg.Backend,
	}
}

// Activate initializes all slots in parallel. Only the first call does
// anything; recovery after that goes through Restart.
func (p *pool) Activate(ctx context.Context) error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return ErrDisposed
	}
	if p.activated {
		p.mu.Unlock()
		return nil
	}
	p.activated = true
	gens := make([]uint64, len(p.slots))
	for i, s := range p.slots {
		s.generation++
		gens[i] = s.generation
	}
	p.mu.Unlock()

	p.logger.Info("Activating pool", "pool", p.cfg.Name, "slots", len(p.slots))

	var wg sync.WaitGroup
	for i := range p.slots {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.initSlot(i, gens[i])
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.RLock()
	disabled := p.disabled
	p.mu.RUnlock()
	if disabled {
		return ErrDegraded
	}
	return nil
}

// GetCompletion serves one prompt on the next free slot.
func (p *pool) GetCompletion(ctx context.Context, prompt string) (*Result, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	i, gen, ok := p.acquire(ctx)
	if !ok {
		return nil, nil
	}
	return p.submit(i, gen, prompt, 0), nil
}

// SendCommand serves one prompt with a bounded wait for the reply.
func (p *pool) SendCommand(ctx context.Context, prompt string, timeout time.Duration) (*Result, error) {
	if err := p.guard(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	i, gen, ok := p.acquire(ctx)
	if !ok {
		return nil, nil
	}
	return p.submit(i, gen, prompt, timeout), nil
}

// AcquireSlot claims the next free slot.
func (p *pool) AcquireSlot(ctx context.Context) (int, bool) {
	i, _, ok := p.acquire(ctx)
	return i, ok
}

// acquire is the fast-path round-robin scan plus the single-waiter slow
// path. The returned generation pins the claim: if the slot recycles before
// the request is submitted, the submit aborts instead of touching the
// replacement session.
func (p *pool) acquire(ctx context.Context) (int, uint64, bool) {
	p.mu.Lock()
	if p.disposed || p.disabled || p.allSlotsDeadLocked() {
		p.mu.Unlock()
		return 0, 0, false
	}

	n := len(p.slots)
	for k := 0; k < n; k++ {
		i := (p.nextSlot + k) % n
		s := p.slots[i]
		if s.state == StateAvailable {
			p.setStateLocked(i, StateBusy)
			s.busySince = time.Now()
			p.nextSlot = (i + 1) % n
			gen := s.generation
			p.mu.Unlock()
			return i, gen, true
		}
	}

	// Latest request wins: an already-registered waiter is resolved
	// empty-handed before this caller takes its place.
	if p.waiter != nil {
		close(p.waiter)
	}
	w := make(chan slotGrant, 1)
	p.waiter = w
	p.mu.Unlock()

	select {
	case g, ok := <-w:
		return g.slot, g.gen, ok
	case <-ctx.Done():
	}

	p.mu.Lock()
	if p.waiter == w {
		p.waiter = nil
		p.mu.Unlock()
		return 0, 0, false
	}
	p.mu.Unlock()

	// The waiter resolved while cancellation raced it. If a slot was
	// granted the request commits; cancellation only counts while waiting.
	if g, ok := <-w; ok {
		return g.slot, g.gen, true
	}
	return 0, 0, false
}

// submit installs the single pending delivery on a claimed slot, pushes the
// prompt and waits for the consumer to resolve it. A zero timeout waits
// until delivery or teardown.
func (p *pool) submit(i int, gen uint64, prompt string, timeout time.Duration) *Result {
	p.mu.Lock()
	s := p.slots[i]
	if s.generation != gen || s.channel == nil {
		p.mu.Unlock()
		return nil
	}
	ch := s.channel
	pending := make(chan *Result, 1)
	s.pending = pending
	p.mu.Unlock()

	if err := ch.Send(session.Message{Prompt: prompt}); err != nil {
		p.logger.Warn("Failed to push prompt to session", "pool", p.cfg.Name, "slot", i, "error", err)
		p.clearPending(i, pending)
		p.recycleSlot(i, gen, "send-failed")
		return nil
	}

	if timeout > 0 {
		select {
		case res := <-pending:
			return res
		case <-time.After(timeout):
			p.logger.Warn("Reply timed out", "pool", p.cfg.Name, "slot", i, "timeout", timeout)
			return nil
		}
	}
	return <-pending
}

// clearPending uninstalls a pending delivery if it is still the current one.
func (p *pool) clearPending(i int, pending chan *Result) {
	p.mu.Lock()
	if p.slots[i].pending == pending {
		p.slots[i].pending = nil
	}
	p.mu.Unlock()
}

// Available reports whether the pool can serve requests now or after
// initialization settles.
func (p *pool) Available() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.disposed || p.disabled {
		return false
	}
	for _, s := range p.slots {
		switch s.state {
		case StateAvailable, StateBusy, StateInitializing:
			return true
		}
	}
	return false
}

// Status returns a snapshot of every slot.
func (p *pool) Status() []SlotInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	infos := make([]SlotInfo, len(p.slots))
	for i, s := range p.slots {
		infos[i] = SlotInfo{
			Slot:       i,
			State:      s.state,
			ReuseCount: s.reuseCount,
			Generation: s.generation,
		}
	}
	return infos
}

// UpdateConfig swaps the backend config for future session spawns.
func (p *pool) UpdateConfig(cfg session.BackendConfig) {
	p.mu.Lock()
	p.backend = cfg
	p.mu.Unlock()
	p.logger.Info("Backend config updated", "pool", p.cfg.Name, "command", cfg.Command, "model", cfg.Model)
}

// RecycleAll kills every slot and reinitializes them in parallel.
func (p *pool) RecycleAll() {
	p.mu.Lock()
	if p.disposed || p.disabled {
		p.mu.Unlock()
		return
	}
	if p.recycling != nil {
		// A round is already in flight; share it.
		done := p.recycling
		p.mu.Unlock()
		<-done
		return
	}
	done := make(chan struct{})
	p.recycling = done
	chans, gens := p.killAllLocked(StateInitializing, true)
	p.mu.Unlock()

	for _, ch := range chans {
		ch.Close()
	}
	p.logger.Info("Recycling all slots", "pool", p.cfg.Name)

	var wg sync.WaitGroup
	for i := range p.slots {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p.initSlot(i, gens[i])
		}(i)
	}
	wg.Wait()

	p.mu.Lock()
	p.recycling = nil
	p.mu.Unlock()
	close(done)
}

// Restart clears the warm-up failure state and recycles everything.
func (p *pool) Restart() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.warmupFailures = 0
	p.disabled = false
	p.degraded = false
	p.mu.Unlock()

	p.logger.Info("Restarting pool", "pool", p.cfg.Name)
	p.RecycleAll()
}

// Dispose stops the pool permanently.
func (p *pool) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	if p.waiter != nil {
		close(p.waiter)
		p.waiter = nil
	}
	chans, _ := p.killAllLocked(StateDead, true)
	p.mu.Unlock()

	for _, ch := range chans {
		ch.Close()
	}
	p.logger.Info("Pool disposed", "pool", p.cfg.Name)
}

func (p *pool) guard() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.disposed {
		return ErrDisposed
	}
	return nil
}
