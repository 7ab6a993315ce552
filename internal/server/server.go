// Package server implements the pool server: the single process per
// state dir that owns the backend session pools and exposes them to
// sibling processes over a Unix socket. Leadership is arbitrated by the
// lockfile; the server holds the socket and releases the lock on stop.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	systemd "github.com/coreos/go-systemd/v22/daemon"

	"github.com/smazurov/llmpool/internal/events"
	"github.com/smazurov/llmpool/internal/lockfile"
	"github.com/smazurov/llmpool/internal/pool"
	"github.com/smazurov/llmpool/internal/protocol"
	"github.com/smazurov/llmpool/internal/session"
	"github.com/smazurov/llmpool/internal/version"
)

// socketProbeTimeout bounds the connect probe against a leftover socket.
const socketProbeTimeout = time.Second

// Options configures a pool server.
type Options struct {
	// SocketPath is the Unix socket to listen on. Defaults to the
	// state-dir socket.
	SocketPath string

	// LockPath is the leadership lockfile released on stop. Defaults to
	// the state-dir lockfile.
	LockPath string

	// Backend is the session launch configuration shared by both pools.
	Backend session.BackendConfig

	// CompletionSlots and CommandSlots size the two pools.
	CompletionSlots int
	CommandSlots    int

	// Warmup overrides the default warm-up probe.
	Warmup pool.WarmupConfig

	// Factory spawns backend sessions. Defaults to session.Spawn.
	Factory session.Factory

	// Bus receives pool lifecycle events. Created when nil.
	Bus *events.Bus

	// OnStop, when set, runs once after Stop finishes tearing down.
	// Remote dispose requests stop the server too, so the owning
	// process hears about it here.
	OnStop func()

	Logger *slog.Logger
}

// Server owns the pools, the socket listener, and the event broadcast
// bridge.
type Server struct {
	opts   Options
	logger *slog.Logger
	bus    *events.Bus

	completion pool.Pool
	command    pool.Pool

	mu       sync.Mutex
	listener net.Listener
	conns    map[*conn]struct{}

	closing  chan struct{}
	stopOnce sync.Once

	unsubDegraded func()
}

type namedPool struct {
	name string
	pool pool.Pool
}

// New constructs a server and its pools. Start brings it online.
func New(opts *Options) *Server {
	if opts == nil {
		opts = &Options{}
	}
	if opts.SocketPath == "" {
		opts.SocketPath = lockfile.SocketPath()
	}
	if opts.LockPath == "" {
		opts.LockPath = lockfile.LockPath()
	}
	if opts.CompletionSlots <= 0 {
		opts.CompletionSlots = pool.DefaultCompletionSlots
	}
	if opts.CommandSlots <= 0 {
		opts.CommandSlots = pool.DefaultCommandSlots
	}
	if opts.Factory == nil {
		opts.Factory = session.Spawn
	}
	if opts.Bus == nil {
		opts.Bus = events.New()
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		opts:    *opts,
		logger:  logger,
		bus:     opts.Bus,
		conns:   make(map[*conn]struct{}),
		closing: make(chan struct{}),
	}

	poolOpts := func(name string) *pool.Options {
		return &pool.Options{
			Factory: opts.Factory,
			Bus:     opts.Bus,
			Logger:  logger.With("pool", name),
		}
	}
	s.completion = pool.New(pool.Config{
		Name:    protocol.PoolCompletion,
		Slots:   opts.CompletionSlots,
		Warmup:  opts.Warmup,
		Backend: opts.Backend,
	}, poolOpts(protocol.PoolCompletion))
	s.command = pool.New(pool.Config{
		Name:    protocol.PoolCommand,
		Slots:   opts.CommandSlots,
		Warmup:  opts.Warmup,
		Backend: opts.Backend,
	}, poolOpts(protocol.PoolCommand))

	// Degradation reaches remote clients as a pushed event frame.
	s.unsubDegraded = s.bus.Subscribe(func(e events.PoolDegradedEvent) {
		s.broadcast(&protocol.Event{
			Type:   protocol.EventPoolDegraded,
			Pool:   e.Pool,
			Reason: e.Reason,
		})
	})

	return s
}

// Bus returns the server's event bus for metrics and API wiring.
func (s *Server) Bus() *events.Bus { return s.bus }

// Completion returns the completion pool for in-process callers.
func (s *Server) Completion() pool.Pool { return s.completion }

// Command returns the command pool for in-process callers.
func (s *Server) Command() pool.Pool { return s.command }

// Start listens on the Unix socket and activates both pools in
// parallel. A socket artifact left by a crashed server is removed after
// a connect probe confirms nothing answers on it. Activation failures
// leave the server running degraded; recovery goes through
// config-update and warmup requests.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.opts.SocketPath), 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	if err := s.claimSocket(); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.opts.SocketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.opts.SocketPath, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Pool server listening", "socket", s.opts.SocketPath, "pid", os.Getpid())
	go s.acceptLoop(listener)

	var wg sync.WaitGroup
	for _, np := range s.pools() {
		wg.Add(1)
		go func(np namedPool) {
			defer wg.Done()
			if err := np.pool.Activate(ctx); err != nil {
				s.logger.Error("Pool activation failed", "pool", np.name, "error", err)
			}
		}(np)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		s.Stop()
		return err
	}

	_, _ = systemd.SdNotify(false, systemd.SdNotifyReady)
	return nil
}

// claimSocket clears the way for Listen. If something answers on an
// existing socket another server is alive and this one must not start.
func (s *Server) claimSocket() error {
	if _, err := os.Stat(s.opts.SocketPath); err != nil {
		return nil
	}
	probe, err := net.DialTimeout("unix", s.opts.SocketPath, socketProbeTimeout)
	if err == nil {
		probe.Close()
		return fmt.Errorf("pool server already listening on %s", s.opts.SocketPath)
	}
	s.logger.Warn("Removing stale socket", "socket", s.opts.SocketPath)
	if err := os.Remove(s.opts.SocketPath); err != nil {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	return nil
}

// Stop shuts the server down: notifies connected clients, closes the
// listener and all connections, disposes the pools, and releases the
// leadership lockfile. Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.closing)
		_, _ = systemd.SdNotify(false, systemd.SdNotifyStopping)

		s.broadcast(&protocol.Event{Type: protocol.EventServerShuttingDown})
		s.unsubDegraded()

		s.mu.Lock()
		listener := s.listener
		conns := make([]*conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()

		if listener != nil {
			listener.Close()
		}
		for _, c := range conns {
			c.close()
		}

		s.completion.Dispose()
		s.command.Dispose()

		if err := lockfile.Release(s.opts.LockPath); err != nil {
			s.logger.Warn("Releasing lockfile failed", "error", err)
		}
		s.logger.Info("Pool server stopped")

		if s.opts.OnStop != nil {
			s.opts.OnStop()
		}
	})
}

func (s *Server) acceptLoop(listener net.Listener) {
	for {
		nc, err := listener.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Accept failed", "error", err)
			continue
		}

		c := newConn(nc, s)
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		go c.serve()
	}
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// broadcast pushes an event frame to every connection.
func (s *Server) broadcast(ev *protocol.Event) {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.write(ev); err != nil {
			s.logger.Debug("Broadcast write failed", "error", err)
		}
	}
}

func (s *Server) pools() []namedPool {
	return []namedPool{
		{protocol.PoolCompletion, s.completion},
		{protocol.PoolCommand, s.command},
	}
}

func (s *Server) poolByName(name string) pool.Pool {
	for _, np := range s.pools() {
		if np.name == name {
			return np.pool
		}
	}
	return nil
}

// Status snapshots both pools for status responses and the debug API.
func (s *Server) Status() *protocol.Status {
	st := &protocol.Status{PID: os.Getpid(), Version: version.String()}
	for _, np := range s.pools() {
		st.Pools = append(st.Pools, protocol.PoolStatus{
			Name:     np.name,
			Degraded: !np.pool.Available(),
			Slots:    np.pool.Status(),
		})
	}
	return st
}

// UpdateBackend swaps the backend config on both pools. Live sessions
// keep their config until recycled.
func (s *Server) UpdateBackend(cfg session.BackendConfig) {
	s.completion.UpdateConfig(cfg)
	s.command.UpdateConfig(cfg)
}

// RecycleAll recycles every pool, or just the named one.
func (s *Server) RecycleAll(poolName string) error {
	if poolName == "" {
		var wg sync.WaitGroup
		for _, np := range s.pools() {
			wg.Add(1)
			go func(p pool.Pool) {
				defer wg.Done()
				p.RecycleAll()
			}(np.pool)
		}
		wg.Wait()
		return nil
	}
	p := s.poolByName(poolName)
	if p == nil {
		return fmt.Errorf("unknown pool %q", poolName)
	}
	p.RecycleAll()
	return nil
}

// Warmup restarts any pool that is not currently available. The
// recovery path after degradation; healthy pools are left alone.
func (s *Server) Warmup() {
	for _, np := range s.pools() {
		if !np.pool.Available() {
			s.logger.Info("Re-warming pool", "pool", np.name)
			np.pool.Restart()
		}
	}
}

// Version reports the build version sent in hello and status responses.
func (s *Server) Version() string {
	return version.String()
}
