// Package client gives a host process one handle onto the shared
// session pools, whichever process happens to run them. Activation
// elects: attach to a running server over its Unix socket, or win the
// lockfile and lead an embedded server in this process. When a remote
// server goes away the client reattaches or takes over on its own.
package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/smazurov/llmpool/internal/lockfile"
	"github.com/smazurov/llmpool/internal/pool"
	"github.com/smazurov/llmpool/internal/protocol"
	"github.com/smazurov/llmpool/internal/server"
	"github.com/smazurov/llmpool/internal/session"
)

const (
	// connectTimeout bounds the dial plus hello handshake against a
	// candidate server socket.
	connectTimeout = 2 * time.Second

	// connectRetries and connectBackoff pace the activation loop while
	// a lock holder exists but its socket does not answer yet.
	connectRetries = 5
	connectBackoff = 500 * time.Millisecond

	// requestTimeout caps any single round trip to a remote server.
	requestTimeout = 60 * time.Second

	// takeoverMaxAttempts and takeoverBackoffStep pace reattachment
	// after a server loss; the wait grows with each attempt.
	takeoverMaxAttempts = 5
	takeoverBackoffStep = 250 * time.Millisecond

	// maxFrameSize caps a single response line from the server.
	maxFrameSize = 1 << 20
)

var (
	// ErrInactive is returned for pool operations before Activate
	// succeeds or after the attachment is lost.
	ErrInactive = errors.New("not attached to a pool server")

	// ErrDisposed is returned once the client has been torn down.
	ErrDisposed = errors.New("client disposed")

	// ErrConnectionLost reports a round trip cut short by the server
	// connection dropping.
	ErrConnectionLost = errors.New("pool server connection lost")

	// ErrTimeout reports a round trip that exceeded the request timeout.
	ErrTimeout = errors.New("request timed out")
)

// Role is the part this process plays after activation.
type Role string

const (
	// RoleInactive means no attachment: activation has not run, failed,
	// or the attachment was lost and not yet recovered.
	RoleInactive Role = "inactive"

	// RoleServer means this process won the lock and runs the pools.
	RoleServer Role = "server"

	// RoleClient means another process leads and this one talks to it
	// over the socket.
	RoleClient Role = "client"
)

// Options configures a pool client.
type Options struct {
	// Server holds everything needed to lead the pools when this
	// process wins the election. Its SocketPath and LockPath double as
	// the attach points when another process already leads; empty paths
	// default to the state dir.
	Server server.Options

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Client is a process's handle onto the shared pools. All methods are
// safe for concurrent use.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	role     Role
	srv      *server.Server
	nc       net.Conn
	pending  map[string]chan *protocol.Response
	degraded map[string]bool
	disposed bool

	writeMu  sync.Mutex
	takeover atomic.Bool
}

// New creates an inactive client. Call Activate to elect a role.
func New(opts *Options) *Client {
	if opts == nil {
		opts = &Options{}
	}
	if opts.Server.SocketPath == "" {
		opts.Server.SocketPath = lockfile.SocketPath()
	}
	if opts.Server.LockPath == "" {
		opts.Server.LockPath = lockfile.LockPath()
	}
	logger := opts.Logger
	if logger == nil {
		logger = opts.Server.Logger
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:   *opts,
		logger: logger.With("component", "pool-client"),
		role:   RoleInactive,
	}
}

// Role reports the current attachment.
func (c *Client) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Activate attaches this process to the pools. It tries, in order: a
// running server on the socket, winning the lockfile and leading, a
// bounded wait for a starting server, and finally forcing the lock from
// an unresponsive holder. Activating an already attached client is a
// no-op.
func (c *Client) Activate(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.role != RoleInactive {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.connect(); err == nil {
		return nil
	}

	lockPath := c.opts.Server.LockPath
	err := lockfile.Acquire(lockPath)
	if err == nil {
		return c.lead(ctx)
	}
	if !errors.Is(err, lockfile.ErrHeld) {
		return fmt.Errorf("acquire pool lock: %w", err)
	}

	// A live process holds the lock but the socket did not answer:
	// usually a server that is still starting up. Acquire reclaims the
	// lock itself if the holder dies meanwhile.
	for attempt := 1; attempt <= connectRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(connectBackoff):
		}
		if err := c.connect(); err == nil {
			return nil
		}
		if err := lockfile.Acquire(lockPath); err == nil {
			return c.lead(ctx)
		}
	}

	c.logger.Warn("Lock holder never answered, taking over", "lock", lockPath)
	if err := lockfile.ForceAcquire(lockPath); err != nil {
		return fmt.Errorf("force acquire pool lock: %w", err)
	}
	return c.lead(ctx)
}

// Attach connects to a running server without ever leading one. It is
// the activation used by commands that only make sense against a live
// server, where starting one as a side effect would be wrong.
func (c *Client) Attach() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.role != RoleInactive {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.connect()
}

// connect dials the server socket and completes the hello handshake.
// On success the client is attached and the read loop is running.
func (c *Client) connect() error {
	nc, err := net.DialTimeout("unix", c.opts.Server.SocketPath, connectTimeout)
	if err != nil {
		return err
	}
	hello := &protocol.Request{Type: protocol.TypeClientHello, ID: uuid.NewString()}
	if err := protocol.WriteFrame(nc, hello); err != nil {
		nc.Close()
		return fmt.Errorf("send hello: %w", err)
	}

	scanner := bufio.NewScanner(nc)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	_ = nc.SetReadDeadline(time.Now().Add(connectTimeout))

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		frame, err := protocol.DecodeFrame(line)
		if err != nil {
			continue
		}
		resp, ok := frame.(*protocol.Response)
		if !ok || resp.ID != hello.ID {
			// Broadcasts can land between dial and hello reply.
			continue
		}
		_ = nc.SetReadDeadline(time.Time{})

		// The hello answer carries pool status, so a client joining a
		// degraded server knows it from the start.
		degraded := make(map[string]bool)
		if resp.Status != nil {
			for _, p := range resp.Status.Pools {
				if p.Degraded {
					degraded[p.Name] = true
				}
			}
		}

		c.mu.Lock()
		if c.disposed {
			c.mu.Unlock()
			nc.Close()
			return ErrDisposed
		}
		c.nc = nc
		c.role = RoleClient
		c.pending = make(map[string]chan *protocol.Response)
		c.degraded = degraded
		c.mu.Unlock()

		c.logger.Info("Attached to running pool server",
			"socket", c.opts.Server.SocketPath, "version", resp.Version)
		go c.readLoop(nc, scanner)
		return nil
	}

	nc.Close()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("hello handshake: %w", err)
	}
	return errors.New("hello handshake: connection closed")
}

// lead starts an embedded server. The caller must hold the lockfile;
// on failure the lock is released again.
func (c *Client) lead(ctx context.Context) error {
	srvOpts := c.opts.Server
	userStop := srvOpts.OnStop
	// A remote dispose stops the embedded server out from under us;
	// flip back to inactive when that happens.
	srvOpts.OnStop = func() {
		c.onServerStopped()
		if userStop != nil {
			userStop()
		}
	}
	srv := server.New(&srvOpts)
	if err := srv.Start(ctx); err != nil {
		_ = lockfile.Release(c.opts.Server.LockPath)
		return fmt.Errorf("start pool server: %w", err)
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		srv.Stop()
		return ErrDisposed
	}
	c.srv = srv
	c.role = RoleServer
	c.mu.Unlock()

	c.logger.Info("Leading pool server",
		"socket", c.opts.Server.SocketPath, "pid", os.Getpid())
	return nil
}

// current snapshots the attachment.
func (c *Client) current() (Role, *server.Server) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role, c.srv
}

// GetCompletion requests a completion from the completion pool,
// wherever it runs. A nil result without an error means the pool had
// nothing to give.
func (c *Client) GetCompletion(ctx context.Context, prompt string) (*pool.Result, error) {
	role, srv := c.current()
	switch role {
	case RoleServer:
		return srv.Completion().GetCompletion(ctx, prompt)
	case RoleClient:
		resp, err := c.roundTrip(ctx, &protocol.Request{
			Type:   protocol.TypeCompletion,
			Prompt: prompt,
		})
		if err != nil {
			return nil, err
		}
		return resultFromResponse(resp)
	default:
		return nil, ErrInactive
	}
}

// SendCommand runs a one-shot prompt on the command pool. Zero timeout
// means the server default.
func (c *Client) SendCommand(ctx context.Context, prompt string, timeout time.Duration) (*pool.Result, error) {
	role, srv := c.current()
	switch role {
	case RoleServer:
		return srv.Command().SendCommand(ctx, prompt, timeout)
	case RoleClient:
		resp, err := c.roundTrip(ctx, &protocol.Request{
			Type:      protocol.TypeCommand,
			Prompt:    prompt,
			TimeoutMs: timeout.Milliseconds(),
		})
		if err != nil {
			return nil, err
		}
		return resultFromResponse(resp)
	default:
		return nil, ErrInactive
	}
}

func resultFromResponse(resp *protocol.Response) (*pool.Result, error) {
	if !resp.Success {
		return nil, errors.New(resp.Error)
	}
	if resp.Text == "" && resp.Meta == "" {
		return nil, nil
	}
	return &pool.Result{Text: resp.Text, Meta: resp.Meta}, nil
}

// Available reports whether the completion pool can serve. For a remote
// attachment this reflects the last degradation state pushed or handed
// over by the server.
func (c *Client) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.role {
	case RoleServer:
		return c.srv.Completion().Available()
	case RoleClient:
		return c.nc != nil && !c.degraded[protocol.PoolCompletion]
	default:
		return false
	}
}

// UpdateConfig swaps the backend config on both pools. Live sessions
// keep their config until recycled.
func (c *Client) UpdateConfig(cfg session.BackendConfig) error {
	role, srv := c.current()
	switch role {
	case RoleServer:
		srv.UpdateBackend(cfg)
		return nil
	case RoleClient:
		return c.acked(&protocol.Request{
			Type:   protocol.TypeConfigUpdate,
			Config: &cfg,
		})
	default:
		return ErrInactive
	}
}

// Recycle forces a recycle of every slot in the named pool. An empty
// name recycles both pools.
func (c *Client) Recycle(poolName string) error {
	role, srv := c.current()
	switch role {
	case RoleServer:
		return srv.RecycleAll(poolName)
	case RoleClient:
		return c.acked(&protocol.Request{Type: protocol.TypeRecycle, Pool: poolName})
	default:
		return ErrInactive
	}
}

// RecycleAll forces a recycle of every slot in both pools.
func (c *Client) RecycleAll() error {
	return c.Recycle("")
}

// Warmup restarts any degraded pool from scratch.
func (c *Client) Warmup() error {
	role, srv := c.current()
	switch role {
	case RoleServer:
		srv.Warmup()
		return nil
	case RoleClient:
		if err := c.acked(&protocol.Request{Type: protocol.TypeWarmup}); err != nil {
			return err
		}
		// The pools restarted; degradation, if it recurs, is pushed
		// again as an event.
		c.mu.Lock()
		if c.role == RoleClient {
			c.degraded = make(map[string]bool)
		}
		c.mu.Unlock()
		return nil
	default:
		return ErrInactive
	}
}

// Status snapshots the pools of whichever server this client is
// attached to.
func (c *Client) Status() (*protocol.Status, error) {
	role, srv := c.current()
	switch role {
	case RoleServer:
		return srv.Status(), nil
	case RoleClient:
		resp, err := c.roundTrip(context.Background(), &protocol.Request{Type: protocol.TypeStatus})
		if err != nil {
			return nil, err
		}
		if !resp.Success {
			return nil, errors.New(resp.Error)
		}
		if resp.Status == nil {
			return nil, errors.New("status response without payload")
		}
		return resp.Status, nil
	default:
		return nil, ErrInactive
	}
}

// Shutdown stops the pool server this process is attached to, local or
// remote, and detaches for good. The client does not reattach afterward.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	role, srv, nc := c.role, c.srv, c.nc
	c.mu.Unlock()

	switch role {
	case RoleServer:
		srv.Stop()
		return nil
	case RoleClient:
		err := c.acked(&protocol.Request{Type: protocol.TypeDispose})
		nc.Close()
		return err
	default:
		return ErrInactive
	}
}

// Dispose tears down this process's attachment. A leading client stops
// the server it runs; a following client drops its connection and
// leaves the server to the remaining processes.
func (c *Client) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	role, srv, nc := c.role, c.srv, c.nc
	c.mu.Unlock()

	switch role {
	case RoleServer:
		srv.Stop()
	case RoleClient:
		if nc != nil {
			nc.Close()
		}
	}
}

func (c *Client) onServerStopped() {
	c.mu.Lock()
	if c.role == RoleServer {
		c.role = RoleInactive
		c.srv = nil
	}
	c.mu.Unlock()
}
