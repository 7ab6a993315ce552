package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smazurov/llmpool/internal/lockfile"
	"github.com/smazurov/llmpool/internal/protocol"
	"github.com/smazurov/llmpool/internal/server"
	"github.com/smazurov/llmpool/internal/session"
)

// stubChannel answers the first send (the warm-up probe) with "four"
// and echoes prompts afterwards. With wrong set it never passes
// warm-up.
type stubChannel struct {
	wrong bool

	mu     sync.Mutex
	out    chan session.Event
	calls  int
	closed bool
}

func newStubChannel(wrong bool) *stubChannel {
	return &stubChannel{wrong: wrong, out: make(chan session.Event, 8)}
}

func (c *stubChannel) Send(msg session.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return session.ErrClosed
	}
	c.calls++
	text := "echo:" + msg.Prompt
	if c.calls == 1 {
		text = "four"
	}
	if c.wrong {
		text = "banana"
	}
	c.out <- session.Event{Text: text, Model: "stub"}
	return nil
}

func (c *stubChannel) Events() <-chan session.Event { return c.out }

func (c *stubChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

func stubFactory(_ session.BackendConfig, _ *slog.Logger) (session.Channel, error) {
	return newStubChannel(false), nil
}

func wrongFactory(_ session.BackendConfig, _ *slog.Logger) (session.Channel, error) {
	return newStubChannel(true), nil
}

// flipFactory spawns wrong or healthy channels depending on its switch.
type flipFactory struct{ wrong atomic.Bool }

func (f *flipFactory) spawn(_ session.BackendConfig, _ *slog.Logger) (session.Channel, error) {
	return newStubChannel(f.wrong.Load()), nil
}

// recordingFactory remembers the config of every spawn.
type recordingFactory struct {
	mu      sync.Mutex
	configs []session.BackendConfig
}

func (f *recordingFactory) spawn(cfg session.BackendConfig, _ *slog.Logger) (session.Channel, error) {
	f.mu.Lock()
	f.configs = append(f.configs, cfg)
	f.mu.Unlock()
	return newStubChannel(false), nil
}

func (f *recordingFactory) spawned() []session.BackendConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.BackendConfig(nil), f.configs...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func poolPaths(t *testing.T) (socket, lock string) {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "llmpool.sock"), filepath.Join(dir, "llmpool.lock")
}

func testClient(t *testing.T, socket, lock string, factory session.Factory) *Client {
	t.Helper()
	c := New(&Options{
		Server: server.Options{
			SocketPath:      socket,
			LockPath:        lock,
			Backend:         session.BackendConfig{Command: "stub serve"},
			CompletionSlots: 2,
			CommandSlots:    1,
			Factory:         factory,
			Logger:          testLogger(),
		},
		Logger: testLogger(),
	})
	t.Cleanup(c.Dispose)
	return c
}

func activate(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Activate(ctx); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
}

// deadPID returns a pid that certainly belonged to an exited process.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("running true: %v", err)
	}
	return cmd.Process.Pid
}

func plantLock(t *testing.T, path string, pid int) {
	t.Helper()
	rec := fmt.Sprintf("{\n  \"pid\": %d,\n  \"timestamp\": \"2024-01-01T00:00:00Z\"\n}", pid)
	if err := os.WriteFile(path, []byte(rec), 0o600); err != nil {
		t.Fatalf("planting lock: %v", err)
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestActivateLeadsWhenAlone(t *testing.T) {
	socket, lock := poolPaths(t)
	c := testClient(t, socket, lock, stubFactory)

	activate(t, c)
	if got := c.Role(); got != RoleServer {
		t.Fatalf("Role() = %q, want %q", got, RoleServer)
	}

	res, err := c.GetCompletion(context.Background(), "hello")
	if err != nil {
		t.Fatalf("GetCompletion() error = %v", err)
	}
	if res == nil || res.Text != "echo:hello" {
		t.Errorf("GetCompletion() = %+v, want echo:hello", res)
	}

	rec, alive, err := lockfile.Holder(lock)
	if err != nil {
		t.Fatalf("Holder() error = %v", err)
	}
	if rec == nil || !alive || rec.PID != os.Getpid() {
		t.Errorf("lock holder = %+v alive=%v, want own live pid", rec, alive)
	}

	// A second activation is a no-op.
	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("second Activate() error = %v", err)
	}
	if got := c.Role(); got != RoleServer {
		t.Errorf("Role() after re-activation = %q, want %q", got, RoleServer)
	}
}

func TestActivateJoinsRunningServer(t *testing.T) {
	socket, lock := poolPaths(t)
	leader := testClient(t, socket, lock, stubFactory)
	activate(t, leader)

	follower := testClient(t, socket, lock, stubFactory)
	activate(t, follower)
	if got := follower.Role(); got != RoleClient {
		t.Fatalf("follower Role() = %q, want %q", got, RoleClient)
	}
	if !follower.Available() {
		t.Error("follower Available() = false against a healthy server")
	}

	res, err := follower.GetCompletion(context.Background(), "shared")
	if err != nil {
		t.Fatalf("GetCompletion() error = %v", err)
	}
	if res == nil || res.Text != "echo:shared" {
		t.Errorf("GetCompletion() = %+v, want echo:shared", res)
	}

	res, err = follower.SendCommand(context.Background(), "run", 2*time.Second)
	if err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	if res == nil || res.Text != "echo:run" {
		t.Errorf("SendCommand() = %+v, want echo:run", res)
	}

	st, err := follower.Status()
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(st.Pools) != 2 {
		t.Errorf("Status() pools = %d, want 2", len(st.Pools))
	}
	if st.Version == "" {
		t.Error("Status() version is empty")
	}
}

func TestAttachOnlyNeverLeads(t *testing.T) {
	socket, lock := poolPaths(t)
	c := testClient(t, socket, lock, stubFactory)

	if err := c.Attach(); err == nil {
		t.Fatal("Attach() succeeded with no server running")
	}
	if got := c.Role(); got != RoleInactive {
		t.Fatalf("Role() = %q, want %q", got, RoleInactive)
	}
	if rec, _, _ := lockfile.Holder(lock); rec != nil {
		t.Errorf("Attach() left a lock record: %+v", rec)
	}
	if _, err := c.GetCompletion(context.Background(), "x"); !errors.Is(err, ErrInactive) {
		t.Errorf("GetCompletion() error = %v, want %v", err, ErrInactive)
	}

	leader := testClient(t, socket, lock, stubFactory)
	activate(t, leader)

	if err := c.Attach(); err != nil {
		t.Fatalf("Attach() with server running error = %v", err)
	}
	if got := c.Role(); got != RoleClient {
		t.Errorf("Role() = %q, want %q", got, RoleClient)
	}
}

func TestActivateReclaimsDeadHoldersLock(t *testing.T) {
	socket, lock := poolPaths(t)
	plantLock(t, lock, deadPID(t))

	c := testClient(t, socket, lock, stubFactory)
	activate(t, c)
	if got := c.Role(); got != RoleServer {
		t.Fatalf("Role() = %q, want %q", got, RoleServer)
	}
	rec, _, err := lockfile.Holder(lock)
	if err != nil {
		t.Fatalf("Holder() error = %v", err)
	}
	if rec == nil || rec.PID != os.Getpid() {
		t.Errorf("lock holder = %+v, want own pid", rec)
	}
}

func TestActivateForcesWedgedLock(t *testing.T) {
	socket, lock := poolPaths(t)
	// A live process holds the lock but never brings up a socket.
	plantLock(t, lock, os.Getpid())

	c := testClient(t, socket, lock, stubFactory)
	start := time.Now()
	activate(t, c)
	if got := c.Role(); got != RoleServer {
		t.Fatalf("Role() = %q, want %q", got, RoleServer)
	}
	if elapsed := time.Since(start); elapsed < connectRetries*connectBackoff {
		t.Errorf("activation returned after %v, want the full retry window first", elapsed)
	}
}

func TestFailoverPromotesFollower(t *testing.T) {
	socket, lock := poolPaths(t)
	leader := testClient(t, socket, lock, stubFactory)
	activate(t, leader)
	follower := testClient(t, socket, lock, stubFactory)
	activate(t, follower)

	leader.Dispose()

	waitUntil(t, 5*time.Second, func() bool { return follower.Role() == RoleServer })

	res, err := follower.GetCompletion(context.Background(), "after")
	if err != nil {
		t.Fatalf("GetCompletion() after takeover error = %v", err)
	}
	if res == nil || res.Text != "echo:after" {
		t.Errorf("GetCompletion() = %+v, want echo:after", res)
	}
}

func TestShutdownStopsRemoteServer(t *testing.T) {
	socket, lock := poolPaths(t)
	leader := testClient(t, socket, lock, stubFactory)
	activate(t, leader)
	follower := testClient(t, socket, lock, stubFactory)
	activate(t, follower)

	if err := follower.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	waitUntil(t, 5*time.Second, func() bool { return leader.Role() == RoleInactive })
	waitUntil(t, 5*time.Second, func() bool { return follower.Role() == RoleInactive })

	rec, _, err := lockfile.Holder(lock)
	if err != nil {
		t.Fatalf("Holder() error = %v", err)
	}
	if rec != nil {
		t.Errorf("lock record survived shutdown: %+v", rec)
	}

	probe := testClient(t, socket, lock, stubFactory)
	if err := probe.Attach(); err == nil {
		t.Error("Attach() succeeded after shutdown")
	}
}

func TestJoinerSeesDegradationFromHello(t *testing.T) {
	socket, lock := poolPaths(t)
	leader := testClient(t, socket, lock, wrongFactory)
	activate(t, leader)
	waitUntil(t, 5*time.Second, func() bool { return !leader.Available() })

	follower := testClient(t, socket, lock, stubFactory)
	if err := follower.Attach(); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if follower.Available() {
		t.Error("Available() = true after joining a degraded server")
	}
}

func TestDegradationEventFlipsAvailable(t *testing.T) {
	socket, lock := poolPaths(t)
	flip := &flipFactory{}
	leader := testClient(t, socket, lock, flip.spawn)
	activate(t, leader)
	follower := testClient(t, socket, lock, stubFactory)
	activate(t, follower)
	if !follower.Available() {
		t.Fatal("follower Available() = false before degradation")
	}

	flip.wrong.Store(true)
	if err := leader.RecycleAll(); err != nil {
		t.Fatalf("RecycleAll() error = %v", err)
	}
	waitUntil(t, 5*time.Second, func() bool { return !follower.Available() })

	// Recovery: healthy spawns again, a warmup request restarts the
	// pools and clears the follower's degraded view.
	flip.wrong.Store(false)
	if err := follower.Warmup(); err != nil {
		t.Fatalf("Warmup() error = %v", err)
	}
	waitUntil(t, 5*time.Second, func() bool { return follower.Available() })

	res, err := follower.GetCompletion(context.Background(), "back")
	if err != nil {
		t.Fatalf("GetCompletion() after recovery error = %v", err)
	}
	if res == nil || res.Text != "echo:back" {
		t.Errorf("GetCompletion() = %+v, want echo:back", res)
	}
}

func TestFollowerConfigUpdateAndRecycle(t *testing.T) {
	socket, lock := poolPaths(t)
	rec := &recordingFactory{}
	leader := testClient(t, socket, lock, rec.spawn)
	activate(t, leader)
	follower := testClient(t, socket, lock, stubFactory)
	activate(t, follower)

	next := session.BackendConfig{Command: "stub v2", Model: "m2"}
	if err := follower.UpdateConfig(next); err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}
	if err := follower.RecycleAll(); err != nil {
		t.Fatalf("RecycleAll() error = %v", err)
	}

	waitUntil(t, 5*time.Second, func() bool {
		spawned := rec.spawned()
		return len(spawned) > 0 && spawned[len(spawned)-1] == next
	})
}

func TestRoundTripFailsWhenServerDrops(t *testing.T) {
	dir := t.TempDir()
	socket := filepath.Join(dir, "llmpool.sock")
	ln, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	// Answers the hello, then hangs up on the first real request.
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		sc := bufio.NewScanner(nc)
		sc.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
		for sc.Scan() {
			frame, err := protocol.DecodeFrame(bytes.TrimSpace(sc.Bytes()))
			if err != nil {
				continue
			}
			req, ok := frame.(*protocol.Request)
			if !ok {
				continue
			}
			if req.Type == protocol.TypeClientHello {
				_ = protocol.WriteFrame(nc, &protocol.Response{
					Type: req.Type, ID: req.ID, Success: true, Version: "test",
				})
				continue
			}
			return
		}
	}()

	c := testClient(t, socket, filepath.Join(dir, "llmpool.lock"), stubFactory)
	if err := c.Attach(); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if _, err := c.GetCompletion(context.Background(), "hi"); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("GetCompletion() error = %v, want %v", err, ErrConnectionLost)
	}
}
