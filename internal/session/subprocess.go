package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// eventBufferSize bounds how far the backend can run ahead of the consumer.
	eventBufferSize = 4

	// maxLineSize is the scanner buffer limit for one backend output line.
	maxLineSize = 1 << 20
)

// subprocess is a Channel backed by one long-lived backend process speaking
// newline-delimited JSON on stdin/stdout.
type subprocess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan Event
	stop   chan struct{} // closed by Close, unblocks a producer with no consumer
	logger *slog.Logger

	graceTimeout time.Duration // wait after SIGINT before SIGKILL
	killTimeout  time.Duration // wait after SIGKILL before giving up

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once

	pipesDone   sync.WaitGroup
	processDone chan error
}

// Spawn launches the backend process described by cfg and returns its Channel.
func Spawn(cfg BackendConfig, logger *slog.Logger) (Channel, error) {
	args, err := cfg.Argv()
	if err != nil {
		return nil, fmt.Errorf("invalid backend command: %w", err)
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start backend: %w", err)
	}

	s := &subprocess{
		cmd:          cmd,
		stdin:        stdin,
		events:       make(chan Event, eventBufferSize),
		stop:         make(chan struct{}),
		logger:       logger,
		graceTimeout: 3 * time.Second,
		killTimeout:  5 * time.Second,
		processDone:  make(chan error, 1),
	}

	s.logger.Debug("Backend session started", "pid", cmd.Process.Pid, "command", cfg.Command)

	s.pipesDone.Add(2)
	go s.readEvents(stdout)
	go s.drainStderr(stderr)

	// Wait must run after both pipes are fully read.
	go func() {
		s.pipesDone.Wait()
		err := cmd.Wait()
		s.processDone <- err
		s.finish(err)
	}()

	return s, nil
}

// Send pushes one input message as a JSON line on the backend's stdin.
func (s *subprocess) Send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	data = append(data, '\n')

	if _, err := s.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to backend: %w", err)
	}
	return nil
}

// Events returns the output event sequence.
func (s *subprocess) Events() <-chan Event {
	return s.events
}

// Close terminates the backend session. Stdin is closed so a well-behaved
// backend exits on its own; SIGINT and SIGKILL follow in the background if
// it does not.
func (s *subprocess) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.stop)
		_ = s.stdin.Close()

		if s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(syscall.SIGINT)
		}

		go s.escalate()
	})
}

// escalate force-kills the backend if it ignores the graceful shutdown.
func (s *subprocess) escalate() {
	select {
	case <-s.processDone:
		return
	case <-time.After(s.graceTimeout):
	}

	s.logger.Warn("Backend ignored graceful shutdown, killing", "pid", s.cmd.Process.Pid)
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Error("Failed to kill backend", "error", err)
	}

	select {
	case <-s.processDone:
	case <-time.After(s.killTimeout):
		s.logger.Error("Backend did not exit after kill signal")
	}
}

// readEvents decodes stdout lines into Events. Non-JSON lines (banners,
// progress noise) are skipped.
func (s *subprocess) readEvents(r io.Reader) {
	defer s.pipesDone.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			s.logger.Debug("Skipping non-event output line", "line", line)
			continue
		}

		select {
		case s.events <- ev:
		case <-s.stop:
			// Consumer is gone and the session is closing, stop reading.
			return
		}
	}

	if err := scanner.Err(); err != nil {
		s.logger.Warn("Error reading backend output", "error", err)
	}
}

// drainStderr logs backend diagnostics at debug level.
func (s *subprocess) drainStderr(r io.Reader) {
	defer s.pipesDone.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		s.logger.Debug(scanner.Text())
	}
}

// finish emits a terminal error event for unexpected exits and closes the
// event channel. Deliberate Close produces a clean close with no error event.
func (s *subprocess) finish(exitErr error) {
	s.mu.Lock()
	closed := s.closed
	s.closed = true
	s.mu.Unlock()

	if !closed {
		reason := "session exited"
		if exitErr != nil {
			reason = fmt.Sprintf("session exited: %v", exitErr)
		}
		select {
		case s.events <- Event{Err: reason}:
		case <-s.stop:
		}
		s.logger.Warn("Backend session ended unexpectedly", "error", exitErr)
	}

	close(s.events)
}
