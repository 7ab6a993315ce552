package session

import (
	"errors"
	"log/slog"
)

// ErrClosed is returned by Send after the channel has been closed.
var ErrClosed = errors.New("session channel closed")

// Message is one input pushed to a backend session.
type Message struct {
	Prompt string `json:"prompt"`
}

// Event is one structured output from a backend session.
// A read or exit failure surfaces as a final event with Err set,
// after which the event channel closes.
type Event struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
	Err   string `json:"error,omitempty"`
}

// Channel is the conduit between one pool slot and one backend session.
// The caller is responsible for keeping at most one message in flight;
// the channel only guarantees ordered delivery.
type Channel interface {
	// Send pushes one input message. Fails with ErrClosed after Close.
	Send(Message) error

	// Events returns the output sequence. Closed exactly once, after the
	// session terminates and any final error event has been delivered.
	Events() <-chan Event

	// Close terminates the backend session. Idempotent and non-blocking;
	// escalation from SIGINT to SIGKILL happens in the background.
	Close()
}

// Factory opens a fresh Channel for a slot.
type Factory func(cfg BackendConfig, logger *slog.Logger) (Channel, error)

// BackendConfig describes how to launch a backend session process.
type BackendConfig struct {
	// Command is the backend command line. Parsed with quote awareness,
	// no shell interpretation.
	Command string `json:"command"`

	// Model is appended as "--model <name>" when non-empty.
	Model string `json:"model,omitempty"`
}

// Argv returns the parsed argument vector for the configured command.
func (c BackendConfig) Argv() ([]string, error) {
	args, err := parseCommand(c.Command)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, errors.New("empty backend command")
	}
	if c.Model != "" {
		args = append(args, "--model", c.Model)
	}
	return args, nil
}
