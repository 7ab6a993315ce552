// Package protocol defines the newline-delimited JSON frames exchanged
// over the pool server's Unix socket. The frame set is a closed tagged
// union: requests carry an id, responses echo it, events carry none.
// Unknown or malformed tags are rejected at the decode boundary.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/smazurov/llmpool/internal/pool"
	"github.com/smazurov/llmpool/internal/session"
)

// Request types.
const (
	TypeCompletion   = "completion"
	TypeCommand      = "command"
	TypeStatus       = "status"
	TypeConfigUpdate = "config-update"
	TypeRecycle      = "recycle"
	TypeWarmup       = "warmup"
	TypeDispose      = "dispose"
	TypeClientHello  = "client-hello"
)

// Event types. Events are pushed by the server without a preceding request.
const (
	EventServerShuttingDown = "server-shutting-down"
	EventPoolDegraded       = "pool-degraded"
)

// Pool names addressed by scoped requests and status frames.
const (
	PoolCompletion = "completion"
	PoolCommand    = "command"
)

var (
	// ErrMalformedFrame indicates a frame that is not valid JSON or
	// violates the id rules for its tag.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnknownType indicates a frame whose type tag is not part of
	// the protocol.
	ErrUnknownType = errors.New("unknown frame type")
)

// Request is a client-to-server frame. ID is caller-chosen and opaque to
// the server; it is echoed verbatim in the response. Only the fields
// relevant to the request type are populated.
type Request struct {
	Type string `json:"type"`
	ID   string `json:"id"`

	// Prompt carries the completion or command text.
	Prompt string `json:"prompt,omitempty"`

	// TimeoutMs bounds command execution on the server side. Zero means
	// the server default.
	TimeoutMs int64 `json:"timeoutMs,omitempty"`

	// Config carries the new backend settings for config-update.
	Config *session.BackendConfig `json:"config,omitempty"`

	// Pool optionally names a single pool for recycle requests.
	Pool string `json:"pool,omitempty"`
}

// Response is a server-to-client frame answering exactly one request.
// Type and ID echo the request.
type Response struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Success bool   `json:"success"`

	// Text and Meta carry the completion result. Both empty with
	// Success true means "no completion" (displaced waiter, stream
	// failure, degraded pool).
	Text string `json:"text,omitempty"`
	Meta string `json:"meta,omitempty"`

	// Error is set when Success is false.
	Error string `json:"error,omitempty"`

	// Status is populated for status requests.
	Status *Status `json:"status,omitempty"`

	// Version is the server build version, populated for client-hello
	// and status responses.
	Version string `json:"version,omitempty"`
}

// Event is a server push frame. It carries no id.
type Event struct {
	Type   string `json:"type"`
	Pool   string `json:"pool,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Status describes the server's pools for status responses.
type Status struct {
	PID     int          `json:"pid"`
	Version string       `json:"version"`
	Pools   []PoolStatus `json:"pools"`
}

// PoolStatus is the per-pool slice of a status response.
type PoolStatus struct {
	Name     string          `json:"name"`
	Degraded bool            `json:"degraded"`
	Slots    []pool.SlotInfo `json:"slots"`
}

// probe holds just enough of a frame to classify it without committing
// to a shape. Pointer fields distinguish absent from zero.
type probe struct {
	Type    *string `json:"type"`
	ID      *string `json:"id"`
	Success *bool   `json:"success"`
}

// DecodeFrame classifies and decodes one line into a *Request,
// *Response, or *Event. Request tags with a success field decode as
// responses, so both ends of the socket share one entry point.
func DecodeFrame(line []byte) (any, error) {
	var p probe
	if err := json.Unmarshal(line, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if p.Type == nil || *p.Type == "" {
		return nil, fmt.Errorf("%w: missing type tag", ErrMalformedFrame)
	}

	switch {
	case isRequestType(*p.Type):
		if p.ID == nil || *p.ID == "" {
			return nil, fmt.Errorf("%w: %s frame without id", ErrMalformedFrame, *p.Type)
		}
		if p.Success != nil {
			var resp Response
			if err := json.Unmarshal(line, &resp); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
			}
			return &resp, nil
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return &req, nil

	case isEventType(*p.Type):
		if p.ID != nil {
			return nil, fmt.Errorf("%w: %s event carries an id", ErrMalformedFrame, *p.Type)
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return &ev, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, *p.Type)
	}
}

// IsEvent reports whether a frame is a server push rather than a
// response. Events are distinguished structurally by the absent id.
func IsEvent(line []byte) bool {
	var p probe
	if err := json.Unmarshal(line, &p); err != nil {
		return false
	}
	return p.Type != nil && p.ID == nil
}

// WriteFrame marshals one frame and writes it as a single line. The
// payload goes out in one Write call so concurrent writers serialized
// by a mutex never interleave partial frames.
func WriteFrame(w io.Writer, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

func isRequestType(t string) bool {
	switch t {
	case TypeCompletion, TypeCommand, TypeStatus, TypeConfigUpdate,
		TypeRecycle, TypeWarmup, TypeDispose, TypeClientHello:
		return true
	}
	return false
}

func isEventType(t string) bool {
	switch t {
	case EventServerShuttingDown, EventPoolDegraded:
		return true
	}
	return false
}
