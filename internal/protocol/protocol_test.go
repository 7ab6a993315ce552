package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Request
	}{
		{
			name: "completion",
			line: `{"type":"completion","id":"req-1","prompt":"hello"}`,
			want: Request{Type: TypeCompletion, ID: "req-1", Prompt: "hello"},
		},
		{
			name: "command with timeout",
			line: `{"type":"command","id":"req-2","prompt":"/reset","timeoutMs":5000}`,
			want: Request{Type: TypeCommand, ID: "req-2", Prompt: "/reset", TimeoutMs: 5000},
		},
		{
			name: "recycle scoped to one pool",
			line: `{"type":"recycle","id":"req-3","pool":"command"}`,
			want: Request{Type: TypeRecycle, ID: "req-3", Pool: "command"},
		},
		{
			name: "client hello",
			line: `{"type":"client-hello","id":"req-4"}`,
			want: Request{Type: TypeClientHello, ID: "req-4"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := DecodeFrame([]byte(tt.line))
			if err != nil {
				t.Fatalf("DecodeFrame() error = %v", err)
			}
			req, ok := frame.(*Request)
			if !ok {
				t.Fatalf("DecodeFrame() = %T, want *Request", frame)
			}
			if *req != tt.want {
				t.Errorf("DecodeFrame() = %+v, want %+v", *req, tt.want)
			}
		})
	}
}

func TestDecodeRequestConfig(t *testing.T) {
	line := `{"type":"config-update","id":"req-5","config":{"command":"llm serve","model":"small"}}`
	frame, err := DecodeFrame([]byte(line))
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	req, ok := frame.(*Request)
	if !ok {
		t.Fatalf("DecodeFrame() = %T, want *Request", frame)
	}
	if req.Config == nil {
		t.Fatal("expected config payload")
	}
	if req.Config.Command != "llm serve" || req.Config.Model != "small" {
		t.Errorf("config = %+v", *req.Config)
	}
}

func TestDecodeResponse(t *testing.T) {
	line := `{"type":"completion","id":"req-1","success":true,"text":"four","meta":"test-model"}`
	frame, err := DecodeFrame([]byte(line))
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	resp, ok := frame.(*Response)
	if !ok {
		t.Fatalf("DecodeFrame() = %T, want *Response", frame)
	}
	if !resp.Success || resp.Text != "four" || resp.Meta != "test-model" {
		t.Errorf("response = %+v", *resp)
	}

	line = `{"type":"command","id":"req-2","success":false,"error":"pool degraded"}`
	frame, err = DecodeFrame([]byte(line))
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	resp, ok = frame.(*Response)
	if !ok {
		t.Fatalf("DecodeFrame() = %T, want *Response", frame)
	}
	if resp.Success || resp.Error != "pool degraded" {
		t.Errorf("response = %+v", *resp)
	}
}

func TestDecodeEvent(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"type":"server-shutting-down"}`))
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	ev, ok := frame.(*Event)
	if !ok {
		t.Fatalf("DecodeFrame() = %T, want *Event", frame)
	}
	if ev.Type != EventServerShuttingDown {
		t.Errorf("event type = %q", ev.Type)
	}

	frame, err = DecodeFrame([]byte(`{"type":"pool-degraded","pool":"completion","reason":"warm-up exhausted"}`))
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	ev, ok = frame.(*Event)
	if !ok {
		t.Fatalf("DecodeFrame() = %T, want *Event", frame)
	}
	if ev.Pool != "completion" || ev.Reason != "warm-up exhausted" {
		t.Errorf("event = %+v", *ev)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"type":"teleport","id":"req-1"}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("DecodeFrame() error = %v, want ErrUnknownType", err)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"not json", `completion please`},
		{"missing type", `{"id":"req-1"}`},
		{"empty type", `{"type":"","id":"req-1"}`},
		{"request without id", `{"type":"completion","prompt":"hello"}`},
		{"event with id", `{"type":"pool-degraded","id":"req-1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame([]byte(tt.line))
			if !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("DecodeFrame(%q) error = %v, want ErrMalformedFrame", tt.line, err)
			}
		})
	}
}

func TestIsEvent(t *testing.T) {
	if !IsEvent([]byte(`{"type":"server-shutting-down"}`)) {
		t.Error("frame without id should be an event")
	}
	if IsEvent([]byte(`{"type":"completion","id":"req-1","success":true}`)) {
		t.Error("frame with id should not be an event")
	}
	if IsEvent([]byte(`not json`)) {
		t.Error("garbage should not be an event")
	}
}

func TestWriteFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := &Request{Type: TypeCompletion, ID: "req-9", Prompt: "ping"}
	if err := WriteFrame(&buf, req); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}
	if buf.Bytes()[buf.Len()-1] != '\n' {
		t.Fatal("frame is not newline terminated")
	}

	frame, err := DecodeFrame(buf.Bytes())
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	got, ok := frame.(*Request)
	if !ok {
		t.Fatalf("DecodeFrame() = %T, want *Request", frame)
	}
	if *got != *req {
		t.Errorf("round trip = %+v, want %+v", *got, *req)
	}
}
