package server

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"github.com/smazurov/llmpool/internal/pool"
	"github.com/smazurov/llmpool/internal/protocol"
)

// maxFrameSize caps a single request line.
const maxFrameSize = 1 << 20

// conn is one accepted client connection. Reads run on the serve
// goroutine; writes are serialized so responses and broadcast events
// never interleave mid-frame.
type conn struct {
	nc  net.Conn
	srv *Server

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConn(nc net.Conn, srv *Server) *conn {
	return &conn{nc: nc, srv: srv}
}

func (c *conn) serve() {
	defer func() {
		c.srv.removeConn(c)
		c.close()
	}()

	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		frame, err := protocol.DecodeFrame(line)
		if err != nil {
			c.srv.logger.Warn("Dropping bad frame", "error", err)
			continue
		}
		req, ok := frame.(*protocol.Request)
		if !ok {
			c.srv.logger.Warn("Dropping non-request frame")
			continue
		}
		// Completions block while waiting for a slot, so every request
		// runs on its own goroutine and one connection can multiplex.
		go c.dispatch(req)
	}
	if err := scanner.Err(); err != nil {
		c.srv.logger.Debug("Connection read ended", "error", err)
	}
}

func (c *conn) dispatch(req *protocol.Request) {
	s := c.srv
	resp := &protocol.Response{Type: req.Type, ID: req.ID, Success: true}

	switch req.Type {
	case protocol.TypeClientHello:
		resp.Version = s.Version()
		resp.Status = s.Status()

	case protocol.TypeCompletion:
		res, err := s.completion.GetCompletion(context.Background(), req.Prompt)
		fillResult(resp, res, err)

	case protocol.TypeCommand:
		timeout := time.Duration(req.TimeoutMs) * time.Millisecond
		res, err := s.command.SendCommand(context.Background(), req.Prompt, timeout)
		fillResult(resp, res, err)

	case protocol.TypeStatus:
		resp.Status = s.Status()
		resp.Version = s.Version()

	case protocol.TypeConfigUpdate:
		if req.Config == nil {
			resp.Success = false
			resp.Error = "config-update without config payload"
		} else {
			s.UpdateBackend(*req.Config)
		}

	case protocol.TypeRecycle:
		if err := s.RecycleAll(req.Pool); err != nil {
			resp.Success = false
			resp.Error = err.Error()
		}

	case protocol.TypeWarmup:
		s.Warmup()

	case protocol.TypeDispose:
		// Ack before tearing everything down.
		if err := c.write(resp); err != nil {
			s.logger.Debug("Dispose ack failed", "error", err)
		}
		s.Stop()
		return
	}

	if err := c.write(resp); err != nil {
		s.logger.Debug("Response write failed", "id", req.ID, "error", err)
	}
}

// fillResult maps a pool result onto a response. A nil result without
// an error stays successful with an empty text: "no completion".
func fillResult(resp *protocol.Response, res *pool.Result, err error) {
	if err != nil {
		resp.Success = false
		resp.Error = err.Error()
		return
	}
	if res != nil {
		resp.Text = res.Text
		resp.Meta = res.Meta
	}
}

func (c *conn) write(frame any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.WriteFrame(c.nc, frame)
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.nc.Close()
	})
}
