package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/smazurov/llmpool/internal/lockfile"
	"github.com/smazurov/llmpool/internal/protocol"
)

// readLoop owns the receiving side of a client attachment. It exits
// when the connection drops and then runs the reattach path.
func (c *Client) readLoop(nc net.Conn, scanner *bufio.Scanner) {
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		frame, err := protocol.DecodeFrame(line)
		if err != nil {
			c.logger.Warn("Dropping bad frame from server", "error", err)
			continue
		}
		switch f := frame.(type) {
		case *protocol.Response:
			c.deliver(f)
		case *protocol.Event:
			c.handleEvent(nc, f)
		default:
			c.logger.Warn("Dropping unexpected frame from server")
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Debug("Server connection read ended", "error", err)
	}
	c.onDisconnect(nc)
}

// deliver routes a response to its waiting round trip. Responses nobody
// waits for anymore are dropped.
func (c *Client) deliver(resp *protocol.Response) {
	c.mu.Lock()
	ch := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.mu.Unlock()
	if ch != nil {
		ch <- resp
	}
}

func (c *Client) handleEvent(nc net.Conn, ev *protocol.Event) {
	switch ev.Type {
	case protocol.EventPoolDegraded:
		c.logger.Warn("Server pool degraded", "pool", ev.Pool, "reason", ev.Reason)
		c.mu.Lock()
		if c.degraded != nil {
			c.degraded[ev.Pool] = true
		}
		c.mu.Unlock()
	case protocol.EventServerShuttingDown:
		c.logger.Info("Server announced shutdown")
		// Dropping the connection now starts the reattach without
		// waiting for the close to land.
		nc.Close()
	}
}

// onDisconnect clears the attachment, fails every in-flight round trip,
// and kicks off reattachment unless the client was disposed.
func (c *Client) onDisconnect(nc net.Conn) {
	c.mu.Lock()
	if c.nc != nc {
		// A newer attachment already replaced this one.
		c.mu.Unlock()
		nc.Close()
		return
	}
	pending := c.pending
	disposed := c.disposed
	c.nc = nil
	c.pending = nil
	c.degraded = nil
	c.role = RoleInactive
	c.mu.Unlock()

	nc.Close()
	for _, ch := range pending {
		close(ch)
	}
	if disposed {
		return
	}
	c.logger.Warn("Lost pool server connection", "pending", len(pending))
	go c.reattach()
}

// reattach runs after a server loss: connect to whoever leads now, or
// win the lock and lead ourselves. Gives up after a bounded number of
// attempts and leaves the client inactive.
func (c *Client) reattach() {
	if !c.takeover.CompareAndSwap(false, true) {
		return
	}
	defer c.takeover.Store(false)

	for attempt := 1; attempt <= takeoverMaxAttempts; attempt++ {
		time.Sleep(time.Duration(attempt) * takeoverBackoffStep)

		c.mu.Lock()
		disposed, role := c.disposed, c.role
		c.mu.Unlock()
		if disposed || role != RoleInactive {
			return
		}

		if err := c.connect(); err == nil {
			c.logger.Info("Reattached to new pool server", "attempt", attempt)
			return
		}
		if err := lockfile.Acquire(c.opts.Server.LockPath); err == nil {
			if err := c.lead(context.Background()); err == nil {
				c.logger.Info("Took over as pool server", "attempt", attempt)
				return
			}
		}
	}
	c.logger.Error("Could not reattach after server loss", "attempts", takeoverMaxAttempts)
}

// roundTrip sends one request and waits for its response. Every exit
// path clears the pending entry.
func (c *Client) roundTrip(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	req.ID = uuid.NewString()
	ch := make(chan *protocol.Response, 1)

	c.mu.Lock()
	if c.role != RoleClient || c.nc == nil {
		c.mu.Unlock()
		return nil, ErrInactive
	}
	nc := c.nc
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := protocol.WriteFrame(nc, req)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(req.ID)
		nc.Close()
		return nil, fmt.Errorf("send %s request: %w", req.Type, err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(req.ID)
		return nil, ctx.Err()
	case <-timer.C:
		c.forget(req.ID)
		return nil, fmt.Errorf("%s request after %s: %w", req.Type, requestTimeout, ErrTimeout)
	}
}

// acked round-trips a request whose response carries no payload.
func (c *Client) acked(req *protocol.Request) error {
	resp, err := c.roundTrip(context.Background(), req)
	if err != nil {
		return err
	}
	if !resp.Success {
		return errors.New(resp.Error)
	}
	return nil
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
