// ABOUTME: In-memory hub.Conn that records frames for tests
// ABOUTME: Lets tests wait for events by type and inspect close codes

package hubtest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/EmanuProds/Notary-Connect-sub000/internal/hub"
)

// Conn records every frame written to it.
type Conn struct {
	mu       sync.Mutex
	frames   []hub.Frame
	notify   chan struct{}
	closed   bool
	code     int
	reason   string
	block    chan struct{}
	stalled  chan struct{}
	writeErr error
}

func NewConn() *Conn {
	return &Conn{notify: make(chan struct{}, 1)}
}

// Blocking returns a Conn whose writes hang until Release is called.
func Blocking() *Conn {
	c := NewConn()
	c.block = make(chan struct{})
	c.stalled = make(chan struct{}, 1)
	return c
}

// Stalled fires once a write is hanging inside a Blocking conn.
func (c *Conn) Stalled() <-chan struct{} { return c.stalled }

// Release unblocks a Blocking conn.
func (c *Conn) Release() { close(c.block) }

// FailWrites makes every later write return err.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *Conn) Write(ctx context.Context, data []byte) error {
	if c.block != nil {
		select {
		case c.stalled <- struct{}{}:
		default:
		}
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	var f hub.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	c.mu.Lock()
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return err
	}
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.code = code
		c.reason = reason
	}
	return nil
}

// Closed returns whether the conn was closed and with which code.
func (c *Conn) Closed() (bool, int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.code, c.reason
}

// Frames returns a copy of everything written so far.
func (c *Conn) Frames() []hub.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]hub.Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

// Types returns the type of every frame written so far.
func (c *Conn) Types() []string {
	frames := c.Frames()
	types := make([]string, len(frames))
	for i, f := range frames {
		types[i] = f.Type
	}
	return types
}

// Count returns how many frames of eventType were written.
func (c *Conn) Count(eventType string) int {
	n := 0
	for _, f := range c.Frames() {
		if f.Type == eventType {
			n++
		}
	}
	return n
}

// Wait blocks until a frame of eventType has been written and decodes the
// first one into v. It reports false on timeout.
func (c *Conn) Wait(eventType string, v any, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		for _, f := range c.Frames() {
			if f.Type == eventType {
				if v != nil {
					_ = json.Unmarshal(f.Payload, v)
				}
				return true
			}
		}
		select {
		case <-c.notify:
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// WaitMatch is Wait for the first frame of eventType that, once decoded into
// v, satisfies match.
func (c *Conn) WaitMatch(eventType string, v any, match func() bool, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		for _, f := range c.Frames() {
			if f.Type != eventType {
				continue
			}
			if err := json.Unmarshal(f.Payload, v); err == nil && match() {
				return true
			}
		}
		select {
		case <-c.notify:
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Last decodes the most recent frame of eventType into v.
func (c *Conn) Last(eventType string, v any) bool {
	frames := c.Frames()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Type == eventType {
			if v != nil {
				_ = json.Unmarshal(frames[i].Payload, v)
			}
			return true
		}
	}
	return false
}
