// ABOUTME: In-memory Transport that records written frames, for tests.
// ABOUTME: Connect registers a recorded connection and runs its write loop.

// Package registrytest provides a recording transport for tests of packages
// that send frames through a registry.
package registrytest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/2389/hush-gateway/internal/protocol"
	"github.com/2389/hush-gateway/internal/registry"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("transport closed")

// Transport records every frame written to it.
type Transport struct {
	mu     sync.Mutex
	frames []protocol.Frame
	closed bool
	reason string

	// WriteErr, when set, fails every write.
	WriteErr error
}

// Write decodes and records data.
func (t *Transport) Write(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.WriteErr != nil {
		return t.WriteErr
	}
	f, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	t.frames = append(t.frames, f)
	return nil
}

// Close marks the transport closed.
func (t *Transport) Close(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.reason = reason
	return nil
}

// Frames returns a copy of the recorded frames.
func (t *Transport) Frames() []protocol.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.Frame, len(t.frames))
	copy(out, t.frames)
	return out
}

// FramesWithOp returns the recorded frames whose op matches.
func (t *Transport) FramesWithOp(op string) []protocol.Frame {
	var out []protocol.Frame
	for _, f := range t.Frames() {
		if f.Op == op {
			out = append(out, f)
		}
	}
	return out
}

// Reset discards the recorded frames.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = nil
}

// Closed reports whether Close was called and with which reason.
func (t *Transport) Closed() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.reason
}

// Connect registers a recorded connection for identity on reg and runs its
// write loop until the test ends.
func Connect(t *testing.T, reg *registry.Registry, identity string) (*registry.Conn, *Transport) {
	t.Helper()
	tr := &Transport{}
	conn := registry.NewConn(registry.ConnParams{Identity: identity, Transport: tr})
	reg.Register(conn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = conn.WriteLoop(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return conn, tr
}

// WaitForOp polls until tr has recorded n frames with op or the timeout passes.
func WaitForOp(t *testing.T, tr *Transport, op string, n int) []protocol.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		frames := tr.FramesWithOp(op)
		if len(frames) >= n {
			return frames
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d %q frames, got %d", n, op, len(frames))
		}
		time.Sleep(5 * time.Millisecond)
	}
}
