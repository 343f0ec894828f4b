// ABOUTME: In-memory transport, dialer and timer doubles for client tests
// ABOUTME: Timers fire only when the test asks, so reconnect delays are deterministic

package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/hush-gateway/internal/protocol"
)

var errFakeClosed = errors.New("fake conn closed")

type fakeConn struct {
	in        chan []byte
	done      chan struct{}
	closeOnce sync.Once
	stalled   atomic.Bool

	mu       sync.Mutex
	written  []protocol.Frame
	writeErr error
	reason   string
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		return nil, errFakeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	if c.stalled.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return errFakeClosed
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	f, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	c.written = append(c.written, f)
	return nil
}

func (c *fakeConn) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *fakeConn) frames() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Frame(nil), c.written...)
}

// waitFrames waits until at least n frames were written.
func (c *fakeConn) waitFrames(t *testing.T, n int) []protocol.Frame {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.frames()) >= n }, 2*time.Second, 5*time.Millisecond)
	return c.frames()
}

// waitOp waits until at least n frames with op were written.
func (c *fakeConn) waitOp(t *testing.T, op string, n int) []protocol.Frame {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.framesWithOp(op)) >= n }, 2*time.Second, 5*time.Millisecond)
	return c.framesWithOp(op)
}

func (c *fakeConn) framesWithOp(op string) []protocol.Frame {
	var out []protocol.Frame
	for _, f := range c.frames() {
		if f.Op == op {
			out = append(out, f)
		}
	}
	return out
}

// push delivers a server frame to the client.
func (c *fakeConn) push(t *testing.T, op string, data any) {
	t.Helper()
	raw, err := protocol.MustFrame(op, data).Encode()
	require.NoError(t, err)
	c.in <- raw
}

type fakeDialer struct {
	mu     sync.Mutex
	conns  []*fakeConn
	errs   []error // returned by successive dials before any conn is made
	fail   error   // returned by every dial when set
	tokens []string
}

func (d *fakeDialer) Dial(ctx context.Context, token string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	if d.fail != nil {
		return nil, d.fail
	}
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakeTimer struct {
	s       *fakeScheduler
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

type fakeScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{s: s, f: f}
	s.delays = append(s.delays, d)
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) scheduled() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func (s *fakeScheduler) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// fireLast runs the most recent timer unless it was stopped. It reports
// whether the callback ran.
func (s *fakeScheduler) fireLast() bool {
	s.mu.Lock()
	if len(s.timers) == 0 {
		s.mu.Unlock()
		return false
	}
	t := s.timers[len(s.timers)-1]
	if t.stopped || t.fired {
		s.mu.Unlock()
		return false
	}
	t.fired = true
	s.mu.Unlock()
	t.f()
	return true
}

type statusRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *statusRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *statusRecorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

var testBackoff = Backoff{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 7}

func newTestClient(t *testing.T, d *fakeDialer, s *fakeScheduler) *Client {
	t.Helper()
	c := New(Options{
		Dialer:    d,
		Backoff:   testBackoff,
		Queue:     QueueLimits{MaxSize: 100, MaxAge: 5 * time.Minute, MaxRetries: 3},
		AfterFunc: s.AfterFunc,
	})
	t.Cleanup(c.Disconnect)
	return c
}

func sendFrame(body string) protocol.Frame {
	return protocol.MustFrame(protocol.OpSend, protocol.SendData{ThreadID: "t1", Type: protocol.KindText, Ciphertext: body})
}

func bodyOf(t *testing.T, f protocol.Frame) string {
	t.Helper()
	var d protocol.SendData
	require.NoError(t, f.Bind(&d))
	return d.Ciphertext
}
