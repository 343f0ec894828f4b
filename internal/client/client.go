// ABOUTME: Reconnecting realtime client: connect state machine, backoff timer and queue flush
// ABOUTME: Send never blocks: frames go to a buffered writer, send operations queue while offline

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/2389/hush-gateway/internal/protocol"
)

// Client errors.
var (
	ErrNotConnected = errors.New("not connected")
	ErrUnauthorized = errors.New("gateway rejected token")
	errStalled      = errors.New("outbound buffer full")
)

// State is the connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Conn is one open transport.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Dialer opens an authenticated transport.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// Timer is a pending reconnect.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it through adaptAfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

func adaptAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

const (
	// DefaultWriteTimeout bounds a single transport write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultDialTimeout bounds the websocket handshake.
	DefaultDialTimeout = 15 * time.Second
	// DefaultBufferSize is the number of frames buffered for the writer.
	DefaultBufferSize = 64
)

// Options configures a Client.
type Options struct {
	Dialer       Dialer
	Backoff      Backoff
	Queue        QueueLimits
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	BufferSize   int
	Logger       *slog.Logger
	Now          func() time.Time
	AfterFunc    AfterFunc
}

// Client is the reconnecting transport wrapper.
type Client struct {
	dialer       Dialer
	backoff      Backoff
	outbox       *Outbox
	writeTimeout time.Duration
	dialTimeout  time.Duration
	bufferSize   int
	afterFunc    AfterFunc
	logger       *slog.Logger

	mu       sync.Mutex
	state    State
	token    string
	conn     Conn
	out      chan protocol.Frame
	attempts int
	timer    Timer
	// epoch invalidates reconnect timers scheduled before a Disconnect.
	epoch      uint64
	cancelConn context.CancelFunc

	listenersMu     sync.RWMutex
	statusListeners []func(State)
	frameListeners  []func(protocol.Frame)
}

// New creates a disconnected client.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = adaptAfterFunc
	}
	return &Client{
		dialer:       opts.Dialer,
		backoff:      opts.Backoff,
		outbox:       NewOutbox(opts.Queue, opts.Now),
		writeTimeout: opts.WriteTimeout,
		dialTimeout:  opts.DialTimeout,
		bufferSize:   opts.BufferSize,
		afterFunc:    opts.AfterFunc,
		logger:       logger.With("component", "client"),
	}
}

// OnStatus registers a listener for state changes.
func (c *Client) OnStatus(fn func(State)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.statusListeners = append(c.statusListeners, fn)
}

// OnFrame registers a listener for inbound frames. Listeners run on the
// read goroutine in arrival order.
func (c *Client) OnFrame(fn func(protocol.Frame)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.frameListeners = append(c.frameListeners, fn)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the reconnect attempt counter.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Outbox exposes the offline queue.
func (c *Client) Outbox() *Outbox {
	return c.outbox
}

// Connect opens the transport with token. It is a no-op while connected or
// connecting. A failed dial schedules a reconnect and returns the dial error.
func (c *Client) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.token = token
	c.attempts = 0
	c.stopTimerLocked()
	epoch := c.epoch
	c.mu.Unlock()

	return c.dial(ctx, epoch)
}

// Disconnect closes the transport and suppresses reconnection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.epoch++
	c.attempts = c.backoff.MaxAttempts
	c.stopTimerLocked()
	conn := c.conn
	was := c.state
	c.detachLocked()
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close("client disconnect"); err != nil {
			c.logger.Debug("closing transport", "error", err)
		}
	}
	if was != StateDisconnected {
		c.notifyStatus(StateDisconnected)
	}
}

// Send hands f to the writer when connected and never blocks. Offline, send
// operations are queued and every other operation returns ErrNotConnected.
// A full writer buffer means the transport has stalled: the connection is
// torn down, buffered send operations move to the outbox and f follows them.
func (c *Client) Send(f protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Enqueue under mu so a concurrent flush cannot miss the item.
	if c.state != StateConnected {
		return c.enqueue(f)
	}
	select {
	case c.out <- f:
		return nil
	default:
	}

	c.logger.Warn("outbound buffer full, dropping connection", "op", f.Op, "buffered", len(c.out))
	conn, epoch := c.conn, c.epoch
	c.detachLocked()
	err := c.enqueue(f)
	go c.afterClose(conn, epoch, errStalled)
	return err
}

func (c *Client) enqueue(f protocol.Frame) error {
	if !Queueable(f.Op) {
		return fmt.Errorf("%s: %w", f.Op, ErrNotConnected)
	}
	c.outbox.Enqueue(f)
	c.logger.Debug("queued operation", "op", f.Op, "queued", c.outbox.Len())
	return nil
}

// Queueable reports whether op is retained while offline.
func Queueable(op string) bool {
	return op == protocol.OpSend
}

func (c *Client) write(ctx context.Context, conn Conn, f protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return conn.Write(ctx, data)
}

func (c *Client) dial(ctx context.Context, epoch uint64) error {
	c.mu.Lock()
	if c.epoch != epoch || c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	token := c.token
	c.mu.Unlock()
	c.notifyStatus(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	conn, err := c.dialer.Dial(dialCtx, token)
	cancel()
	if err != nil {
		c.logger.Warn("connect failed", "error", err)
		c.handleClosed(nil, epoch, err)
		return err
	}

	c.mu.Lock()
	if c.epoch != epoch || c.state != StateConnecting {
		c.mu.Unlock()
		_ = conn.Close("client disconnect")
		return nil
	}
	connCtx, cancelConn := context.WithCancel(context.Background())
	out := make(chan protocol.Frame, c.bufferSize)
	c.conn = conn
	c.out = out
	c.cancelConn = cancelConn
	c.attempts = 0
	c.mu.Unlock()

	flushed, err := c.flush(conn)
	if err != nil {
		c.logger.Warn("flush failed", "error", err)
		c.handleClosed(conn, epoch, err)
		return err
	}
	c.mu.Lock()
	live := c.conn == conn
	c.mu.Unlock()
	if !live {
		return nil
	}
	go c.writeLoop(connCtx, conn, out, epoch)
	c.logger.Info("connected", "flushed", flushed)
	c.notifyStatus(StateConnected)

	go c.readLoop(connCtx, conn, epoch)
	return nil
}

// flush drains the outbox oldest first and flips to Connected once it is
// empty, so nothing sent afterwards can overtake a queued operation.
func (c *Client) flush(conn Conn) (int, error) {
	total := 0
	for {
		var failed error
		total += c.outbox.Flush(func(f protocol.Frame) error {
			err := c.write(context.Background(), conn, f)
			if err != nil {
				failed = err
			}
			return err
		})
		if failed != nil {
			return total, failed
		}

		c.mu.Lock()
		if c.conn != conn {
			c.mu.Unlock()
			return total, nil
		}
		if c.outbox.Len() == 0 {
			c.state = StateConnected
			c.mu.Unlock()
			return total, nil
		}
		c.mu.Unlock()
	}
}

func (c *Client) readLoop(ctx context.Context, conn Conn, epoch uint64) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.handleClosed(conn, epoch, err)
			return
		}
		f, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.listenersMu.RLock()
		listeners := slices.Clone(c.frameListeners)
		c.listenersMu.RUnlock()
		for _, fn := range listeners {
			fn(f)
		}
	}
}

// writeLoop drains out onto conn until ctx is cancelled or a write fails.
func (c *Client) writeLoop(ctx context.Context, conn Conn, out <-chan protocol.Frame, epoch uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-out:
			if err := c.write(ctx, conn, f); err != nil {
				c.logger.Warn("write failed", "op", f.Op, "error", err)
				// The in-flight frame is older than anything still buffered.
				if Queueable(f.Op) {
					c.outbox.Requeue(f)
				}
				c.handleClosed(conn, epoch, err)
				return
			}
		}
	}
}

func (c *Client) closeConn(conn Conn, reason string) {
	if err := conn.Close(reason); err != nil {
		c.logger.Debug("closing transport", "error", err)
	}
}

// handleClosed moves to Disconnected after a dial failure (conn nil) or a
// transport close, then schedules the next attempt.
func (c *Client) handleClosed(conn Conn, epoch uint64, cause error) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	if conn != nil && c.conn != conn {
		c.mu.Unlock()
		return
	}
	if conn == nil && c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.detachLocked()
	c.mu.Unlock()

	c.afterClose(conn, epoch, cause)
}

// detachLocked drops the live transport and moves buffered send operations
// to the outbox. Control operations still buffered are dropped.
func (c *Client) detachLocked() {
	c.conn = nil
	if c.cancelConn != nil {
		c.cancelConn()
		c.cancelConn = nil
	}
	c.state = StateDisconnected
	for {
		select {
		case f := <-c.out:
			if Queueable(f.Op) {
				c.outbox.Enqueue(f)
			}
		default:
			c.out = nil
			return
		}
	}
}

func (c *Client) afterClose(conn Conn, epoch uint64, cause error) {
	if conn != nil {
		c.logger.Info("connection closed", "error", cause)
		c.closeConn(conn, "connection lost")
	}
	c.notifyStatus(StateDisconnected)

	if errors.Is(cause, ErrUnauthorized) {
		c.logger.Error("token rejected, not reconnecting")
		return
	}
	c.scheduleReconnect(epoch)
}

func (c *Client) scheduleReconnect(epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epoch != epoch {
		return
	}
	if c.attempts >= c.backoff.MaxAttempts {
		c.logger.Warn("giving up reconnecting", "attempts", c.attempts)
		return
	}
	delay := c.backoff.Delay(c.attempts)
	c.attempts++
	c.stopTimerLocked()
	var t Timer
	t = c.afterFunc(delay, func() {
		c.mu.Lock()
		if c.timer == t {
			c.timer = nil
		}
		c.mu.Unlock()
		_ = c.dial(context.Background(), epoch)
	})
	c.timer = t
	c.logger.Info("reconnect scheduled", "delay", delay, "attempt", c.attempts)
}

func (c *Client) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) notifyStatus(s State) {
	c.listenersMu.RLock()
	listeners := slices.Clone(c.statusListeners)
	c.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(s)
	}
}
