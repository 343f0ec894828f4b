// ABOUTME: A single client connection with a bounded outbound frame queue.
// ABOUTME: WriteLoop drains the queue onto the transport with a per-write deadline.

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrConnClosed is returned by WriteLoop once the connection has been closed.
var ErrConnClosed = errors.New("connection closed")

// Default queue and write settings used when ConnParams leaves them zero.
const (
	DefaultBufferSize   = 64
	DefaultWriteTimeout = 10 * time.Second
)

// Transport is the socket-level handle behind a connection.
type Transport interface {
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// ConnParams holds the parameters for creating a new Conn.
type ConnParams struct {
	Identity     string
	Transport    Transport
	BufferSize   int
	WriteTimeout time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

// Conn is one live transport for an identity.
type Conn struct {
	ID            string
	Identity      string
	EstablishedAt time.Time

	transport    Transport
	out          chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewConn creates a Conn. Its WriteLoop must be started by the caller.
func NewConn(p ConnParams) *Conn {
	if p.BufferSize <= 0 {
		p.BufferSize = DefaultBufferSize
	}
	if p.WriteTimeout <= 0 {
		p.WriteTimeout = DefaultWriteTimeout
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Now == nil {
		p.Now = time.Now
	}

	id := uuid.New().String()
	return &Conn{
		ID:            id,
		Identity:      p.Identity,
		EstablishedAt: p.Now(),
		transport:     p.Transport,
		out:           make(chan []byte, p.BufferSize),
		done:          make(chan struct{}),
		writeTimeout:  p.WriteTimeout,
		logger:        p.Logger.With("conn_id", id, "profile_id", p.Identity),
	}
}

// Enqueue queues an encoded frame without blocking.
// Returns false if the connection is closed or its queue is full.
func (c *Conn) Enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.out <- data:
		return true
	default:
		c.logger.Warn("outbound queue full, dropping frame", "queued", len(c.out))
		return false
	}
}

// WriteLoop writes queued frames until ctx is cancelled, the connection is
// closed, or a write fails. A failed write closes the connection.
func (c *Conn) WriteLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrConnClosed
		case data := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
			err := c.transport.Write(wctx, data)
			cancel()
			if err != nil {
				c.logger.Debug("write failed", "error", err)
				c.Close("write failed")
				return fmt.Errorf("write frame: %w", err)
			}
		}
	}
}

// Close closes the transport once. Later calls are no-ops.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.transport.Close(reason); err != nil {
			c.logger.Debug("transport close", "error", err)
		}
	})
}

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
