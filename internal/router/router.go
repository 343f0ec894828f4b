// ABOUTME: Dispatches decoded frames to the handler registered for their op.
// ABOUTME: Converts handler errors and panics into error frames for the originator only.

package router

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/2389/hush-gateway/internal/protocol"
)

// HandlerFunc handles one inbound frame from identity.
type HandlerFunc func(ctx context.Context, identity string, frame protocol.Frame) error

// Sender delivers a frame to an identity's live connection.
// It returns false when the identity is offline or not writable.
type Sender interface {
	Send(identity string, frame protocol.Frame) bool
}

// Observer receives dispatch outcomes. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveOp(op, code string, elapsed time.Duration)
}

// Router maps ops to handlers.
type Router struct {
	handlers map[string]HandlerFunc
	sender   Sender
	observer Observer
	logger   *slog.Logger
}

// New creates a Router that reports errors through sender.
func New(sender Sender, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		handlers: make(map[string]HandlerFunc),
		sender:   sender,
		logger:   logger.With("component", "router"),
	}
}

// SetObserver installs an observer for dispatch metrics.
func (r *Router) SetObserver(o Observer) {
	r.observer = o
}

// Handle registers h for op. Registering an op twice panics.
func (r *Router) Handle(op string, h HandlerFunc) {
	if _, exists := r.handlers[op]; exists {
		panic(fmt.Sprintf("router: duplicate handler for op %q", op))
	}
	r.handlers[op] = h
}

// Ops returns the registered ops.
func (r *Router) Ops() []string {
	ops := make([]string, 0, len(r.handlers))
	for op := range r.handlers {
		ops = append(ops, op)
	}
	return ops
}

// Dispatch decodes raw and runs the matching handler. Malformed frames and
// unknown ops are logged and ignored. Handler failures produce an error frame
// sent to identity.
func (r *Router) Dispatch(ctx context.Context, identity string, raw []byte) {
	frame, err := protocol.Decode(raw)
	if err != nil {
		r.logger.Warn("dropping malformed frame", "profile_id", identity, "error", err)
		r.observe("", protocol.CodeProtocol, 0)
		return
	}
	r.DispatchFrame(ctx, identity, frame)
}

// DispatchFrame runs the handler for an already decoded frame.
func (r *Router) DispatchFrame(ctx context.Context, identity string, frame protocol.Frame) {
	h, ok := r.handlers[frame.Op]
	if !ok {
		r.logger.Warn("ignoring unknown op", "profile_id", identity, "op", frame.Op)
		r.observe(frame.Op, protocol.CodeProtocol, 0)
		return
	}

	start := time.Now()
	err := r.invoke(ctx, h, identity, frame)
	elapsed := time.Since(start)

	if err == nil {
		r.observe(frame.Op, "ok", elapsed)
		return
	}

	code := protocol.CodeOf(err)
	r.observe(frame.Op, code, elapsed)
	if code == protocol.CodeInternal {
		r.logger.Error("handler failed", "profile_id", identity, "op", frame.Op, "error", err)
	} else {
		r.logger.Debug("handler rejected op", "profile_id", identity, "op", frame.Op, "code", code, "error", err)
	}

	if !r.sender.Send(identity, protocol.ErrorFrame(frame.Op, err)) {
		r.logger.Debug("could not deliver error frame", "profile_id", identity, "op", frame.Op)
	}
}

func (r *Router) invoke(ctx context.Context, h HandlerFunc, identity string, frame protocol.Frame) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("handler panicked",
				"profile_id", identity,
				"op", frame.Op,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, identity, frame)
}

func (r *Router) observe(op, code string, elapsed time.Duration) {
	if r.observer != nil {
		r.observer.ObserveOp(op, code, elapsed)
	}
}
