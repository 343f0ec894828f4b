// ABOUTME: Tracks the live connection of every connected identity.
// ABOUTME: Enforces at most one connection per identity with last-writer-wins eviction.

package registry

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/2389/hush-gateway/internal/protocol"
)

// ReasonSuperseded is the close reason given to a connection evicted by a newer one.
const ReasonSuperseded = "superseded by a newer connection"

// Registry maps identities to their single live connection.
type Registry struct {
	conns  map[string]*Conn
	mu     sync.RWMutex
	logger *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]*Conn),
		logger: logger.With("component", "registry"),
	}
}

// Register stores conn as the live connection for its identity. Any previous
// connection for the identity is closed and returned.
func (r *Registry) Register(conn *Conn) *Conn {
	r.mu.Lock()
	prev := r.conns[conn.Identity]
	r.conns[conn.Identity] = conn
	total := len(r.conns)
	r.mu.Unlock()

	if prev != nil && prev != conn {
		prev.Close(ReasonSuperseded)
		r.logger.Info("evicted previous connection",
			"profile_id", conn.Identity,
			"old_conn_id", prev.ID,
			"new_conn_id", conn.ID,
		)
	}

	r.logger.Info("=== CLIENT CONNECTED ===",
		"profile_id", conn.Identity,
		"conn_id", conn.ID,
		"total_connections", total,
	)
	if prev == conn {
		return nil
	}
	return prev
}

// Unregister removes conn if it is still the live connection for its identity.
// Returns false if conn was already removed or superseded.
func (r *Registry) Unregister(conn *Conn) bool {
	r.mu.Lock()
	cur, ok := r.conns[conn.Identity]
	if !ok || cur != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, conn.Identity)
	total := len(r.conns)
	r.mu.Unlock()

	r.logger.Info("=== CLIENT DISCONNECTED ===",
		"profile_id", conn.Identity,
		"conn_id", conn.ID,
		"total_connections", total,
	)
	return true
}

// Get returns the live connection for identity.
func (r *Registry) Get(identity string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[identity]
	return c, ok
}

// IsOnline reports whether identity has a live connection.
func (r *Registry) IsOnline(identity string) bool {
	_, ok := r.Get(identity)
	return ok
}

// Send encodes frame and queues it for identity.
// Returns false if identity is offline or its connection is not writable.
func (r *Registry) Send(identity string, frame protocol.Frame) bool {
	data, err := frame.Encode()
	if err != nil {
		r.logger.Error("failed to encode frame", "op", frame.Op, "error", err)
		return false
	}
	return r.SendEncoded(identity, data)
}

// SendEncoded queues an already encoded frame for identity.
func (r *Registry) SendEncoded(identity string, data []byte) bool {
	conn, ok := r.Get(identity)
	if !ok {
		return false
	}
	return conn.Enqueue(data)
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Identities returns the connected identities in sorted order.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		out = append(out, id)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

// CloseAll closes and removes every connection.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Conn)
	r.mu.Unlock()

	for _, c := range conns {
		c.Close(reason)
	}
}
