// Package router dispatches inbound realtime operations to their handlers.
//
// Each connection's frames are dispatched sequentially by its read loop;
// Router itself holds no per-connection state and is safe for concurrent use
// once all handlers are registered. Errors returned by a handler, and panics
// inside one, become an error frame addressed only to the originating identity.
package router
