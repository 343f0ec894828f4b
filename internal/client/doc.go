// Package client implements the client side of the realtime socket.
//
// # Overview
//
// Client is a reconnecting wrapper around a single websocket connection. It
// moves through three states:
//
//	Disconnected -> Connecting -> Connected -> Disconnected ...
//
// On a successful open the backoff counter resets, the outbound queue is
// flushed oldest first and status listeners are notified. On close the
// listeners are notified and one reconnect is scheduled with delay
// min(base*2^attempts, max) until MaxAttempts is reached.
//
// # Queueing
//
// Only send operations are queued while disconnected. Control operations
// (typing, receipts, presence) are fire-and-forget and return
// ErrNotConnected when there is no live connection. The Outbox bounds the
// queue by size, age and failed flush attempts.
//
// # Messenger
//
// Messenger couples a Client with the e2ee engine: it derives sessions
// lazily from the key directory, seals outgoing bodies, opens incoming ones
// (re-deriving once on failure), inserts optimistic pending messages and
// emits delivered receipts for messages from other participants.
package client
