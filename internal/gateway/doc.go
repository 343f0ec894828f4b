// Package gateway wires the realtime core into a running server.
//
// # Overview
//
// Gateway owns the collaborator store, the connection registry, the router
// and every service registered on it (messaging, receipts, typing,
// presence). It serves:
//
//   - GET /ws: the realtime socket. The token is checked before the upgrade;
//     a bad token is refused with 401 and no socket is opened.
//   - PUT/GET /api/keys: the public-key directory.
//   - POST /api/presence: presence query for a list of identities.
//   - GET /api/threads/{id}/messages: recent history for a participant.
//   - GET /health and the metrics path.
//
// A gRPC health service runs on server.grpc_addr when configured. With
// tailscale.enabled both servers listen on the tailnet through tsnet instead.
//
// # Connection lifecycle
//
// Each socket gets a registry.Conn whose WriteLoop drains its bounded
// queue. Frames read from the socket are dispatched sequentially, so one
// connection's operations never interleave. When the read loop ends and the
// connection is still the identity's live one, the identity's typing
// indicators are stopped and the offline presence broadcast is sent once.
package gateway
