// Package protocol defines the realtime wire format.
//
// Every frame is a JSON object of the shape
//
//	{"op": "send", "data": {...}}
//
// Client operations are send, ack, presence, presence:visibility, typing:start,
// typing:stop, receipt:delivered, receipt:read, message:edit and
// message:delete. The server emits message, message:status, message:edited,
// message:deleted, typing, presence:update and error.
//
// Handler failures are expressed as *Error values carrying one of the codes
// authentication, protocol, not_found, forbidden or internal. ErrorFrame
// converts any error into an error frame for the originating connection.
package protocol
