// Package registry maps each connected identity to its single live connection.
//
// A Conn owns a bounded outbound queue drained by its WriteLoop goroutine, so
// Send never blocks on a slow or dead peer: a full queue or a closed connection
// makes Send return false and the frame is abandoned.
//
// Register is last-writer-wins. A new connection for an identity closes the
// previous one, and Unregister only removes the handle it is given, so the
// teardown of an evicted connection never removes its replacement.
package registry
