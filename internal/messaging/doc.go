// Package messaging implements the message operations of the realtime
// protocol: send, edit, delete and history.
package messaging
