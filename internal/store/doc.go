// Package store provides the collaborator storage behind the gateway.
//
// # Interfaces
//
//   - ThreadDirectory: thread lookup and participant listing
//   - MessageLog: append-only envelope log with one-shot delivered/read transitions
//   - KeyDirectory: published identity public keys
//   - PresenceStore: visibility preference and last-seen time
//
// SQLiteStore implements all of them over modernc.org/sqlite. MockStore is an
// in-memory implementation with the same semantics for tests.
//
// # Ordering
//
// Envelopes carry a millisecond CreatedAt that never decreases within a
// thread. Ties are broken by Seq, the insertion sequence.
//
// # Errors
//
//   - ErrNotFound: the requested entity does not exist
//   - ErrDuplicateThread: CreateThread was called with an existing ID
package store
