// Package typing implements typing indicators.
//
// Each (thread, identity) pair is Idle or Typing. Only transitions are
// broadcast: a refresh while Typing re-arms the expiry timer silently. Stop,
// StopAll and timer expiry all remove the entry under the lock before
// broadcasting, and every timer carries the generation it was armed with, so
// a race between expiry and an explicit stop yields exactly one false
// broadcast.
package typing
