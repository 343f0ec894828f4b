// Package presence tracks online/offline state and broadcasts changes to the
// contacts of each identity, meaning everyone who shares a thread with it.
package presence
