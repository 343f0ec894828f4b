// Package dedupe provides a TTL cache used to recognise replayed operations.
//
// The send handler stores the message id produced for each (sender, client
// temp id) pair. A client that retries a send after losing the server echo
// gets the original message back instead of a duplicate.
package dedupe
