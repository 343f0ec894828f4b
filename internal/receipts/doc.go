// Package receipts records delivered and read receipts. Each transition
// happens at most once per message, so repeated or reordered receipts are
// harmless and the sender hears about each state change exactly once.
package receipts
