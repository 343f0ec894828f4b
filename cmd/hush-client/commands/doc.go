// Package commands implements the hush-client CLI: identity key management,
// sending, reacting, creating threads, listening and reading history over an
// encrypted gateway session.
package commands
