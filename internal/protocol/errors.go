// ABOUTME: Error taxonomy for realtime operations and its error frame encoding
// ABOUTME: Handlers return *Error values; the router turns them into error frames

package protocol

import (
	"errors"
	"fmt"
)

// Error codes sent in error frames.
const (
	CodeAuthentication = "authentication"
	CodeProtocol       = "protocol"
	CodeNotFound       = "not_found"
	CodeForbidden      = "forbidden"
	CodeInternal       = "internal"
)

// Error is a handler-level failure addressed back to the originating connection.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Is matches any *Error with the same code, so errors.Is(err, ErrForbidden) works
// on wrapped values.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrAuthentication = &Error{Code: CodeAuthentication}
	ErrProtocol       = &Error{Code: CodeProtocol}
	ErrNotFound       = &Error{Code: CodeNotFound}
	ErrForbidden      = &Error{Code: CodeForbidden}
)

// Invalid returns a protocol error for malformed payloads.
func Invalid(format string, args ...any) *Error {
	return &Error{Code: CodeProtocol, Message: fmt.Sprintf(format, args...)}
}

// NotFound returns an error for a referenced thread or message that does not exist.
func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Forbidden returns an error for an identity acting outside its threads.
func Forbidden(format string, args ...any) *Error {
	return &Error{Code: CodeForbidden, Message: fmt.Sprintf(format, args...)}
}

// CodeOf maps an error to its wire code. Unknown errors are internal.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// ErrorFrame builds the frame reporting err for the given op. Internal errors
// do not leak their message.
func ErrorFrame(op string, err error) Frame {
	data := ErrorData{Code: CodeOf(err), Op: op}
	var e *Error
	if errors.As(err, &e) {
		data.Message = e.Message
	} else {
		data.Message = "internal error"
	}
	return MustFrame(OpError, data)
}
