// File: internal/protocol/errors.go
package protocol

import (
	"errors"
	"fmt"
)

// This file defines the typed errors of the transport layer. Typed errors let
// consumers classify failures with errors.As instead of string matching.

// ErrClosed is the terminal cause carried by every pending call that a
// Close() resolved.
var ErrClosed = errors.New("connection closed")

// ConnectionError reports a transport-level failure: a handshake that never
// completed, a call that outlived its deadline, or a closed socket.
type ConnectionError struct {
	// Op names the operation that failed ("dial", "invoke Page.navigate", "read").
	Op string
	// URL is the WebSocket endpoint, when known.
	URL string
	// Err is the underlying cause, when there is one.
	Err error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	msg := "transport: " + e.Op
	if e.URL != "" {
		msg += " (" + e.URL + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap provides the underlying error for use with errors.Is/As.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ProtocolError is a remote error response: the browser understood the call
// and rejected it with a code and message.
type ProtocolError struct {
	Method  string
	Code    int64
	Message string
	Data    string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s: remote error %d: %s", e.Method, e.Code, e.Message)
	if e.Data != "" {
		msg += " (" + e.Data + ")"
	}
	return msg
}
