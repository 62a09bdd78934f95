// Package gwerr defines the observable error taxonomy of the voice gateway,
// grounded on original_source/error.rs's DiscordError enum.
package gwerr

import "fmt"

// Class is one of the observable error namespaces from spec.md §6.
type Class int

const (
	// Internal is a catch-all for errors that aren't actionable by the
	// caller (serialization, Opus, unexpected internal state).
	Internal Class = iota
	// MissingField is returned when the Connector is missing a required
	// identity field before connecting.
	MissingField
	// InternalIO covers I/O failures that aren't part of the normal
	// idle-tick / WouldBlock path.
	InternalIO
	// Tls covers TLS/websocket handshake failures.
	Tls
	// Gateway covers control-channel protocol errors (bad op code, a
	// terminal close code, a tungstenite-equivalent error).
	Gateway
	// TryReconnect is returned for a close code that signals the caller
	// should attempt to reconnect.
	TryReconnect
	// EncryptionFailed is returned when an AEAD seal/open fails.
	EncryptionFailed
)

func (c Class) String() string {
	switch c {
	case MissingField:
		return "MissingField"
	case InternalIO:
		return "InternalIO"
	case Tls:
		return "Tls"
	case Gateway:
		return "Gateway"
	case TryReconnect:
		return "TryReconnect"
	case EncryptionFailed:
		return "EncryptionFailed"
	default:
		return "Internal"
	}
}

// Error is a classified error carrying one of the Class values above.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with the given class.
func New(class Class, err error) *Error {
	return &Error{Class: class, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(class Class, format string, args ...interface{}) *Error {
	return &Error{Class: class, Err: fmt.Errorf(format, args...)}
}

// ConnectionClosed is returned by the gateway's poll loop when the control
// channel received a close frame. Codes 1000, 4014 and 4015 are
// terminal-success from the caller's perspective (spec.md §6); any other
// code is retry-class.
type ConnectionClosed struct {
	Code uint16
}

func (e *ConnectionClosed) Error() string {
	return fmt.Sprintf("voice gateway connection closed (code %d)", e.Code)
}

// TerminalCodes are the close codes that end a session successfully rather
// than signaling a retry.
var TerminalCodes = map[uint16]bool{
	1000: true,
	4014: true,
	4015: true,
}

// IsRetryable reports whether code should surface as a TryReconnect-class
// error rather than ending Run() with success.
func IsRetryable(code uint16) bool {
	return !TerminalCodes[code]
}

// ClassOf classifies a ConnectionClosed error per spec.md §7.
func ClassOf(cc *ConnectionClosed) Class {
	if IsRetryable(cc.Code) {
		return TryReconnect
	}
	return Gateway
}
