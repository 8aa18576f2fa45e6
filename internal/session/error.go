// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package session

// ErrorKind identifies a kind of error.  It has full support for errors.Is
// and errors.As, so the caller can directly check against an error kind
// when determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific Error.
const (
	// ErrSessionLost indicates the control or data channel to the node was
	// disconnected.  The session can not be used afterwards.
	ErrSessionLost = ErrorKind("ErrSessionLost")

	// ErrTimeout indicates the node did not respond within the configured
	// timeout.
	ErrTimeout = ErrorKind("ErrTimeout")

	// ErrRPC indicates a remote procedure call failed for a reason other
	// than disconnection or timeout.
	ErrRPC = ErrorKind("ErrRPC")

	// ErrHandshake indicates the peer-to-peer version handshake with the
	// node did not complete.
	ErrHandshake = ErrorKind("ErrHandshake")

	// ErrUnexpectedResponse indicates the node returned a response that does
	// not have the expected form.
	ErrUnexpectedResponse = ErrorKind("ErrUnexpectedResponse")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error identifies a failure communicating with the node.  It has full support
// for errors.Is and errors.As, so the caller can ascertain the specific reason
// for the error by checking the underlying error.
type Error struct {
	Err         error
	Description string
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	return e.Description
}

// Unwrap returns the underlying wrapped error.
func (e Error) Unwrap() error {
	return e.Err
}

// makeError creates an Error given a set of arguments.
func makeError(kind ErrorKind, desc string) Error {
	return Error{Err: kind, Description: desc}
}
