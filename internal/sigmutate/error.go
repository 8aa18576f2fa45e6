// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sigmutate

// ErrorKind identifies a kind of error.  It has full support for errors.Is
// and errors.As, so the caller can directly check against an error kind
// when determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific Error.
const (
	// ErrMalformedScript indicates a script either failed to parse or does
	// not contain a data push that can be mutated.
	ErrMalformedScript = ErrorKind("ErrMalformedScript")

	// ErrMalformedSignature indicates the pushed signature could not be
	// decoded even with the lax parser.
	ErrMalformedSignature = ErrorKind("ErrMalformedSignature")

	// ErrMutationIneffective indicates a mutated signature is either still
	// strictly DER encoded or no longer decodes to the original (R, S) pair.
	ErrMutationIneffective = ErrorKind("ErrMutationIneffective")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error identifies a signature mutation failure.  It has full support for
// errors.Is and errors.As, so the caller can ascertain the specific reason for
// the error by checking the underlying error.
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
