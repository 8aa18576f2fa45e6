// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockbuild

// ErrorKind identifies a kind of error.  It has full support for errors.Is
// and errors.As, so the caller can directly check against an error kind
// when determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific Error.
const (
	// ErrUnsolvable indicates no nonce and extra nonce combination solves a
	// block at its target difficulty.
	ErrUnsolvable = ErrorKind("ErrUnsolvable")

	// ErrInvalidSpend indicates a requested spend is impossible, for example
	// because the amount and fee exceed the value of the output.
	ErrInvalidSpend = ErrorKind("ErrInvalidSpend")

	// ErrSigning indicates a transaction input could not be signed.
	ErrSigning = ErrorKind("ErrSigning")

	// ErrInvalidKey indicates a signing key could not be decoded.
	ErrInvalidKey = ErrorKind("ErrInvalidKey")

	// ErrCalcCommitmentRoot indicates the header commitment root could not be
	// calculated, typically because a previous output script is unknown.
	ErrCalcCommitmentRoot = ErrorKind("ErrCalcCommitmentRoot")

	// ErrInvalidTemplate indicates a block template does not describe a
	// block that can be built.
	ErrInvalidTemplate = ErrorKind("ErrInvalidTemplate")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error identifies a block or transaction construction failure.  It has full
// support for errors.Is and errors.As, so the caller can ascertain the
// specific reason for the error by checking the underlying error.
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
