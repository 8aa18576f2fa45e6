// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package scenario

import (
	"fmt"
	"strings"

	"github.com/decred/dcrd/chaincfg/chainhash"
)

// ErrorKind identifies a kind of error.  It has full support for errors.Is
// and errors.As, so the caller can directly check against an error kind
// when determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific Error.
const (
	// ErrUnexpectedAcceptance indicates the node accepted a transaction or
	// block that it is required to reject.
	ErrUnexpectedAcceptance = ErrorKind("ErrUnexpectedAcceptance")

	// ErrUnexpectedRejection indicates the node rejected a transaction or
	// block that it is required to accept, or rejected it for a reason other
	// than the expected one.
	ErrUnexpectedRejection = ErrorKind("ErrUnexpectedRejection")

	// ErrObservationTimeout indicates the node did not move its tip to a
	// rejected block, but the rejection was never observed in its log.
	ErrObservationTimeout = ErrorKind("ErrObservationTimeout")

	// ErrStepFailed indicates a step could not be carried out, for example
	// because the session to the node was lost or a block could not be
	// built.  The underlying failure is available via errors.Is and
	// errors.As.
	ErrStepFailed = ErrorKind("ErrStepFailed")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error describes the failure of a scenario step.  It has full support for
// errors.Is and errors.As for both its kind and the underlying failure, if
// any.
type Error struct {
	// Kind is the kind of failure.
	Kind ErrorKind

	// Step is the step that failed.
	Step State

	// Description describes the failure.
	Description string

	// Reason is the reason reported or logged by the node, if any.
	Reason string

	// Err is the underlying failure of a step, if any.
	Err error

	// Tip is the last known best block of the node.
	Tip *chainhash.Hash

	// LogLines are the final lines of the node log at the time of failure.
	LogLines []string
}

// Error satisfies the error interface and prints human-readable errors.
func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%v: %s", e.Step, e.Description)
	if e.Reason != "" {
		fmt.Fprintf(&sb, " (reason: %s)", e.Reason)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

// Unwrap returns the underlying failure of the step.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is returns whether the target is the kind of the error.
func (e *Error) Is(target error) bool {
	kind, ok := target.(ErrorKind)
	return ok && kind == e.Kind
}

// As sets the target to the kind of the error when it is an ErrorKind.
func (e *Error) As(target interface{}) bool {
	kind, ok := target.(*ErrorKind)
	if !ok {
		return false
	}
	*kind = e.Kind
	return true
}

// makeError creates an Error given a set of arguments.
func makeError(kind ErrorKind, step State, desc string) *Error {
	return &Error{Kind: kind, Step: step, Description: desc}
}

// stepFailed creates an Error that wraps the underlying failure of a step.
func stepFailed(step State, desc string, err error) *Error {
	return &Error{Kind: ErrStepFailed, Step: step, Description: desc, Err: err}
}
