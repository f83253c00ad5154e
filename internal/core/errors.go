package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a command was rejected. Every kind aborts the
// whole transaction; nothing partially commits.
type ErrorKind int32

const (
	// ErrorKindAuthorization: caller is not the configured owner, or a
	// deposit did not originate from the configured collateral asset.
	ErrorKindAuthorization ErrorKind = iota + 1
	// ErrorKindArithmetic: overflow, underflow, or division by zero in
	// reserve or margin math.
	ErrorKindArithmetic
	// ErrorKindProtocol: missing pending swap on resumption, unrecognized
	// continuation, malformed sub-call result or command payload.
	ErrorKindProtocol
	// ErrorKindPrecondition: the command's preconditions do not hold, e.g.
	// closing a position that does not exist.
	ErrorKindPrecondition
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindAuthorization:
		return "authorization"
	case ErrorKindArithmetic:
		return "arithmetic"
	case ErrorKindProtocol:
		return "protocol"
	case ErrorKindPrecondition:
		return "precondition"
	default:
		return "unknown"
	}
}

// Error is a classified command rejection.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the rejection kind, or zero for untyped errors.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}

func authorizationErrorf(format string, args ...interface{}) error {
	return &Error{Kind: ErrorKindAuthorization, Err: fmt.Errorf(format, args...)}
}

func arithmeticErrorf(format string, args ...interface{}) error {
	return &Error{Kind: ErrorKindArithmetic, Err: fmt.Errorf(format, args...)}
}

func protocolErrorf(format string, args ...interface{}) error {
	return &Error{Kind: ErrorKindProtocol, Err: fmt.Errorf(format, args...)}
}

func preconditionErrorf(format string, args ...interface{}) error {
	return &Error{Kind: ErrorKindPrecondition, Err: fmt.Errorf(format, args...)}
}
