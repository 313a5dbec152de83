// Package errors defines the error taxonomy shared across treenet.
package errors

import (
	"errors"
	"fmt"
)

// Code identifies the category of a failure.
type Code int

const (
	CodeInternal Code = iota
	CodeTopologyFormat
	CodeTopologyCycle
	CodeTopologyNotConnected
	CodeNetworkFailure
	CodeFormatString
	CodePacking
	CodeSystem
)

func (c Code) String() string {
	switch c {
	case CodeTopologyFormat:
		return "topology format"
	case CodeTopologyCycle:
		return "topology cycle"
	case CodeTopologyNotConnected:
		return "topology not connected"
	case CodeNetworkFailure:
		return "network failure"
	case CodeFormatString:
		return "format string"
	case CodePacking:
		return "packing"
	case CodeSystem:
		return "system"
	default:
		return "internal"
	}
}

// Code sentinels, matched with errors.Is against any *Error of that code.
var (
	ErrTopologyFormat       = &Error{Code: CodeTopologyFormat}
	ErrTopologyCycle        = &Error{Code: CodeTopologyCycle}
	ErrTopologyNotConnected = &Error{Code: CodeTopologyNotConnected}
	ErrNetworkFailure       = &Error{Code: CodeNetworkFailure}
	ErrFormatString         = &Error{Code: CodeFormatString}
	ErrPacking              = &Error{Code: CodePacking}
	ErrInternal             = &Error{Code: CodeInternal}
	ErrSystem               = &Error{Code: CodeSystem}
)

// Sentinel errors for packets and filters.
var (
	// ErrFormatMismatch indicates a body was decoded with a format other than its own.
	ErrFormatMismatch = errors.New("format string mismatch")

	// ErrFilterFormat indicates a filter received inputs of differing formats.
	ErrFilterFormat = errors.New("filter input formats differ")

	// ErrUnknownFilter indicates a filter id that is not registered.
	ErrUnknownFilter = errors.New("unknown filter")

	// ErrFilterLoad indicates a dynamic filter could not be loaded.
	ErrFilterLoad = errors.New("filter load failed")
)

// Sentinel errors for streams, peers and recovery.
var (
	// ErrClosed indicates the resource has been closed.
	ErrClosed = errors.New("resource is closed")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrAborted indicates a control wait was aborted by a peer failure.
	ErrAborted = errors.New("operation aborted")

	// ErrNoRoute indicates no live route exists to a rank.
	ErrNoRoute = errors.New("no route to rank")

	// ErrUnknownStream indicates a stream id that is not in the stream table.
	ErrUnknownStream = errors.New("unknown stream")

	// ErrUnknownRank indicates a rank that is not in the topology.
	ErrUnknownRank = errors.New("unknown rank")

	// ErrNoNewParent indicates recovery found no surviving candidate parent.
	ErrNoNewParent = errors.New("no candidate parent")

	// ErrRecoveryDisabled indicates a failure occurred while recovery was off.
	ErrRecoveryDisabled = errors.New("failure recovery disabled")
)

// Error is a coded failure carrying the operation that produced it.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	default:
		return e.Code.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports a match for any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// New returns a coded error for op.
func New(code Code, op string, err error) error {
	return &Error{Code: code, Op: op, Err: err}
}

// Newf returns a coded error with a formatted cause.
func Newf(code Code, op, format string, args ...any) error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return CodeInternal, false
}

// Re-exported so callers need a single errors import.
var (
	Is   = errors.Is
	As   = errors.As
	Join = errors.Join
)
