package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorClass represents how a caller should react to an error.
type ErrorClass int

const (
	// ErrorTransient represents failures that may succeed when retried.
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents failures caused by malformed input.
	ErrorInvalid
	// ErrorFatal represents failures that should stop processing.
	ErrorFatal
)

func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifiedError wraps an error with its class and origin.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Component string
	Operation string
}

func (ce *ClassifiedError) Error() string {
	return ce.Err.Error()
}

func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Classify returns the class of err. Unknown errors are treated as transient.
func Classify(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if code, ok := CodeOf(err); ok {
		switch code {
		case CodeTopologyFormat, CodeTopologyCycle, CodeTopologyNotConnected,
			CodeFormatString, CodePacking:
			return ErrorInvalid
		case CodeInternal:
			return ErrorFatal
		case CodeNetworkFailure, CodeSystem:
			return ErrorTransient
		}
	}
	switch {
	case errors.Is(err, ErrFormatMismatch), errors.Is(err, ErrFilterFormat),
		errors.Is(err, ErrUnknownFilter), errors.Is(err, ErrUnknownStream):
		return ErrorInvalid
	case errors.Is(err, ErrNoNewParent), errors.Is(err, ErrRecoveryDisabled):
		return ErrorFatal
	}
	return ErrorTransient
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return Classify(err) == ErrorTransient
}

// IsFatal reports whether err should stop processing.
func IsFatal(err error) bool {
	return err != nil && Classify(err) == ErrorFatal
}

// Wrap creates an error following the pattern
// "component.method: action failed: %w".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps err as transient.
func WrapTransient(err error, component, method, action string) error {
	return wrapClass(ErrorTransient, err, component, method, action)
}

// WrapInvalid wraps err as invalid.
func WrapInvalid(err error, component, method, action string) error {
	return wrapClass(ErrorInvalid, err, component, method, action)
}

// WrapFatal wraps err as fatal.
func WrapFatal(err error, component, method, action string) error {
	return wrapClass(ErrorFatal, err, component, method, action)
}

func wrapClass(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Err:       Wrap(err, component, method, action),
		Component: component,
		Operation: method,
	}
}
