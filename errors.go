package fetchpool

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConcurrency is returned when the concurrency limit is not a positive integer
	ErrInvalidConcurrency = errors.New("concurrency limit must be greater than 0")

	// ErrInvalidOption is returned when an option or configuration value is out of range
	ErrInvalidOption = errors.New("invalid option value")

	// ErrInvalidTarget is wrapped by the FetchError of targets that cannot be turned into a request
	ErrInvalidTarget = errors.New("invalid target")

	// ErrCanceled is returned when the caller aborted a batch before every target resolved
	ErrCanceled = errors.New("batch canceled")

	// ErrBatchDeadline is the cancellation cause of a batch whose deadline was exceeded
	ErrBatchDeadline = errors.New("batch deadline exceeded")

	// ErrSessionClosed is returned when submitting targets to a session that no longer accepts them
	ErrSessionClosed = errors.New("session has been closed and is no longer accepting targets")

	// ErrPanic is wrapped by the FetchError of a request whose execution panicked
	ErrPanic = errors.New("request panicked")

	errRequestTimeout = errors.New("request timeout exceeded")
)

// ConfigError reports an invalid engine configuration. It is always returned before any request is issued.
type ConfigError struct {
	Option string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("fetchpool: invalid %s: %v", e.Option, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ErrorKind classifies why a target did not produce a response
type ErrorKind int

const (
	KindInvalidTarget ErrorKind = iota + 1
	KindTransport
	KindTimeout
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidTarget:
		return "invalid_target"
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// FetchError describes the failure of a single target. It never aborts the batch.
type FetchError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func newFetchError(kind ErrorKind, err error) *FetchError {
	return &FetchError{
		Kind:    kind,
		Message: err.Error(),
		Err:     err,
	}
}
