// Package fault defines the error taxonomy shared by every mixcache component.
//
// Errors are single instances or typed wrappers so callers can compare them
// with errors.Is / errors.As instead of matching message strings.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class describes how a caller should react to an error
type Class int

const (
	ClassTransient Class = iota // retry may succeed
	ClassInvalid                // bad input, do not retry
	ClassFatal                  // data corruption or exhausted recovery
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassInvalid:
		return "invalid"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// common errors - keep in alphabetic order
var (
	ErrDegraded           = errors.New("connection manager degraded: failover exhausted")
	ErrFailoverExhausted  = errors.New("failover attempts exhausted")
	ErrFailoverInProgress = errors.New("failover already in progress")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrLockBusy           = errors.New("lock held by another owner")
	ErrNotConnected       = errors.New("not connected to store")
	ErrNotReady           = errors.New("manager not ready")
	ErrShutdown           = errors.New("manager is shut down")
)

// ConnectionError reports a failure to establish or keep a link to the store
type ConnectionError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("connection %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CommandTimeoutError reports a single command exceeding its deadline
type CommandTimeoutError struct {
	Command string
	Err     error
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("command %s timed out: %v", e.Command, e.Err)
}

func (e *CommandTimeoutError) Unwrap() error { return e.Err }

// SerializationError reports a payload that could not be encoded or decoded
type SerializationError struct {
	Key string
	Op  string // "encode", "decode", "decompress"
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization %s failed for key %q: %v", e.Op, e.Key, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// Classify returns the handling class of err
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}

	var connErr *ConnectionError
	var timeoutErr *CommandTimeoutError
	var serErr *SerializationError

	switch {
	case errors.As(err, &serErr):
		return ClassFatal
	case errors.Is(err, ErrDegraded), errors.Is(err, ErrFailoverExhausted), errors.Is(err, ErrShutdown):
		return ClassFatal
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrInvalidConfig):
		return ClassInvalid
	case errors.As(err, &connErr), errors.As(err, &timeoutErr):
		return ClassTransient
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrLockBusy):
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	return ClassInvalid
}

// IsTransient reports whether a retry of the failed operation may succeed.
// Timeouts are transient for classification but are not retried by the
// connection layer; see IsRetryable.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}

// IsRetryable reports whether the connection layer should retry a command
func IsRetryable(err error) bool {
	if err == nil || IsTimeout(err) {
		return false
	}
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// IsTimeout reports whether err is a command timeout
func IsTimeout(err error) bool {
	var timeoutErr *CommandTimeoutError
	return errors.As(err, &timeoutErr) || errors.Is(err, context.DeadlineExceeded)
}
