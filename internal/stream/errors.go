package stream

import (
	"errors"
	"fmt"
)

// ErrorKind classifies connection failures.
type ErrorKind string

const (
	KindUnauthenticated  ErrorKind = "unauthenticated"
	KindHandshakeTimeout ErrorKind = "handshake_timeout"
	KindTransport        ErrorKind = "transport"
)

var (
	// ErrUnauthenticated indicates an open request without a user id.
	ErrUnauthenticated = errors.New("stream: user id required")
	// ErrHandshakeTimeout indicates the backend did not accept the socket in time.
	ErrHandshakeTimeout = errors.New("stream: handshake timed out")
	// ErrTransport indicates the socket failed after or during open.
	ErrTransport = errors.New("stream: transport error")
	// ErrIdleTimeout indicates the backend went silent for longer than the idle timeout.
	ErrIdleTimeout = errors.New("stream: idle timeout")
	// ErrCancelled indicates the connection was closed locally.
	ErrCancelled = errors.New("stream: cancelled")
	// ErrIllegalTransition indicates a state change the lifecycle does not allow.
	ErrIllegalTransition = errors.New("stream: illegal state transition")
)

// ConnectError is returned for every connection failure.
type ConnectError struct {
	Kind  ErrorKind
	Cause error
}

func (e *ConnectError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("stream %s", e.Kind)
	}
	return fmt.Sprintf("stream %s: %v", e.Kind, e.Cause)
}

func (e *ConnectError) Unwrap() error { return e.Cause }

// Is matches the sentinel for the error's kind.
func (e *ConnectError) Is(target error) bool {
	switch target {
	case ErrUnauthenticated:
		return e.Kind == KindUnauthenticated
	case ErrHandshakeTimeout:
		return e.Kind == KindHandshakeTimeout
	case ErrTransport:
		return e.Kind == KindTransport
	}
	return false
}

// KindOf returns the kind of a *ConnectError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}
