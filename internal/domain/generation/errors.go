package generation

import "errors"

var (
	// ErrUnauthenticated indicates a run without a user id.
	ErrUnauthenticated = errors.New("generation: user id required")
	// ErrInvalidInput indicates an unknown variant or missing chat input.
	ErrInvalidInput = errors.New("invalid generation input")
	// ErrBackendUnreachable indicates the backend is busy with an earlier run
	// and cannot stream to this caller.
	ErrBackendUnreachable = errors.New("generation backend unreachable")
	// ErrSessionNotFound indicates the journal has no such session.
	ErrSessionNotFound = errors.New("generation session not found")
)
