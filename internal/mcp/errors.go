package mcp

import (
	"errors"
	"fmt"

	"github.com/rpggio/tripsync/internal/domain/generation"
	"github.com/rpggio/tripsync/internal/gateway"
	"github.com/rpggio/tripsync/internal/stream"
)

// APIError represents an MCP error response.
type APIError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Details      any    `json:"details,omitempty"`
	RecoveryHint string `json:"recovery_hint,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// MapError maps domain errors to MCP error codes.
func MapError(err error) *APIError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, gateway.ErrUnauthenticated),
		errors.Is(err, generation.ErrUnauthenticated),
		errors.Is(err, stream.ErrUnauthenticated):
		return &APIError{Code: "UNAUTHENTICATED", Message: "no acting user", RecoveryHint: "Authenticate with a bearer token"}
	case errors.Is(err, gateway.ErrInvalidInput),
		errors.Is(err, generation.ErrInvalidInput):
		return &APIError{Code: "INVALID_INPUT", Message: err.Error(), RecoveryHint: "Fix the listed fields and retry"}
	case errors.Is(err, gateway.ErrUpstreamRejected):
		return &APIError{
			Code:         "UPSTREAM_REJECTED",
			Message:      "backend rejected the request",
			Details:      map[string]int{"status": gateway.StatusCode(err)},
			RecoveryHint: "Reload graph state before retrying",
		}
	case errors.Is(err, stream.ErrHandshakeTimeout):
		return &APIError{Code: "HANDSHAKE_TIMEOUT", Message: "backend did not accept the stream in time", RecoveryHint: "Retry shortly"}
	case errors.Is(err, gateway.ErrBackendUnreachable),
		errors.Is(err, generation.ErrBackendUnreachable),
		errors.Is(err, stream.ErrTransport):
		return &APIError{Code: "BACKEND_UNREACHABLE", Message: err.Error(), RecoveryHint: "Call check_availability and wait"}
	case errors.Is(err, stream.ErrCancelled):
		return &APIError{Code: "CANCELLED", Message: "generation was cancelled"}
	case errors.Is(err, generation.ErrSessionNotFound):
		return &APIError{Code: "SESSION_NOT_FOUND", Message: "generation session not found"}
	default:
		return nil
	}
}
