// Package gateway forwards schedule and trip mutations to the backend and
// keeps the snapshot cache consistent with them.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rpggio/tripsync/internal/backend"
	"github.com/rpggio/tripsync/internal/domain/schedule"
	"github.com/rpggio/tripsync/internal/repository"
)

var (
	// ErrUnauthenticated indicates a mutation without a user id.
	ErrUnauthenticated = errors.New("gateway: user id required")
	// ErrInvalidInput indicates a payload that failed validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUpstreamRejected indicates the backend refused the mutation.
	ErrUpstreamRejected = errors.New("upstream rejected mutation")
	// ErrBackendUnreachable indicates the backend could not be reached.
	ErrBackendUnreachable = errors.New("backend unreachable")
)

// Snapshots is the part of the snapshot cache the gateway uses.
type Snapshots interface {
	Read(ctx context.Context, userID string) (*schedule.GraphState, error)
	ReadRaw(ctx context.Context, userID string) ([]byte, error)
	Invalidate(ctx context.Context, userID string) error
}

// Canceler stops a user's live generation stream.
type Canceler interface {
	Cancel(userID string) bool
}

// Gateway applies mutations. Every successful mutation invalidates the
// user's snapshot before returning.
type Gateway struct {
	backend   repository.BackendClient
	snapshots Snapshots
	streams   Canceler
	validate  *validator.Validate
	logger    *slog.Logger
}

// New creates a gateway. streams may be nil when nothing streams.
func New(client repository.BackendClient, snapshots Snapshots, streams Canceler, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Gateway{
		backend:   client,
		snapshots: snapshots,
		streams:   streams,
		validate:  newValidator(),
		logger:    logger,
	}
}

// UpdateSchedule replaces the user's schedule.
func (g *Gateway) UpdateSchedule(ctx context.Context, userID string, items []schedule.ScheduleItem) error {
	if err := requireUser(userID); err != nil {
		return err
	}
	items = schedule.Clone(items)
	for i := range items {
		items[i].ActivityType = items[i].ActivityType.Normalize()
	}
	if err := g.validateSchedule(items); err != nil {
		return err
	}
	return g.mutate(ctx, "update_schedule", userID, func() error {
		return g.backend.UpdateSchedule(ctx, userID, items)
	})
}

// UpdateTrip replaces the user's trip profile.
func (g *Gateway) UpdateTrip(ctx context.Context, userID string, profile schedule.TripProfile) error {
	if err := requireUser(userID); err != nil {
		return err
	}
	profile.TripFixedSchedules = schedule.Clone(profile.TripFixedSchedules)
	for i := range profile.TripFixedSchedules {
		profile.TripFixedSchedules[i].ActivityType = profile.TripFixedSchedules[i].ActivityType.Normalize()
	}
	if err := g.validateProfile(profile); err != nil {
		return err
	}
	return g.mutate(ctx, "update_trip", userID, func() error {
		return g.backend.UpdateTrip(ctx, userID, profile)
	})
}

// Reset clears the user's generation state. A live stream for the user is
// cancelled first so no delta lands on top of the reset state.
func (g *Gateway) Reset(ctx context.Context, userID string) error {
	if err := requireUser(userID); err != nil {
		return err
	}
	if g.streams != nil && g.streams.Cancel(userID) {
		g.logger.Info("cancelled stream for reset", "user_id", userID)
	}
	return g.mutate(ctx, "reset_state", userID, func() error {
		return g.backend.ResetState(ctx, userID)
	})
}

// ReadSnapshot returns the user's snapshot through the cache.
func (g *Gateway) ReadSnapshot(ctx context.Context, userID string) (*schedule.GraphState, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	return g.snapshots.Read(ctx, userID)
}

// ReadSnapshotRaw returns the user's snapshot JSON through the cache.
func (g *Gateway) ReadSnapshotRaw(ctx context.Context, userID string) ([]byte, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	return g.snapshots.ReadRaw(ctx, userID)
}

func (g *Gateway) mutate(ctx context.Context, op, userID string, call func() error) error {
	if err := call(); err != nil {
		g.logger.Warn("mutation failed", "op", op, "user_id", userID, "error", err)
		return classify(err)
	}
	if err := g.snapshots.Invalidate(ctx, userID); err != nil {
		return fmt.Errorf("%s applied but snapshot invalidation failed: %w", op, err)
	}
	g.logger.Debug("mutation applied", "op", op, "user_id", userID)
	return nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, backend.ErrUpstreamRejected):
		return fmt.Errorf("%w: %w", ErrUpstreamRejected, err)
	case errors.Is(err, backend.ErrBackendUnreachable):
		return fmt.Errorf("%w: %w", ErrBackendUnreachable, err)
	default:
		return err
	}
}

func requireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrUnauthenticated
	}
	return nil
}

// StatusCode returns the backend status carried by err, or zero.
func StatusCode(err error) int {
	var statusErr *backend.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}
