package repository

import (
	"context"
	"time"

	"github.com/rpggio/tripsync/internal/domain/generation"
	"github.com/rpggio/tripsync/internal/domain/schedule"
)

// JournalRepository manages generation session persistence
type JournalRepository interface {
	Start(ctx context.Context, sess *generation.Session) error
	AppendStep(ctx context.Context, sessionID string, index int, step schedule.ReasoningStep) error
	Finish(ctx context.Context, sess *generation.Session) error
	List(ctx context.Context, opts generation.ListOptions) ([]generation.Session, error)
	Steps(ctx context.Context, sessionID string) ([]generation.Step, error)
}

// ErrorReport is a client-submitted failure report
type ErrorReport struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Email     string    `json:"email,omitempty"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorReportRepository manages error report persistence
type ErrorReportRepository interface {
	Create(ctx context.Context, report *ErrorReport) error
	List(ctx context.Context, limit int) ([]ErrorReport, error)
}

// UserResolver resolves bearer tokens to user ids
type UserResolver interface {
	ResolveUser(ctx context.Context, token string) (string, error)
}

// BackendClient is the generation backend's mutation API
type BackendClient interface {
	UpdateSchedule(ctx context.Context, userID string, items []schedule.ScheduleItem) error
	UpdateTrip(ctx context.Context, userID string, profile schedule.TripProfile) error
	ResetState(ctx context.Context, userID string) error
}
