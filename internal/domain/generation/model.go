package generation

import (
	"time"

	"github.com/rpggio/tripsync/internal/domain/schedule"
)

// Variant selects the backend stream a session consumes.
type Variant string

const (
	VariantSchedule Variant = "schedule"
	VariantChat     Variant = "chat"
)

// Valid reports whether v names a known variant.
func (v Variant) Valid() bool {
	return v == VariantSchedule || v == VariantChat
}

// Status represents the lifecycle status of a generation session
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Session is one journaled generation run
type Session struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Variant       Variant    `json:"variant"`
	Input         string     `json:"input,omitempty"`
	Status        Status     `json:"status"`
	StepCount     int        `json:"step_count"`
	ScheduleCount int        `json:"schedule_count"`
	ErrorCount    int        `json:"error_count"`
	Error         string     `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// Step is a reasoning step recorded against a session
type Step struct {
	SessionID   string    `json:"session_id"`
	Index       int       `json:"index"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// ListOptions filters journal queries.
type ListOptions struct {
	UserID string
	Status *Status
	Limit  int
	Offset int
}

// Request describes a generation run.
type Request struct {
	UserID  string
	Variant Variant
	// Input is sent to the chat variant after the connection opens.
	Input string
}

// Result summarizes a finished run.
type Result struct {
	SessionID string `json:"session_id"`
	Status    Status `json:"status"`
	// Streamed is the collection reconciled from the stream. The refreshed
	// snapshot supersedes it.
	Streamed []schedule.ScheduleItem  `json:"streamed"`
	Steps    []schedule.ReasoningStep `json:"steps"`
	Messages []schedule.MessageEvent  `json:"messages,omitempty"`
	Errors   []string                 `json:"errors,omitempty"`
	Snapshot *schedule.GraphState     `json:"snapshot,omitempty"`
}

// Availability reports whether the backend can stream for a user right now.
type Availability struct {
	Available bool `json:"available"`
	// RetryAfter is the remaining countdown before the caller should reload.
	RetryAfter      time.Duration `json:"retry_after"`
	ReloadSuggested bool          `json:"reload_suggested"`
}
