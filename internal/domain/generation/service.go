package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rpggio/tripsync/internal/domain/narration"
	"github.com/rpggio/tripsync/internal/domain/schedule"
	"github.com/rpggio/tripsync/internal/stream"
)

// DefaultPendingWait is how long a caller waits on a busy backend before
// being told to reload.
const DefaultPendingWait = 30 * time.Second

// Options configures a Service.
type Options struct {
	PendingWait time.Duration
	Now         func() time.Time
	NewID       func() string
	Logger      *slog.Logger
}

// Service runs generation sessions end to end.
type Service struct {
	connector   Connector
	snapshots   Snapshots
	journal     Journal
	pendingWait time.Duration
	now         func() time.Time
	newID       func() string
	logger      *slog.Logger

	mu      sync.Mutex
	pending map[string]time.Time
}

// NewService creates a generation service. journal may be nil.
func NewService(connector Connector, snapshots Snapshots, journal Journal, opts Options) *Service {
	if opts.PendingWait <= 0 {
		opts.PendingWait = DefaultPendingWait
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		connector:   connector,
		snapshots:   snapshots,
		journal:     journal,
		pendingWait: opts.PendingWait,
		now:         opts.Now,
		newID:       opts.NewID,
		logger:      opts.Logger,
		pending:     make(map[string]time.Time),
	}
}

// Generate opens the backend stream for req and consumes it to the end.
// Frames are reconciled in arrival order; once the backend closes the stream
// the user's snapshot is refreshed and returned in the result.
func (s *Service) Generate(ctx context.Context, req Request, observer Observer) (*Result, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, ErrUnauthenticated
	}
	if req.Variant == "" {
		req.Variant = VariantSchedule
	}
	if !req.Variant.Valid() {
		return nil, fmt.Errorf("%w: unknown variant %q", ErrInvalidInput, req.Variant)
	}
	if req.Variant == VariantChat && strings.TrimSpace(req.Input) == "" {
		return nil, fmt.Errorf("%w: chat requires input", ErrInvalidInput)
	}
	if observer == nil {
		observer = NopObserver{}
	}

	sess := &Session{
		ID:        s.newID(),
		UserID:    req.UserID,
		Variant:   req.Variant,
		Input:     req.Input,
		Status:    StatusRunning,
		StartedAt: s.now(),
	}
	s.journalStart(ctx, sess)
	logger := s.logger.With("user_id", req.UserID, "session_id", sess.ID)

	if err := s.snapshots.Invalidate(ctx, req.UserID); err != nil {
		s.journalFinish(ctx, sess, StatusFailed, err)
		return nil, fmt.Errorf("invalidating snapshot: %w", err)
	}

	result := &Result{SessionID: sess.ID}
	engine := schedule.NewEngine(nil)
	steps := narration.NewBuffer(func(index int, step schedule.ReasoningStep) {
		observer.OnStep(index, step)
		s.journalStep(ctx, sess.ID, index, step)
	})

	conn, err := s.connector.Open(ctx, stream.Request{
		UserID:   req.UserID,
		Endpoint: endpointFor(req.Variant),
		Input:    req.Input,
	})
	if err != nil {
		logger.Warn("generation stream did not open", "error", err)
		s.journalFinish(ctx, sess, StatusFailed, err)
		return nil, err
	}

	sink := stream.SinkFuncs{
		Event: func(ev schedule.Event) {
			switch e := ev.(type) {
			case schedule.ReasoningStepEvent:
				steps.Append(e.Step)
			case schedule.ScheduleUpsertEvent, schedule.ScheduleRemoveEvent, schedule.ScheduleResetEvent:
				engine.Apply(ev)
				observer.OnSchedule(engine.Items())
			case schedule.MessageEvent:
				result.Messages = append(result.Messages, e)
				observer.OnMessage(e)
			}
		},
		Error: func(message string) {
			result.Errors = append(result.Errors, message)
			observer.OnError(message)
		},
		Frame: observer.OnFrame,
	}
	runErr := conn.Run(ctx, sink)

	result.Streamed = engine.Items()
	result.Steps = steps.Steps()
	sess.StepCount = steps.Len()
	sess.ScheduleCount = engine.Len()
	sess.ErrorCount = len(result.Errors)

	// The stream may have changed server state whatever the outcome.
	detached := context.WithoutCancel(ctx)
	switch {
	case runErr == nil:
		result.Status = StatusCompleted
		snap, err := s.snapshots.Refresh(detached, req.UserID)
		if err != nil {
			logger.Warn("snapshot refresh failed", "error", err)
		}
		result.Snapshot = snap
	case errors.Is(runErr, stream.ErrCancelled) || errors.Is(runErr, context.Canceled):
		result.Status = StatusCancelled
		s.invalidateQuietly(detached, logger, req.UserID)
	default:
		result.Status = StatusFailed
		s.invalidateQuietly(detached, logger, req.UserID)
	}

	s.journalFinish(detached, sess, result.Status, runErr)
	logger.Info("generation finished",
		"status", result.Status,
		"steps", sess.StepCount,
		"items", sess.ScheduleCount,
		"errors", sess.ErrorCount,
	)
	return result, runErr
}

// Cancel stops the user's running session. It reports whether one was running.
func (s *Service) Cancel(userID string) bool {
	return s.connector.Cancel(userID)
}

// CheckAvailability reports whether the backend can stream to the user. While
// the snapshot says the backend is mid-generation for another connection it
// returns ErrBackendUnreachable with the remaining countdown; once that runs
// out the snapshot is invalidated and a reload is suggested.
func (s *Service) CheckAvailability(ctx context.Context, userID string) (Availability, error) {
	if strings.TrimSpace(userID) == "" {
		return Availability{}, ErrUnauthenticated
	}
	state, err := s.snapshots.Read(ctx, userID)
	if err != nil {
		return Availability{}, err
	}

	s.mu.Lock()
	if state == nil || !state.ConnectionClosed {
		delete(s.pending, userID)
		s.mu.Unlock()
		return Availability{Available: true}, nil
	}
	now := s.now()
	first, ok := s.pending[userID]
	if !ok {
		first = now
		s.pending[userID] = first
	}
	remaining := s.pendingWait - now.Sub(first)
	if remaining <= 0 {
		delete(s.pending, userID)
	}
	s.mu.Unlock()

	if remaining > 0 {
		return Availability{RetryAfter: remaining}, ErrBackendUnreachable
	}
	if err := s.snapshots.Invalidate(ctx, userID); err != nil {
		return Availability{}, fmt.Errorf("invalidating snapshot: %w", err)
	}
	return Availability{ReloadSuggested: true}, ErrBackendUnreachable
}

// History lists journaled sessions.
func (s *Service) History(ctx context.Context, opts ListOptions) ([]Session, error) {
	if s.journal == nil {
		return []Session{}, nil
	}
	sessions, err := s.journal.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return sessions, nil
}

// Steps returns the reasoning steps journaled for a session.
func (s *Service) Steps(ctx context.Context, sessionID string) ([]Step, error) {
	if s.journal == nil {
		return nil, ErrSessionNotFound
	}
	steps, err := s.journal.Steps(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing steps: %w", err)
	}
	return steps, nil
}

func endpointFor(v Variant) stream.Endpoint {
	if v == VariantChat {
		return stream.EndpointChat
	}
	return stream.EndpointSchedule
}

func (s *Service) invalidateQuietly(ctx context.Context, logger *slog.Logger, userID string) {
	if err := s.snapshots.Invalidate(ctx, userID); err != nil {
		logger.Warn("snapshot invalidation failed", "error", err)
	}
}

func (s *Service) journalStart(ctx context.Context, sess *Session) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Start(ctx, sess); err != nil {
		s.logger.Warn("journal start failed", "session_id", sess.ID, "error", err)
	}
}

func (s *Service) journalStep(ctx context.Context, sessionID string, index int, step schedule.ReasoningStep) {
	if s.journal == nil {
		return
	}
	if err := s.journal.AppendStep(ctx, sessionID, index, step); err != nil {
		s.logger.Warn("journal step failed", "session_id", sessionID, "error", err)
	}
}

func (s *Service) journalFinish(ctx context.Context, sess *Session, status Status, cause error) {
	sess.Status = status
	if cause != nil {
		sess.Error = cause.Error()
	}
	finished := s.now()
	sess.FinishedAt = &finished
	if s.journal == nil {
		return
	}
	if err := s.journal.Finish(ctx, sess); err != nil {
		s.logger.Warn("journal finish failed", "session_id", sess.ID, "error", err)
	}
}
