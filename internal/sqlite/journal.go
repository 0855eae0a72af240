package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rpggio/tripsync/internal/domain/generation"
	"github.com/rpggio/tripsync/internal/domain/schedule"
	"github.com/rpggio/tripsync/internal/repository"
)

// JournalRepository implements generation.Journal for SQLite
type JournalRepository struct {
	db *DB
}

// NewJournalRepository creates a new JournalRepository
func NewJournalRepository(db *DB) *JournalRepository {
	return &JournalRepository{db: db}
}

// Start inserts a running session
func (r *JournalRepository) Start(ctx context.Context, sess *generation.Session) error {
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}

	query := `
		INSERT INTO generation_sessions (
			id, user_id, variant, input, status, started_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		sess.ID,
		sess.UserID,
		sess.Variant,
		sess.Input,
		sess.Status,
		sess.StartedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: session %s exists", repository.ErrConflict, sess.ID)
		}
		return fmt.Errorf("failed to start session: %w", err)
	}
	return nil
}

// AppendStep records one reasoning step
func (r *JournalRepository) AppendStep(ctx context.Context, sessionID string, index int, step schedule.ReasoningStep) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO reasoning_steps (session_id, step_index, title, description, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, sessionID, index, step.Title, step.Description, time.Now())
	if err != nil {
		if isForeignKeyViolation(err) {
			return repository.ErrForeignKeyViolation
		}
		return fmt.Errorf("failed to append step: %w", err)
	}
	return nil
}

// Finish stores the session's outcome
func (r *JournalRepository) Finish(ctx context.Context, sess *generation.Session) error {
	if sess.FinishedAt == nil {
		now := time.Now()
		sess.FinishedAt = &now
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE generation_sessions
		SET status = ?, step_count = ?, schedule_count = ?, error_count = ?, error = ?, finished_at = ?
		WHERE id = ?
	`,
		sess.Status,
		sess.StepCount,
		sess.ScheduleCount,
		sess.ErrorCount,
		sess.Error,
		*sess.FinishedAt,
		sess.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check finish result: %w", err)
	}
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// List returns sessions matching the given filters, newest first
func (r *JournalRepository) List(ctx context.Context, opts generation.ListOptions) ([]generation.Session, error) {
	query := `
		SELECT
			id, user_id, variant, input, status, step_count, schedule_count,
			error_count, error, started_at, finished_at
		FROM generation_sessions
	`

	args := []interface{}{}
	conditions := []string{}

	if opts.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if opts.Status != nil {
		conditions = append(conditions, "status = ?")
		args = append(args, *opts.Status)
	}

	if len(conditions) > 0 {
		query += " WHERE " + joinConditions(conditions)
	}

	query += " ORDER BY started_at DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []generation.Session{}
	for rows.Next() {
		var sess generation.Session
		var finishedAt sql.NullTime
		if err := rows.Scan(
			&sess.ID,
			&sess.UserID,
			&sess.Variant,
			&sess.Input,
			&sess.Status,
			&sess.StepCount,
			&sess.ScheduleCount,
			&sess.ErrorCount,
			&sess.Error,
			&sess.StartedAt,
			&finishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if finishedAt.Valid {
			sess.FinishedAt = &finishedAt.Time
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}

	return sessions, nil
}

// Steps returns a session's reasoning steps in arrival order
func (r *JournalRepository) Steps(ctx context.Context, sessionID string) ([]generation.Step, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, step_index, title, description, created_at
		FROM reasoning_steps
		WHERE session_id = ?
		ORDER BY step_index ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	steps := []generation.Step{}
	for rows.Next() {
		var step generation.Step
		if err := rows.Scan(&step.SessionID, &step.Index, &step.Title, &step.Description, &step.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step rows: %w", err)
	}
	return steps, nil
}

func joinConditions(conditions []string) string {
	if len(conditions) == 0 {
		return ""
	}
	joined := conditions[0]
	for i := 1; i < len(conditions); i++ {
		joined += " AND " + conditions[i]
	}
	return joined
}
