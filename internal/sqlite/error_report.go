package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rpggio/tripsync/internal/repository"
)

// ErrorReportRepository implements repository.ErrorReportRepository for SQLite
type ErrorReportRepository struct {
	db *DB
}

// NewErrorReportRepository creates a new ErrorReportRepository
func NewErrorReportRepository(db *DB) *ErrorReportRepository {
	return &ErrorReportRepository{db: db}
}

// Create inserts a report and fills its id and timestamp
func (r *ErrorReportRepository) Create(ctx context.Context, report *repository.ErrorReport) error {
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now()
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO error_reports (user_id, email, error, created_at) VALUES (?, ?, ?, ?)`,
		nullString(report.UserID),
		nullString(report.Email),
		report.Error,
		report.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create error report: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		report.ID = id
	}
	return nil
}

// List returns the most recent reports first
func (r *ErrorReportRepository) List(ctx context.Context, limit int) ([]repository.ErrorReport, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, email, error, created_at
		FROM error_reports
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list error reports: %w", err)
	}
	defer rows.Close()

	reports := []repository.ErrorReport{}
	for rows.Next() {
		var report repository.ErrorReport
		var userID, email sql.NullString
		if err := rows.Scan(&report.ID, &userID, &email, &report.Error, &report.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan error report: %w", err)
		}
		report.UserID = userID.String
		report.Email = email.String
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating error report rows: %w", err)
	}
	return reports, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
