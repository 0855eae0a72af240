package mocks

import (
	"context"

	"github.com/rpggio/tripsync/internal/domain/generation"
	"github.com/rpggio/tripsync/internal/domain/schedule"
	"github.com/rpggio/tripsync/internal/repository"
	"github.com/stretchr/testify/mock"
)

// JournalRepository is a mock for repository.JournalRepository.
type JournalRepository struct {
	mock.Mock
}

func (m *JournalRepository) Start(ctx context.Context, sess *generation.Session) error {
	args := m.Called(ctx, sess)
	return args.Error(0)
}

func (m *JournalRepository) AppendStep(ctx context.Context, sessionID string, index int, step schedule.ReasoningStep) error {
	args := m.Called(ctx, sessionID, index, step)
	return args.Error(0)
}

func (m *JournalRepository) Finish(ctx context.Context, sess *generation.Session) error {
	args := m.Called(ctx, sess)
	return args.Error(0)
}

func (m *JournalRepository) List(ctx context.Context, opts generation.ListOptions) ([]generation.Session, error) {
	args := m.Called(ctx, opts)
	if list, ok := args.Get(0).([]generation.Session); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *JournalRepository) Steps(ctx context.Context, sessionID string) ([]generation.Step, error) {
	args := m.Called(ctx, sessionID)
	if steps, ok := args.Get(0).([]generation.Step); ok {
		return steps, args.Error(1)
	}
	return nil, args.Error(1)
}

// ErrorReportRepository is a mock for repository.ErrorReportRepository.
type ErrorReportRepository struct {
	mock.Mock
}

func (m *ErrorReportRepository) Create(ctx context.Context, report *repository.ErrorReport) error {
	args := m.Called(ctx, report)
	return args.Error(0)
}

func (m *ErrorReportRepository) List(ctx context.Context, limit int) ([]repository.ErrorReport, error) {
	args := m.Called(ctx, limit)
	if list, ok := args.Get(0).([]repository.ErrorReport); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

// UserResolver is a mock for repository.UserResolver.
type UserResolver struct {
	mock.Mock
}

func (m *UserResolver) ResolveUser(ctx context.Context, token string) (string, error) {
	args := m.Called(ctx, token)
	return args.String(0), args.Error(1)
}

// BackendClient is a mock for repository.BackendClient.
type BackendClient struct {
	mock.Mock
}

func (m *BackendClient) UpdateSchedule(ctx context.Context, userID string, items []schedule.ScheduleItem) error {
	args := m.Called(ctx, userID, items)
	return args.Error(0)
}

func (m *BackendClient) UpdateTrip(ctx context.Context, userID string, profile schedule.TripProfile) error {
	args := m.Called(ctx, userID, profile)
	return args.Error(0)
}

func (m *BackendClient) ResetState(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}
