package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rpggio/tripsync/internal/domain/generation"
	"github.com/rpggio/tripsync/internal/domain/schedule"
	"github.com/rpggio/tripsync/internal/domain/snapshot"
	"github.com/rpggio/tripsync/internal/gateway"
	"github.com/rpggio/tripsync/internal/repository"
)

// Mutations is the request layer's view of the mutation gateway.
type Mutations interface {
	UpdateSchedule(ctx context.Context, userID string, items []schedule.ScheduleItem) error
	UpdateTrip(ctx context.Context, userID string, profile schedule.TripProfile) error
	Reset(ctx context.Context, userID string) error
	ReadSnapshotRaw(ctx context.Context, userID string) ([]byte, error)
}

// Revalidator drops cached snapshots by tag.
type Revalidator interface {
	InvalidateTag(ctx context.Context, tag string) error
	Stats() snapshot.Stats
}

// Generator runs generation sessions.
type Generator interface {
	Generate(ctx context.Context, req generation.Request, observer generation.Observer) (*generation.Result, error)
	Cancel(userID string) bool
	CheckAvailability(ctx context.Context, userID string) (generation.Availability, error)
	History(ctx context.Context, opts generation.ListOptions) ([]generation.Session, error)
}

// HealthChecker checks the generation backend.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Config wires the HTTP server. ErrorReports, Backend and MCP are optional.
type Config struct {
	Gateway      Mutations
	Cache        Revalidator
	Generations  Generator
	ErrorReports repository.ErrorReportRepository
	Backend      HealthChecker
	Identity     func(http.Handler) http.Handler
	MCP          http.Handler
	Logger       *slog.Logger
}

// Server serves the request layer.
type Server struct {
	gateway      Mutations
	cache        Revalidator
	generations  Generator
	errorReports repository.ErrorReportRepository
	backend      HealthChecker
	upgrader     websocket.Upgrader
	logger       *slog.Logger
}

// NewServer creates an HTTP server router with middleware.
func NewServer(cfg Config) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	srv := &Server{
		gateway:      cfg.Gateway,
		cache:        cfg.Cache,
		generations:  cfg.Generations,
		errorReports: cfg.ErrorReports,
		backend:      cfg.Backend,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", srv.handleHealth)
	r.Post("/error_report", srv.handleErrorReport)
	if cfg.MCP != nil {
		r.Handle("/mcp", cfg.MCP)
		r.Handle("/mcp/*", cfg.MCP)
	}

	r.Group(func(r chi.Router) {
		if cfg.Identity != nil {
			r.Use(cfg.Identity)
		}
		r.Get("/graph_state", srv.handleGraphState)
		r.Post("/revalidate", srv.handleRevalidate)
		r.Post("/update_schedule", srv.handleUpdateSchedule)
		r.Post("/update_trip", srv.handleUpdateTrip)
		r.Delete("/reset_state", srv.handleResetState)
		r.Get("/availability", srv.handleAvailability)
		r.Get("/generations", srv.handleGenerations)
		r.Post("/generations/cancel", srv.handleCancel)
		r.Get("/ws/generate_schedule", srv.handleStream(generation.VariantSchedule))
		r.Get("/ws/chat", srv.handleStream(generation.VariantChat))
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	status := http.StatusOK
	if s.cache != nil {
		body["cache"] = s.cache.Stats()
	}
	if s.backend != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.backend.Health(ctx); err != nil {
			body["status"] = "degraded"
			body["backend"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			body["backend"] = "ok"
		}
	}
	writeJSON(w, status, body)
}

// handleRevalidate drops the caller's own snapshot. tag defaults to the
// caller's tag; any other user's tag is refused.
func (s *Server) handleRevalidate(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		tag = snapshot.Tag(userID)
	}
	if tag != snapshot.Tag(userID) {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "tag belongs to another user"})
		return
	}
	if err := s.cache.InvalidateTag(r.Context(), tag); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revalidated": true, "now": time.Now().UnixMilli()})
}

type errorReportRequest struct {
	Error  string `json:"error"`
	Email  string `json:"email"`
	UserID string `json:"user_id"`
}

func (s *Server) handleErrorReport(w http.ResponseWriter, r *http.Request) {
	if s.errorReports == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: "error reports are not stored"})
		return
	}
	var req errorReportRequest
	if err := decodeBody(r, &req); err != nil || strings.TrimSpace(req.Error) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "error is required"})
		return
	}
	report := &repository.ErrorReport{
		UserID: req.UserID,
		Email:  req.Email,
		Error:  req.Error,
	}
	if err := s.errorReports.Create(r.Context(), report); err != nil {
		s.logger.Error("storing error report failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "could not store report"})
		return
	}
	s.logger.Info("error report received", "report_id", report.ID, "user_id", report.UserID)
	writeJSON(w, http.StatusCreated, report)
}

func (s *Server) handleGraphState(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())
	raw, err := s.gateway.ReadSnapshotRaw(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if raw == nil {
		raw = []byte("null")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

type scheduleRequest struct {
	ListOfActivities []schedule.ScheduleItem `json:"list_of_activities"`
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())
	var req scheduleRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return
	}
	if err := s.gateway.UpdateSchedule(r.Context(), userID, req.ListOfActivities); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpdateTrip(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())
	var profile schedule.TripProfile
	if err := decodeBody(r, &profile); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return
	}
	if err := s.gateway.UpdateTrip(r.Context(), userID, profile); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleResetState(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())
	if err := s.gateway.Reset(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())
	avail, err := s.generations.CheckAvailability(r.Context(), userID)
	if err != nil && !errors.Is(err, generation.ErrBackendUnreachable) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, availabilityBody(avail))
}

func (s *Server) handleGenerations(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())
	opts := generation.ListOptions{UserID: userID}
	query := r.URL.Query()
	if status := query.Get("status"); status != "" {
		st := generation.Status(status)
		opts.Status = &st
	}
	if limit, err := strconv.Atoi(query.Get("limit")); err == nil {
		opts.Limit = limit
	}
	if offset, err := strconv.Atoi(query.Get("offset")); err == nil {
		opts.Offset = offset
	}
	sessions, err := s.generations.History(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.generations.Cancel(userID)})
}

type errorBody struct {
	Error          string `json:"error"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
}

// StatusFor maps a domain error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, gateway.ErrUnauthenticated),
		errors.Is(err, generation.ErrUnauthenticated),
		errors.Is(err, snapshot.ErrMissingUser),
		errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrInvalidInput),
		errors.Is(err, generation.ErrInvalidInput),
		errors.Is(err, snapshot.ErrUnknownTag):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrUpstreamRejected):
		return http.StatusBadGateway
	case errors.Is(err, gateway.ErrBackendUnreachable),
		errors.Is(err, generation.ErrBackendUnreachable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, StatusFor(err), errorBody{Error: err.Error(), UpstreamStatus: gateway.StatusCode(err)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	return dec.Decode(dst)
}

func availabilityBody(a generation.Availability) map[string]any {
	return map[string]any{
		"available":        a.Available,
		"retry_after_ms":   a.RetryAfter.Milliseconds(),
		"reload_suggested": a.ReloadSuggested,
	}
}
