package mcp

import (
	"context"
	"log/slog"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rpggio/tripsync/internal/domain/generation"
	"github.com/rpggio/tripsync/internal/domain/schedule"
)

// DefaultUser acts for every call when authentication is off.
const DefaultUser = "default"

// ScheduleGateway defines the schedule reads and mutations needed by MCP.
type ScheduleGateway interface {
	ReadSnapshotRaw(ctx context.Context, userID string) ([]byte, error)
	UpdateSchedule(ctx context.Context, userID string, items []schedule.ScheduleItem) error
	UpdateTrip(ctx context.Context, userID string, profile schedule.TripProfile) error
	Reset(ctx context.Context, userID string) error
}

// GenerationService defines generation operations needed by MCP.
type GenerationService interface {
	Generate(ctx context.Context, req generation.Request, observer generation.Observer) (*generation.Result, error)
	Cancel(userID string) bool
	CheckAvailability(ctx context.Context, userID string) (generation.Availability, error)
	History(ctx context.Context, opts generation.ListOptions) ([]generation.Session, error)
}

// Services contains all domain services needed by MCP.
type Services struct {
	Schedules   ScheduleGateway
	Generations GenerationService
}

// Config contains server configuration.
type Config struct {
	Services      Services
	Resolver      UserResolver
	AuthEnabled   bool
	TransportMode string // "stdio" or "http"
	DefaultUser   string
	Logger        *slog.Logger
}

// NewServer creates and configures an MCP server with all tools and middleware.
func NewServer(cfg Config) *sdkmcp.Server {
	server := sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    "tripsync",
		Version: "0.1.0",
	}, &sdkmcp.ServerOptions{
		Instructions: serverInstructions,
		Logger:       cfg.Logger,
	})

	registerDocResources(server)

	defaultUser := cfg.DefaultUser
	if defaultUser == "" {
		defaultUser = DefaultUser
	}

	// Stdio is local only and never authenticates.
	if cfg.TransportMode != "stdio" && cfg.AuthEnabled {
		server.AddReceivingMiddleware(authMiddleware(cfg.Resolver))
	} else {
		server.AddReceivingMiddleware(noAuthMiddleware(defaultUser))
	}
	server.AddReceivingMiddleware(trafficLoggingMiddleware(cfg.Logger, "inbound"))
	server.AddSendingMiddleware(trafficLoggingMiddleware(cfg.Logger, "outbound"))

	registerTools(server, cfg.Services)

	return server
}
