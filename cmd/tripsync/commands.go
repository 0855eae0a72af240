package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rpggio/tripsync/internal/domain/generation"
	"github.com/rpggio/tripsync/internal/domain/schedule"
	"github.com/rpggio/tripsync/internal/mcp"
	"github.com/rpggio/tripsync/internal/transport"
	"github.com/spf13/cobra"
)

const purgeInterval = 10 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API, websocket relay and MCP endpoint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		go a.purgeExpired(ctx, purgeInterval)

		mcpServer := a.mcpServer()
		mcpHandler := sdkmcp.NewStreamableHTTPHandler(
			func(r *http.Request) *sdkmcp.Server { return mcpServer },
			&sdkmcp.StreamableHTTPOptions{
				Stateless:      false,
				SessionTimeout: 30 * time.Minute,
			},
		)

		router := transport.NewServer(transport.Config{
			Gateway:      a.gateway,
			Cache:        a.cache,
			Generations:  a.generations,
			ErrorReports: a.errorReports,
			Backend:      a.client,
			Identity:     transport.IdentityMiddleware(a.users, a.cfg.Auth.Enabled),
			MCP:          mcpHandler,
			Logger:       a.logger,
		})

		addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
		httpServer := &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			a.logger.Info("server listening", "addr", addr, "auth", a.cfg.Auth.Enabled)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				a.logger.Error("server error", "error", err)
				return err
			}
		case <-ctx.Done():
		}
		waitForShutdown(a, httpServer)
		return nil
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the MCP server over stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		a.logger.Info("starting stdio transport", "auth", "disabled")
		// Run blocks until stdin closes or ctx is cancelled.
		if err := a.mcpServer().Run(ctx, &sdkmcp.StdioTransport{}); err != nil && ctx.Err() == nil {
			a.logger.Error("stdio server error", "error", err)
			return err
		}
		return nil
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Run one generation session and print the result",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.generations.Generate(ctx, generation.Request{
			UserID:  userFlag,
			Variant: generation.Variant(variantFlag),
			Input:   inputFlag,
		}, progressPrinter{})
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the cached schedule snapshot for a user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		state, err := a.gateway.ReadSnapshot(cmd.Context(), userFlag)
		if err != nil {
			return err
		}
		return printJSON(state)
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset a user's planning state on the backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.gateway.Reset(cmd.Context(), userFlag); err != nil {
			return err
		}
		fmt.Println("reset", userFlag)
		return nil
	},
}

var issueKeyCmd = &cobra.Command{
	Use:   "issue-key",
	Short: "Issue a bearer token for a user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		token, err := a.users.IssueKey(cmd.Context(), userFlag, descFlag)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func (a *app) mcpServer() *sdkmcp.Server {
	return mcp.NewServer(mcp.Config{
		Services: mcp.Services{
			Schedules:   a.gateway,
			Generations: a.generations,
		},
		Resolver:      a.users,
		AuthEnabled:   a.cfg.Auth.Enabled,
		TransportMode: a.cfg.Transport.Mode,
		Logger:        a.logger,
	})
}

// progressPrinter narrates a run on stderr so stdout carries only the result.
type progressPrinter struct {
	generation.NopObserver
}

func (progressPrinter) OnStep(index int, step schedule.ReasoningStep) {
	fmt.Fprintf(os.Stderr, "[%d] %s\n", index+1, step.Title)
}

func (progressPrinter) OnMessage(msg schedule.MessageEvent) {
	fmt.Fprintf(os.Stderr, "%s: %s\n", msg.Role, msg.Message)
}

func (progressPrinter) OnError(message string) {
	fmt.Fprintf(os.Stderr, "backend error: %s\n", message)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func waitForShutdown(a *app, server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a.logger.Info("shutting down")
	// Open relays hold hijacked connections that Shutdown does not track.
	a.manager.CloseAll()
	if err := server.Shutdown(ctx); err != nil {
		a.logger.Error("shutdown error", "error", err)
	}
}
