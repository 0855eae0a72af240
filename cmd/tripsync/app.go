package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rpggio/tripsync/internal/backend"
	"github.com/rpggio/tripsync/internal/config"
	"github.com/rpggio/tripsync/internal/domain/generation"
	"github.com/rpggio/tripsync/internal/domain/snapshot"
	"github.com/rpggio/tripsync/internal/gateway"
	"github.com/rpggio/tripsync/internal/memstore"
	"github.com/rpggio/tripsync/internal/redisstore"
	"github.com/rpggio/tripsync/internal/sqlite"
	"github.com/rpggio/tripsync/internal/stream"
)

// app holds the wired components shared by every command.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	db           *sqlite.DB
	client       *backend.Client
	store        snapshot.Store
	cache        *snapshot.Cache
	gateway      *gateway.Gateway
	manager      *stream.Manager
	generations  *generation.Service
	journal      *sqlite.JournalRepository
	errorReports *sqlite.ErrorReportRepository
	users        *sqlite.UserResolver

	closers []func() error
}

// newApp loads configuration and wires the stack. stdio keeps stdout free
// for protocol traffic.
func newApp(ctx context.Context, stdio bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if stdio {
		cfg.Transport.Mode = "stdio"
	}

	a := &app{cfg: cfg}
	logger, err := a.newLogger(stdio)
	if err != nil {
		return nil, err
	}
	a.logger = logger

	if err := ensureDBDir(cfg.DB.Path); err != nil {
		return nil, fmt.Errorf("prepare database path: %w", err)
	}
	db, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	if err := db.RunMigrations(); err != nil {
		a.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	a.db = db
	a.journal = sqlite.NewJournalRepository(db)
	a.errorReports = sqlite.NewErrorReportRepository(db)
	a.users = sqlite.NewUserResolver(db)

	client, err := backend.New(cfg.Backend.URL, backend.Options{
		Timeout: cfg.Backend.Timeout,
		Logger:  logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.client = client

	store, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store

	a.cache = snapshot.NewCache(store, client, snapshot.Options{TTL: cfg.Cache.TTL, Logger: logger})
	a.manager = stream.NewManager(stream.WebsocketDialer{}, client, stream.Options{
		HandshakeTimeout: cfg.Stream.HandshakeTimeout,
		IdleTimeout:      cfg.Stream.IdleTimeout,
		Logger:           logger,
	})
	a.gateway = gateway.New(client, a.cache, a.manager, logger)
	a.generations = generation.NewService(a.manager, a.cache, a.journal, generation.Options{
		PendingWait: cfg.Stream.PendingWait,
		Logger:      logger,
	})

	logger.Debug("stack ready",
		"backend", cfg.Backend.URL,
		"cache_backend", cfg.Cache.Backend,
		"cache_ttl", cfg.Cache.TTL,
		"handshake_timeout", cfg.Stream.HandshakeTimeout,
	)
	return a, nil
}

func (a *app) openStore(ctx context.Context) (snapshot.Store, error) {
	switch a.cfg.Cache.Backend {
	case config.CacheRedis:
		rdb, err := redisstore.Open(ctx, a.cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rdb.Close)
		return redisstore.New(rdb, a.cfg.Redis.Prefix), nil
	case config.CacheSQLite:
		return sqlite.NewSnapshotStore(a.db), nil
	default:
		return memstore.New(a.cfg.Cache.MaxEntries), nil
	}
}

// purgeExpired drops expired SQLite snapshot rows until ctx ends.
func (a *app) purgeExpired(ctx context.Context, every time.Duration) {
	store, ok := a.store.(*sqlite.SnapshotStore)
	if !ok {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := store.PurgeExpired(ctx, now)
			if err != nil {
				a.logger.Warn("snapshot purge failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Debug("purged expired snapshots", "rows", n)
			}
		}
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	if a.manager != nil {
		a.manager.CloseAll()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func (a *app) newLogger(stdio bool) (*slog.Logger, error) {
	// Use stderr for logs in stdio mode to keep stdout clean for JSON-RPC.
	logWriter := io.Writer(os.Stdout)
	if stdio {
		logWriter = os.Stderr
	}
	if a.cfg.Log.Path != "" {
		fileWriter, file, err := newLogFileWriter(a.cfg.Log.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "log file error: %v\n", err)
		} else {
			a.closers = append(a.closers, file.Close)
			logWriter = fileWriter
		}
	}
	return slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{
		Level: parseLogLevel(a.cfg.Log.Level),
	})), nil
}

func ensureDBDir(path string) error {
	if path == ":memory:" || path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
