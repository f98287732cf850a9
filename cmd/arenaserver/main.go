// Command arenaserver runs the realtime matchmaking and match server:
// HTTP API, WebSocket realtime plane, matchmaking queue, per-match tick
// loops, and result finalization against PostgreSQL.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/duelarena/server/internal/auth"
	"github.com/duelarena/server/internal/config"
	"github.com/duelarena/server/internal/db"
	"github.com/duelarena/server/internal/httpapi"
	"github.com/duelarena/server/internal/matchqueue"
	"github.com/duelarena/server/internal/obs"
	"github.com/duelarena/server/internal/rating"
	"github.com/duelarena/server/internal/realtime"
	"github.com/duelarena/server/internal/reconnect"
	"github.com/duelarena/server/internal/result"
	"github.com/duelarena/server/internal/session"
)

const defaultConfigPath = "config/arenaserver.yaml"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfgPath := defaultConfigPath
	if p := os.Getenv("ARENA_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadServer(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))
	slog.Info("arenaserver starting", "log_level", cfg.LogLevel, "addr", cfg.Addr())

	pool, err := db.NewPool(ctx, cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	if err := db.RunMigrations(ctx, cfg.Database.DSN()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	slog.Info("database migrations applied")

	metrics := obs.NewMetrics()
	authSvc := auth.NewService(auth.Config{
		TokenTTL:        cfg.TokenTTL(),
		RateLimitWindow: cfg.LoginRateWindow(),
		RateLimitMax:    cfg.LoginRateMax,
	})
	tokens := reconnect.NewTokenStore()
	hub := realtime.NewHub()
	ratings := rating.NewStore(pool)
	finalizer := result.NewFinalizer(pool, metrics)
	sessions := session.NewManager(session.Config{
		TickInterval: cfg.TickInterval(),
		MaxTicks:     cfg.MaxTicks,
	}, hub, finalizer)
	queue := matchqueue.New(cfg.MatchQueueTimeout(), sessions, hub)

	metrics.RegisterAppGauges(
		func() float64 { return float64(sessions.ActiveSessionCount()) },
		func() float64 { return float64(queue.Len()) },
		func() float64 { return float64(hub.ActiveConnections()) },
	)

	api := httpapi.NewServer(cfg, authSvc, queue, sessions, sessions, ratings, hub, tokens, metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Run(gctx) })
	g.Go(func() error { return queue.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return sessions.Shutdown(drainCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	requests, errCount, finalized, _ := metrics.OpsCounts()
	slog.Info("arenaserver stopped",
		"requests", requests, "requestErrors", errCount, "resultsFinalized", finalized)
	return nil
}

// parseLogLevel converts the configured log level to slog.Level,
// defaulting to Info.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
