package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/loomery/loom/internal/cronx"
	"github.com/loomery/loom/internal/dispatcher"
	"github.com/loomery/loom/internal/engine"
	"github.com/loomery/loom/internal/executor"
	"github.com/loomery/loom/internal/logging"
	"github.com/loomery/loom/internal/manager"
	"github.com/loomery/loom/internal/monitor"
	"github.com/loomery/loom/internal/store"
	"github.com/loomery/loom/pkg/mcp"
	"github.com/loomery/loom/pkg/schema"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "loom:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	registry := executor.NewRegistry()
	if err := registry.Register(executor.NewHTTPExecutor()); err != nil {
		return err
	}
	if err := registry.Register(executor.NewStaticExecutor()); err != nil {
		return err
	}

	eng, err := engine.New(st, registry, logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	cron := cronx.New()
	pool := engine.NewWorkerPool(cfg.PoolSize)
	disp := dispatcher.New(st, cron, eng, pool, logger,
		dispatcher.WithTickInterval(cfg.tickInterval()))

	validator, err := schema.NewValidator()
	if err != nil {
		return fmt.Errorf("create validator: %w", err)
	}
	mgr := manager.New(st, cron, validator, logger)

	if err := disp.Start(ctx); err != nil {
		return err
	}
	defer disp.Stop()

	srv := mcp.NewLoomServer(mcp.LoomServerDeps{
		Manager:    mgr,
		Dispatcher: disp,
		Monitor:    monitor.New(st, cron),
		Store:      st,
		Logger:     logger,
	})

	logger.Info("loom server ready",
		slog.String("db_path", cfg.DBPath),
		slog.Int("pool_size", cfg.PoolSize))

	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	// Stdout carries the MCP stdio transport, so logs go to stderr.
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}
