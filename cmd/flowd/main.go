package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/chainreact/flowd/internal/engine"
	"github.com/chainreact/flowd/internal/expressions"
	"github.com/chainreact/flowd/internal/hitl"
	"github.com/chainreact/flowd/internal/ingest"
	"github.com/chainreact/flowd/internal/logging"
	"github.com/chainreact/flowd/internal/nodes"
	"github.com/chainreact/flowd/internal/store"
	"github.com/chainreact/flowd/internal/validation"
)

func main() {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("flowd exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
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
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("cel engine: %w", err)
	}
	jq := expressions.NewGoJQEngine()
	exprs := expressions.NewExprEngine()

	registry := nodes.NewRegistry()
	if err := nodes.RegisterBuiltins(registry, cel, jq, exprs, nodes.HTTPConfig{}); err != nil {
		return fmt.Errorf("register builtins: %w", err)
	}

	validator, err := validation.NewFlowValidator(registry, cel)
	if err != nil {
		return fmt.Errorf("flow validator: %w", err)
	}
	interp := expressions.NewInterpolator(st)

	runner := engine.NewRunner(st, registry, validator, interp, cel, logger, engine.Config{
		NodeTimeout: cfg.nodeTimeout(),
		RetryDelay:  cfg.retryDelay(),
		MaxParallel: cfg.MaxParallel,
	})

	webhooks := ingest.NewWebhooks(st, cfg.dedupRetention(), logger)
	processor := ingest.NewProcessor(st, runner, logger)
	sweeper := ingest.NewSweeper(st, runner, logger)
	manager := hitl.NewManager(st, runner, logger)

	srv := newHTTPServer(cfg.ListenAddr, (&server{
		webhooks: webhooks,
		runner:   runner,
		manager:  manager,
		logger:   logger,
	}).routes())
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	// Catch up on triggers that came due while the daemon was down.
	if stats, err := sweeper.RecoverMissed(ctx, time.Now().UTC()); err != nil {
		logger.Warn("missed-trigger recovery failed", slog.String("error", err.Error()))
	} else if stats.Claimed > 0 {
		logger.Info("recovered missed triggers",
			slog.Int("claimed", stats.Claimed),
			slog.Int("started", stats.Started),
			slog.Int("failed", stats.Failed))
	}

	logger.Info("flowd started",
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("db_path", cfg.DBPath),
		slog.Int("max_parallel", cfg.MaxParallel))

	taskTicker := time.NewTicker(cfg.pollInterval())
	defer taskTicker.Stop()
	sweepTicker := time.NewTicker(cfg.sweepInterval())
	defer sweepTicker.Stop()
	pruneTicker := time.NewTicker(time.Hour)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("flowd shutting down")
			return nil
		case err := <-serveErr:
			return fmt.Errorf("http server: %w", err)
		case <-taskTicker.C:
			if _, err := processor.ProcessPending(ctx, 0); err != nil && ctx.Err() == nil {
				logger.Warn("task processing failed", slog.String("error", err.Error()))
			}
		case <-sweepTicker.C:
			now := time.Now().UTC()
			if _, err := sweeper.Sweep(ctx, now, 0); err != nil && ctx.Err() == nil {
				logger.Warn("trigger sweep failed", slog.String("error", err.Error()))
			}
			if _, err := manager.ExpireDue(ctx, now); err != nil && ctx.Err() == nil {
				logger.Warn("conversation expiry failed", slog.String("error", err.Error()))
			}
		case <-pruneTicker.C:
			if n, err := st.PruneDedupKeys(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
				logger.Warn("dedup prune failed", slog.String("error", err.Error()))
			} else if n > 0 {
				logger.Debug("pruned dedup keys", slog.Int64("count", n))
			}
		}
	}
}
