// Command epochmq-server is the EpochMQ broker process.
// It loads configuration, connects to Redis, runs the scheduling and
// recovery sweeps, and serves the administrative HTTP API.
//
// Usage:
//
//	epochmq-server [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/epochmq/internal/broker"
	"github.com/snehjoshi/epochmq/internal/config"
	"github.com/snehjoshi/epochmq/internal/metrics"
	"github.com/snehjoshi/epochmq/internal/node"
	"github.com/snehjoshi/epochmq/internal/storage"
	transphttp "github.com/snehjoshi/epochmq/internal/transport/http"
	transportws "github.com/snehjoshi/epochmq/internal/transport/websocket"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "epochmq: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	// ── 3. Initialise node identity ──────────────────────────────────────────
	override := cfg.Node.ID
	if override == "auto" {
		override = ""
	}
	n, err := node.New(override)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}

	slog.Info("epochmq starting",
		"node_id", n.ID(),
		"host", cfg.Node.Host,
		"port", cfg.Node.Port,
		"redis", cfg.Redis.Addr,
		"schedule_mode", string(cfg.Scheduler.Mode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 4. Connect to Redis ──────────────────────────────────────────────────
	store, err := storage.Open(ctx, storage.Options{
		Addr:           cfg.Redis.Addr,
		Username:       cfg.Redis.Username,
		Password:       cfg.Redis.Password,
		DB:             cfg.Redis.DB,
		PoolSize:       cfg.Redis.PoolSize,
		DialTimeout:    config.Ms(cfg.Redis.DialTimeoutMs),
		Prefix:         cfg.Redis.Prefix,
		GlobalSchedule: cfg.Scheduler.Mode == config.ScheduleGlobal,
	}, storage.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer store.Close()

	// ── 5. Initialise broker (queues + scheduler + liveness + metrics) ───────
	metricsReg := &metrics.Registry{}
	b, err := broker.New(store, cfg, n, broker.WithMetrics(metricsReg), broker.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init broker: %w", err)
	}

	// ── 6. Event feed and HTTP transport ─────────────────────────────────────
	feed := transportws.NewFeed(logger)
	store.AddListener(feed)
	srv := transphttp.New(b, feed, logger)
	addr := transphttp.Addr(cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error {
		slog.Info("epochmq ready", "node_id", n.ID(), "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// ── 7. Graceful shutdown on SIGINT / SIGTERM or a failed component ──────
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutCtx, cancel := context.WithTimeout(context.Background(), config.Ms(cfg.Admin.ShutdownTimeoutMs))
		defer cancel()

		feed.Close()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Warn("server shutdown error", "err", err)
		}
		if err := b.Close(shutCtx); err != nil {
			slog.Warn("broker close error", "err", err)
		}
		return nil
	})

	err = g.Wait()
	slog.Info("epochmq stopped")
	return err
}

// newLogger builds the JSON slog handler described by cfg.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var out io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		out = os.Stderr
	}
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
}
