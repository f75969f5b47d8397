package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/cockroachdb/pebble/vfs"

	"walkv/internal/http"
	"walkv/pkg/faultfs"
	"walkv/pkg/metrics"
	"walkv/pkg/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := initLogger(&cfg)

	prom := metrics.NewPrometheus("walkv")
	env := faultfs.New(vfs.Default, faultfs.WithLogger(logger), faultfs.WithMetrics(prom))

	opts, err := storeOptions(cfg.DB)
	if err != nil {
		slog.Error("invalid db config", "error", err)
		os.Exit(1)
	}
	opts.Env = env
	opts.Logger = logger
	opts.Metrics = prom

	db, err := store.Open(cfg.DB.Path, opts)
	if err != nil {
		slog.Error("failed to open store", "path", cfg.DB.Path, "error", err)
		os.Exit(1)
	}

	server := http.NewServer(db, strconv.Itoa(cfg.Server.Port),
		http.WithFaultEnv(env),
		http.WithMetricsHandler(prom.Handler()),
		http.WithReadHeaderTimeout(cfg.Server.ReadHeaderTimeout),
	)
	if err := server.Start(); err != nil {
		slog.Error("failed to start server", "error", err)
		_ = db.Close()
		os.Exit(1)
	}

	<-ctx.Done()

	if err := server.Stop(); err != nil {
		slog.Error("error stopping server", "error", err)
	}
	if err := db.FlushWAL(true); err != nil {
		slog.Warn("final wal sync failed", "error", err)
	}
	if err := db.Close(); err != nil {
		slog.Error("error closing store", "error", err)
	}

	slog.Info("walkv stopped")
}
