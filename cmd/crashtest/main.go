package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/pebble/vfs"

	"walkv/pkg/config"
	"walkv/pkg/faultfs"
	"walkv/pkg/harness"
	"walkv/pkg/metrics"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "path to YAML config")
		seed       = flag.Int64("seed", 0, "override crashtest.seed (0 = keep)")
		iterations = flag.Int("iterations", 0, "override crashtest.iterations (0 = keep)")
		dir        = flag.String("dir", "", "run on the real filesystem under dir instead of memory")
	)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Logger.SlogLevel()}))

	hc := harness.FromConfig(cfg.Crashtest)
	if *seed != 0 {
		hc.Seed = *seed
	}
	if *iterations > 0 {
		hc.Iterations = *iterations
	}
	hc.Logger = logger
	hc.Metrics = metrics.NewPrometheus("crashtest")
	if *dir != "" {
		if err := os.MkdirAll(*dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "create %s: %v\n", *dir, err)
			os.Exit(1)
		}
		// each run starts from an empty directory
		runDir, err := os.MkdirTemp(*dir, "run-")
		if err != nil {
			fmt.Fprintf(os.Stderr, "create run dir: %v\n", err)
			os.Exit(1)
		}
		if err := os.Chdir(runDir); err != nil {
			fmt.Fprintf(os.Stderr, "chdir %s: %v\n", runDir, err)
			os.Exit(1)
		}
		logger.Info("running on disk", "dir", runDir)
		hc.Env = faultfs.New(vfs.Default, faultfs.WithLogger(logger), faultfs.WithMetrics(hc.Metrics))
	}

	report, err := harness.Run(ctx, hc)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)

	switch {
	case errors.Is(err, harness.ErrViolation):
		fmt.Fprintf(os.Stderr, "FAIL (seed %d): %v\n", hc.Seed, err)
		os.Exit(2)
	case err != nil:
		fmt.Fprintf(os.Stderr, "error (seed %d): %v\n", hc.Seed, err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "OK (seed %d)\n", hc.Seed)
}
