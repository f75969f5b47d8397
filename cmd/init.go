package main

import (
	"log/slog"
	"os"

	"walkv/pkg/config"
	"walkv/pkg/store"
	"walkv/pkg/wal"
)

// initConfig loads the YAML file; a missing file yields config.Default().
func initConfig(path string) (config.Config, error) {
	return config.Load(path)
}

// initLogger sets up the global slog.Logger (JSON or text).
func initLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true, Level: cfg.Logger.SlogLevel()}

	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
	return logger
}

func storeOptions(db config.DBConfig) (store.Options, error) {
	mode, err := wal.ParseRecoveryMode(db.RecoveryMode)
	if err != nil {
		return store.Options{}, err
	}
	return store.Options{
		CreateIfMissing: db.CreateIfMissing,
		ManualWALFlush:  db.ManualWALFlush,
		FailOnWrite:     db.FailOnWrite,
		RecoveryMode:    mode,
		MaxEntryBytes:   db.MaxEntryBytes,
		WALSyncInterval: db.WALSyncInterval,
	}, nil
}
