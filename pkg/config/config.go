package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	validator "gopkg.in/go-playground/validator.v9"
)

// Config is the root of the YAML file. Sections missing from the file keep
// their Default values.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger" validate:"required"`
	Server    ServerConfig    `yaml:"http-server" validate:"required"`
	DB        DBConfig        `yaml:"db" validate:"required"`
	Crashtest CrashtestConfig `yaml:"crashtest" validate:"required"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"min=0"`
}

type DBConfig struct {
	Path            string        `yaml:"path" validate:"required"`
	CreateIfMissing bool          `yaml:"create_if_missing"`
	ManualWALFlush  bool          `yaml:"manual_wal_flush"`
	FailOnWrite     bool          `yaml:"fail_on_write"`
	RecoveryMode    string        `yaml:"recovery_mode" validate:"omitempty,oneof=point-in-time tolerate-corrupted-tail absolute-consistency"`
	MaxEntryBytes   int           `yaml:"max_entry_bytes" validate:"min=0"`
	WALSyncInterval time.Duration `yaml:"wal_sync_interval" validate:"min=0"`
}

// CrashtestConfig drives the randomized crash checker.
type CrashtestConfig struct {
	Seed            int64   `yaml:"seed"`
	Iterations      int     `yaml:"iterations" validate:"min=1"`
	OpsPerIteration int     `yaml:"ops_per_iteration" validate:"min=1"`
	Keys            int     `yaml:"keys" validate:"min=1"`
	SyncRatio       float64 `yaml:"sync_ratio" validate:"min=0,max=1"`
	UnloggedRatio   float64 `yaml:"unlogged_ratio" validate:"min=0,max=1"`
	TornWriteRatio  float64 `yaml:"torn_write_ratio" validate:"min=0,max=1"`
	ManualWALFlush  bool    `yaml:"manual_wal_flush"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: time.Second,
		},
		DB: DBConfig{
			Path:            "./data",
			CreateIfMissing: true,
			ManualWALFlush:  false,
			RecoveryMode:    "point-in-time",
			MaxEntryBytes:   4 << 20,
		},
		Crashtest: CrashtestConfig{
			Seed:            1,
			Iterations:      50,
			OpsPerIteration: 200,
			Keys:            32,
			SyncRatio:       0.05,
			UnloggedRatio:   0.1,
			TornWriteRatio:  0.01,
			ManualWALFlush:  true,
		},
	}
}

// Parse decodes data on top of Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads the YAML file at path. A missing file yields Default().
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("config file not found, using default config", "path", path)
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(*c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SlogLevel maps Logger.Level onto slog.
func (c LoggerConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
