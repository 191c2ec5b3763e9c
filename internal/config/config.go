package config

import (
	"fmt"
	"io"
	"os"
	"runtime"

	errbuilder "github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/caarlos0/env/v11"
	"github.com/go-json-experiment/json"
	"github.com/rs/zerolog"
)

// Config holds all configuration settings for the cascade runtime.
type Config struct {
	System  SystemConfig  `json:"system" envPrefix:"SYSTEM_"`
	Devices DevicesConfig `json:"devices" envPrefix:"DEVICES_"`
}

// SystemConfig holds general system settings.
type SystemConfig struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"logLevel" env:"LOG_LEVEL"`
	// LogFormat is json or console.
	LogFormat string `json:"logFormat" env:"LOG_FORMAT"`
}

// DevicesConfig holds settings for the in-process device pool.
type DevicesConfig struct {
	Count            int `json:"count" env:"COUNT"`
	WorkersPerDevice int `json:"workersPerDevice" env:"WORKERS_PER_DEVICE"`
	QueueSize        int `json:"queueSize" env:"QUEUE_SIZE"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		System: SystemConfig{
			LogLevel:  "info",
			LogFormat: "console",
		},
		Devices: DevicesConfig{
			Count:            1,
			WorkersPerDevice: runtime.NumCPU(),
			QueueSize:        64,
		},
	}
}

// Load builds the effective configuration: defaults, overlaid with the JSON
// file at filePath if one exists, overlaid with CASCADE_-prefixed environment
// variables. The result is validated.
func Load(filePath string) (*Config, error) {
	cfg := DefaultConfig()

	if filePath != "" {
		data, err := os.ReadFile(filePath)
		switch {
		case os.IsNotExist(err):
			// Fall through to env and defaults.
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", filePath, err)
			}
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "CASCADE_"}); err != nil {
		return nil, fmt.Errorf("parsing environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	invalid := func(field, reason string) error {
		return errbuilder.NewErrBuilder().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg(fmt.Sprintf("invalid configuration: %s %s", field, reason))
	}
	switch c.System.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return invalid("system.logLevel", fmt.Sprintf("unknown level %q", c.System.LogLevel))
	}
	switch c.System.LogFormat {
	case "json", "console":
	default:
		return invalid("system.logFormat", fmt.Sprintf("unknown format %q", c.System.LogFormat))
	}
	if c.Devices.Count < 1 {
		return invalid("devices.count", "must be at least 1")
	}
	if c.Devices.WorkersPerDevice < 1 {
		return invalid("devices.workersPerDevice", "must be at least 1")
	}
	if c.Devices.QueueSize < 1 {
		return invalid("devices.queueSize", "must be at least 1")
	}
	return nil
}

// NewLogger constructs the base zerolog logger described by the system
// settings, writing to w.
func (c *Config) NewLogger(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.System.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if c.System.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
