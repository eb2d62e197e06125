// Package config loads this module's demo/runtime configuration from
// environment variables (optionally seeded by a .env file), the way the
// teacher's config.go does for its WebSocket server.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every knob the demo command and the transports need.
//
// Tags:
//
//	env: environment variable name
//	envDefault: value used when the variable is unset
type Config struct {
	// Transport selection and addressing.
	Transport string `env:"REPLICON_TRANSPORT" envDefault:"wsconn"` // "wsconn" or "natsbus"
	Addr      string `env:"REPLICON_ADDR" envDefault:":7777"`
	NatsURL   string `env:"REPLICON_NATS_URL" envDefault:"nats://127.0.0.1:4222"`

	// Tick and mutation-reliability timing.
	TickRate       time.Duration `env:"REPLICON_TICK_RATE" envDefault:"33ms"`
	PendingTimeout time.Duration `env:"REPLICON_PENDING_TIMEOUT" envDefault:"10s"`

	// Capacity, mirroring the teacher's container-aware admission control.
	MaxConnections int     `env:"REPLICON_MAX_CONNECTIONS" envDefault:"500"`
	CPULimit       float64 `env:"REPLICON_CPU_LIMIT" envDefault:"1.0"`

	// Logging.
	LogLevel  string `env:"REPLICON_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"REPLICON_LOG_FORMAT" envDefault:"json"`

	// Metrics.
	MetricsAddr string `env:"REPLICON_METRICS_ADDR" envDefault:":9100"`
}

// Load reads .env (best-effort, never fatal) then the environment into a
// Config and validates it. logger may be nil during very early startup,
// before the logging package itself has been configured from the result.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// Validate checks the loaded configuration for required fields, numeric
// ranges, and enum membership, matching the teacher's Validate shape.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("REPLICON_ADDR is required")
	}
	if c.Transport != "wsconn" && c.Transport != "natsbus" {
		return fmt.Errorf("REPLICON_TRANSPORT must be one of: wsconn, natsbus (got %q)", c.Transport)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("REPLICON_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.TickRate <= 0 {
		return fmt.Errorf("REPLICON_TICK_RATE must be > 0, got %s", c.TickRate)
	}
	if c.CPULimit <= 0 {
		return fmt.Errorf("REPLICON_CPU_LIMIT must be > 0, got %.2f", c.CPULimit)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("REPLICON_LOG_LEVEL must be one of: debug, info, warn, error (got %q)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("REPLICON_LOG_FORMAT must be one of: json, console (got %q)", c.LogFormat)
	}
	return nil
}

// LogConfig emits the loaded configuration as one structured log line, the
// way the teacher's LogConfig does for its own Config.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("transport", c.Transport).
		Str("addr", c.Addr).
		Str("nats_url", c.NatsURL).
		Dur("tick_rate", c.TickRate).
		Dur("pending_timeout", c.PendingTimeout).
		Int("max_connections", c.MaxConnections).
		Float64("cpu_limit", c.CPULimit).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Str("metrics_addr", c.MetricsAddr).
		Msg("replicon configuration loaded")
}
