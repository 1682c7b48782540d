// Package config loads ambient, process-wide settings that are not part of
// either the audit catalog (--config) or the connection config
// (--db-config): log level/format, the optional metrics bind address, and
// the window-planning defaults a CLI flag may still override per run.
package config

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Env         string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`
	MetricsAddr string `env:"APP_METRICS_ADDR"`

	// Window planning defaults (§4.3); each may be overridden per run by a
	// CLI flag.
	WatermarkOverlapSeconds    int     `env:"WATERMARK_OVERLAP_SECONDS" envDefault:"600" validate:"min=0"`
	WatermarkMaxWindowHours    float64 `env:"WATERMARK_MAX_WINDOW_HOURS" envDefault:"24"`
	HoursLookback              float64 `env:"HOURS_LOOKBACK" envDefault:"24" validate:"gt=0"`
	AdvanceOnFailure           bool    `env:"ADVANCE_ON_FAILURE" envDefault:"false"`
	CounterTimeoutSeconds      int     `env:"COUNTER_TIMEOUT_SECONDS" envDefault:"0" validate:"min=0"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SlogLevel converts LogLevel to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
