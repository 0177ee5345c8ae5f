// Package config loads the daemon's configuration from the environment
// (and an optional .env file), mirroring the priority order and
// validate/print/log shape the rest of this codebase's ambient stack
// uses.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds the daemon's full runtime configuration.
type Config struct {
	// LCMURL is the provider URL an lcmd instance both publishes and
	// subscribes on (see lcm.ResolveURL for the fallback chain if empty).
	LCMURL string `env:"LCM_URL" envDefault:""`

	// MetricsAddr is where the Prometheus /metrics endpoint listens.
	MetricsAddr string `env:"LCM_METRICS_ADDR" envDefault:":9090"`

	// HostSampleInterval controls how often gopsutil host-resource
	// samples are logged alongside transport counters.
	HostSampleInterval string `env:"LCM_HOST_SAMPLE_INTERVAL" envDefault:"15s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file (optional) and the
// environment, validates it, and returns it. Environment variables take
// priority over .env file contents, which take priority over defaults.
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
		return nil, fmt.Errorf("config: parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for invalid combinations that
// env.Parse's type coercion alone can't catch.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json, pretty (got %q)", c.LogFormat)
	}
	return nil
}

// Print writes a human-readable configuration summary to stdout, for
// interactive/debug startup.
func (c *Config) Print() {
	fmt.Println("=== lcmd configuration ===")
	fmt.Printf("LCM URL:              %s\n", c.LCMURL)
	fmt.Printf("Metrics address:      %s\n", c.MetricsAddr)
	fmt.Printf("Host sample interval: %s\n", c.HostSampleInterval)
	fmt.Printf("Log level:            %s\n", c.LogLevel)
	fmt.Printf("Log format:           %s\n", c.LogFormat)
	fmt.Println("==========================")
}

// LogConfig logs the configuration in structured form, for production
// startup where log aggregation (not a human at a terminal) is the
// audience.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("lcm_url", c.LCMURL).
		Str("metrics_addr", c.MetricsAddr).
		Str("host_sample_interval", c.HostSampleInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("lcmd configuration loaded")
}
