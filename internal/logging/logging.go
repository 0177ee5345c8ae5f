// Package logging sets up the daemon's structured logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the logger New builds.
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json" or "pretty"
}

// New creates a structured logger for the daemon: JSON output suitable
// for log aggregation by default, or a colorized console writer for
// local development when Format is "pretty".
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "lcmd").
		Logger()
}
