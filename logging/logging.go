// Package logging builds the process logger and hosts the single helper
// allowed to discard errors.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/config"
)

// New returns a logger configured from cfg writing to stdout.
func New(cfg config.LoggingConfig, app string) zerolog.Logger {
	return NewWithWriter(cfg, app, os.Stdout)
}

func NewWithWriter(cfg config.LoggingConfig, app string, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	w := out
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Str("app", app).Logger()
}

// Component derives a child logger tagged with the component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// BestEffort runs fn and logs, then discards, any error it returns. Panics are
// recovered and logged the same way.
func BestEffort(logger zerolog.Logger, op string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("op", op).Interface("panic", r).Msg("best-effort operation panicked")
		}
	}()

	if err := fn(); err != nil {
		logger.Warn().Err(err).Str("op", op).Msg("best-effort operation failed")
	}
}
