// Package logging builds the broadcaster's structured zerolog logger, the
// same shape the teacher's internal/shared/monitoring/logger.go builds:
// JSON by default (Loki-friendly), an optional pretty console writer for
// local development, and a handful of helpers for logging recovered panics
// without losing the fact that something went wrong.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Config selects level and output shape.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, pretty
}

// New builds a zerolog.Logger tagged with this service's name.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout
	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	return zerolog.New(output).With().
		Timestamp().
		Str("service", "statefulpubsub-broadcaster").
		Logger()
}

// RecoverPanic is meant for `defer logging.RecoverPanic(logger, "readLoop", session.id)`:
// it logs a recovered panic with a stack trace but does not re-panic, so
// one connection's goroutine crash cannot take down the process.
func RecoverPanic(logger zerolog.Logger, goroutineName string, sessionID string) {
	if r := recover(); r != nil {
		logger.Error().
			Str("goroutine", goroutineName).
			Str("session_id", sessionID).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack())).
			Msg("recovered goroutine panic")
	}
}
