// Package logging configures the structured zerolog logger shared by every
// process in the replication plane and provides the panic-recovery helper
// every background goroutine is expected to defer.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Config selects level and output format for a logger.
type Config struct {
	Level   string // debug|info|warn|error
	Format  string // json|pretty
	Service string
}

// New builds a logger with timestamp, caller and service fields attached.
func New(cfg Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.Format == "pretty" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	return zerolog.New(out).With().
		Timestamp().
		Caller().
		Str("service", cfg.Service).
		Logger()
}

// RecoverPanic is deferred first in every background goroutine so a panic
// is logged and the process keeps running instead of taking down every
// other in-flight subscription with it.
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	r := recover()
	if r == nil {
		return
	}
	event := logger.Error().
		Str("goroutine", goroutine).
		Interface("panic", r).
		Str("stack", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg("recovered goroutine panic")
}
