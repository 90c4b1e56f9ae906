// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel `validate:"omitempty,oneof=debug info warn warning error"`

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer `validate:"-"`

	// Service is added to every entry as the "service" field when set.
	Service string `validate:"omitempty,max=64"`

	// WithCaller adds file:line of the log call site.
	WithCaller bool
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup validates cfg and configures the global zerolog logger.
func Setup(cfg Config) (zerolog.Logger, error) {
	if err := validator.New().Struct(cfg); err != nil {
		return zerolog.Nop(), fmt.Errorf("logger config validation error: %w", err)
	}

	// Set global log level
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	// Configure output
	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	ctx := zerolog.New(output).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	if cfg.WithCaller {
		ctx = ctx.Caller()
	}
	logger := ctx.Logger()

	// Set as global logger
	log.Logger = logger

	return logger, nil
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Cache operations (hit/miss, key, TTL)
//   - Request flow (conditional requests, ETags)
//   - Page fetches during enumeration
//
// Info: Normal operation events
//   - Enumeration summaries (pages, items, end reason)
//   - Throttle windows opened or cleared
//   - Server startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - 429 streak warnings (throttling active)
//   - Retry attempts
//   - Cache errors (fallback to direct request)
//   - Non-critical errors
//
// Error: Error conditions requiring attention
//   - Failed requests (after retries)
//   - Critical 429 streak blocks
//   - Service unavailability
//   - Configuration errors
//
// Context Fields:
//   - component: Emitting package (comms-client, pagination, comms-proxy)
//   - method, path: Request method and URL path
//   - status: HTTP status code
//   - error_class: Error classification (client, server, rate_limit, network)
//   - consecutive_429: Current 429 streak
//   - etag: ETag value for conditional requests
//   - ttl: Cache entry TTL
//   - session_id, page, delivered: Enumeration progress
