package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogLevelEnv overrides the configured level.
const LogLevelEnv = "COVER_LOG_LEVEL"

// NewLogger creates a structured JSON logger on stdout. The level comes
// from COVER_LOG_LEVEL and defaults to info.
func NewLogger(component string) zerolog.Logger {
	return NewLoggerWithLevel(component, ParseLogLevel(os.Getenv(LogLevelEnv)))
}

// NewLoggerWithLevel creates a logger with an explicit level.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return newLogger(os.Stdout, component, level)
}

func newLogger(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ResolveLevel picks the env override over the configured level.
func ResolveLevel(configured string) zerolog.Level {
	if env := os.Getenv(LogLevelEnv); env != "" {
		return ParseLogLevel(env)
	}
	return ParseLogLevel(configured)
}

func ParseLogLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Critical starts an error event flagged for paging.
func Critical(log *zerolog.Logger) *zerolog.Event {
	return log.Error().Bool("critical", true)
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
