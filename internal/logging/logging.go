// Package logging builds the zerolog loggers used across vibelink.
//
// All components receive their logger as an explicit collaborator; nothing
// in this module logs through a package-global.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Format selects the log output encoding.
type Format string

const (
	// FormatJSON emits one JSON object per line, suitable for shipping.
	FormatJSON Format = "json"
	// FormatPretty emits human-readable console output for local runs.
	FormatPretty Format = "pretty"
)

// Config holds logger construction options.
type Config struct {
	Level   string // debug, info, warn, error
	Format  Format // json or pretty
	Service string // value of the "service" field on every line
}

// New creates a structured logger.
//
// The level is applied globally so that libraries sharing zerolog honor it
// too. Unknown levels fall back to info rather than failing: a bad LOG_LEVEL
// should never keep the client from reaching the gateway.
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	if cfg.Format == FormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(output).
		With().
		Timestamp().
		Str("service", cfg.Service).
		Logger()

	return logger
}

// ParseLevel maps a config string to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
