// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration
type Config struct {
	Level      string // DEBUG, INFO, WARN, ERROR
	Output     string // "stdout", "stderr", or file path
	JSONFormat bool   // JSON output; console writer otherwise
}

var (
	root zerolog.Logger
	once sync.Once
)

// ParseLevel converts a string to a zerolog level, defaulting to INFO
func ParseLevel(s string) zerolog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Setup initializes the root logger. Safe to call once at startup;
// later calls are ignored.
func Setup(cfg Config) {
	once.Do(func() {
		var output io.Writer = os.Stdout
		if cfg.Output == "stderr" {
			output = os.Stderr
		} else if cfg.Output != "" && cfg.Output != "stdout" {
			if file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
				output = file
			}
		}

		if !cfg.JSONFormat {
			output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
		}

		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
		root = zerolog.New(output).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
	})
}

// Root returns the root logger. Setup must have been called first;
// falls back to a stderr logger otherwise.
func Root() zerolog.Logger {
	once.Do(func() {
		root = zerolog.New(os.Stderr).With().Timestamp().Logger()
	})
	return root
}

// Component returns a sub-logger tagged with the given component name
func Component(name string) zerolog.Logger {
	return Root().With().Str("component", name).Logger()
}
