// Package obslog provides the process-wide structured logger. All
// components log through a component-scoped child logger rather than the
// global logger directly.
package obslog

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the package-global base logger, configured by Init.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Config controls the global logger's level and output encoding.
type Config struct {
	Level      string // trace|debug|info|warn|error
	JSONOutput bool
}

// Init applies cfg to the package-global logger. Call once at process
// startup, before any component logger is derived.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stderr
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the given component
// name, e.g. WithComponent("engine").
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}
