// Package logging holds the process-wide zerolog logger. Library code
// logs through L at debug level; nothing is printed until a program calls
// Configure.
package logging

import (
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config selects level and output format.
type Config struct {
	Level     string `yaml:"level" toml:"level" json:"level" env:"LEVEL"`
	Format    string `yaml:"format" toml:"format" json:"format" env:"FORMAT"` // console or json
	Timestamp bool   `yaml:"timestamp" toml:"timestamp" json:"timestamp" env:"TIMESTAMP"`
	NoColor   bool   `yaml:"no_color" toml:"no_color" json:"no_color" env:"NO_COLOR"`
}

// DefaultConfig logs at info to a console writer.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "console", Timestamp: true}
}

var current atomic.Pointer[zerolog.Logger]

func init() {
	nop := zerolog.Nop()
	current.Store(&nop)
}

// L returns the current logger.
func L() *zerolog.Logger {
	return current.Load()
}

// Configure replaces the logger. cfg is used as given; environment
// overrides are applied when the configuration is loaded.
func Configure(cfg Config, w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	level, ok := ParseLevel(cfg.Level)
	if !ok {
		level = zerolog.InfoLevel
	}

	out := w
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: w, NoColor: cfg.NoColor, TimeFormat: time.RFC3339}
	}
	ctx := zerolog.New(out).Level(level).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	logger := ctx.Logger()
	current.Store(&logger)
}

// ParseLevel accepts zerolog level names and a few common aliases.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}
