// Package logging builds the zerolog loggers used by hubs, endpoints and the admin API.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel  = "WSRPC_LOG_LEVEL"
	EnvLogPretty = "WSRPC_LOG_PRETTY"
)

// Config controls logger construction
type Config struct {
	Enabled   bool
	Level     string
	Pretty    bool
	Component string
	Output    io.Writer
}

// DefaultConfig returns console logging at info level
func DefaultConfig(component string) Config {
	return Config{
		Enabled:   true,
		Level:     "info",
		Pretty:    true,
		Component: component,
	}
}

// New builds a logger from cfg after applying environment overrides.
// A disabled config yields zerolog.Nop().
func New(cfg Config) zerolog.Logger {
	if !cfg.Enabled {
		return zerolog.Nop()
	}
	applyEnvOverrides(&cfg)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	level, ok := parseLevel(cfg.Level)
	if !ok {
		level = zerolog.InfoLevel
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.Component != "" {
		ctx = ctx.Str("component", cfg.Component)
	}
	return ctx.Logger()
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv(EnvLogLevel); raw != "" {
		if _, ok := parseLevel(raw); ok {
			cfg.Level = raw
		}
	}
	if v, ok := parseBool(os.Getenv(EnvLogPretty)); ok {
		cfg.Pretty = v
	}
}

func parseLevel(raw string) (zerolog.Level, bool) {
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
	case "disabled", "disable", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
