// Package logger builds the process-wide zerolog.Logger that main wires
// into every component by constructor injection.
package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/localmesh/orgateway/config"
)

// New builds the gateway's root logger. Development gets a human console
// writer at debug level; any other environment logs structured JSON at
// info. LOG_LEVEL overrides either default. The level is bound to this
// logger rather than zerolog's global state so tests can run components
// at different verbosities side by side.
func New(cfg *config.Config) zerolog.Logger {
	var out io.Writer = os.Stderr
	if cfg.IsDevelopment() {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	return zerolog.New(out).
		Level(resolveLevel(cfg)).
		With().
		Timestamp().
		Str("service", "orgateway").
		Logger()
}

func resolveLevel(cfg *config.Config) zerolog.Level {
	if cfg.LogLevel != "" {
		if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			return lvl
		}
	}
	if cfg.IsDevelopment() {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}
