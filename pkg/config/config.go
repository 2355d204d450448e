// Package config loads the rewind process configuration from the
// environment.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"

	"github.com/wilhg/rewind/pkg/logger"
)

// Config is the process configuration. Command-line flags override it.
type Config struct {
	// Addr is the inspector HTTP listen address.
	Addr string `env:"REWIND_ADDR" envDefault:":8080"`
	// DatabaseURL enables the export archive when set.
	DatabaseURL string `env:"DATABASE_URL"`
	// ArchiveName is the name the session export is saved under on shutdown.
	ArchiveName string `env:"REWIND_ARCHIVE_NAME" envDefault:"latest"`
	// TraceStderr exports spans to stderr; stdout may carry the MCP transport.
	TraceStderr bool `env:"REWIND_TRACE_STDERR"`
	// MCPStdio serves the inspector MCP tools on stdin/stdout.
	MCPStdio bool `env:"REWIND_MCP_STDIO"`

	Log logger.Config
}

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the process configuration.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Log.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
