// Package logger builds the zerolog loggers used by the store and the
// inspector transports.
package logger

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config contains logging configuration.
type Config struct {
	Level     string `env:"LOG_LEVEL" envDefault:"info"`
	Format    string `env:"LOG_FORMAT" envDefault:"console"`
	Output    string `env:"LOG_OUTPUT" envDefault:"stderr"`
	NoColor   bool   `env:"LOG_NO_COLOR"`
	Timestamp bool   `env:"LOG_TIMESTAMP" envDefault:"true"`
}

// ApplyDefaults fills empty fields.
func (c *Config) ApplyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "console"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

// Validate validates logging configuration.
func (c *Config) Validate() error {
	validLevels := []string{"trace", "debug", "info", "warn", "error", "fatal", "disabled"}
	if !slices.Contains(validLevels, strings.ToLower(c.Level)) {
		return fmt.Errorf("log level must be one of %v (got: %s)", validLevels, c.Level)
	}
	validFormats := []string{"json", "console"}
	if !slices.Contains(validFormats, strings.ToLower(c.Format)) {
		return fmt.Errorf("log format must be one of %v (got: %s)", validFormats, c.Format)
	}
	return nil
}

// New creates a logger tagged with service. Unknown levels fall back to info.
// Output "stdout" and "stderr" select the process streams; w, when non-nil,
// overrides both.
func New(cfg Config, service string, w io.Writer) zerolog.Logger {
	cfg.ApplyDefaults()
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	if w == nil {
		w = outputWriter(cfg.Output)
	}
	if strings.ToLower(cfg.Format) == "console" {
		w = zerolog.ConsoleWriter{Out: w, NoColor: cfg.NoColor, TimeFormat: time.RFC3339}
	}
	zc := zerolog.New(w).Level(level).With().Str("service", service)
	if cfg.Timestamp {
		zc = zc.Timestamp()
	}
	return zc.Logger()
}

// Nop returns a logger that discards everything.
func Nop() zerolog.Logger { return zerolog.Nop() }

func outputWriter(output string) io.Writer {
	if strings.ToLower(output) == "stdout" {
		return os.Stdout
	}
	return os.Stderr
}
