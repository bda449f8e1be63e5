// Package logging builds the process zerolog logger from configuration.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"continuity-engine/config"

	"github.com/rs/zerolog"
)

// ParseLevel converts a config level name to a zerolog level. Unknown
// names fall back to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "FATAL":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Output resolves "stdout", "stderr" or a file path to a writer. The
// returned closer is a no-op for the standard streams.
func Output(target string) (io.Writer, func() error, error) {
	switch target {
	case "", "stdout":
		return os.Stdout, func() error { return nil }, nil
	case "stderr":
		return os.Stderr, func() error { return nil }, nil
	}
	file, err := os.OpenFile(target, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file %s: %w", target, err)
	}
	return file, file.Close, nil
}

// New builds a logger writing to w. Text mode uses the zerolog console writer.
func New(cfg config.LoggingConfig, w io.Writer) zerolog.Logger {
	if !cfg.JSONFormat {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	}

	ctx := zerolog.New(w).Level(ParseLevel(cfg.Level)).With().Timestamp().Str("service", "continuity-engine")
	if cfg.IncludeFile {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

// Setup opens the configured output, builds the logger and installs it as
// the zerolog context default.
func Setup(cfg config.LoggingConfig) (zerolog.Logger, func() error, error) {
	w, closer, err := Output(cfg.Output)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := New(cfg, w)
	zerolog.DefaultContextLogger = &logger
	return logger, closer, nil
}
