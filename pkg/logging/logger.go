// Package logging provides structured logging functionality.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Format     string // "json" or "console"
	Output     string // "stdout", "stderr", or file path
	TimeFormat string
	NoColor    bool
	// Caller adds file:line of the log call site.
	Caller bool
}

// DefaultLogConfig returns default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		TimeFormat: time.RFC3339Nano,
	}
}

// ApplyVerbosity raises the level for the CLI -v / -debug flags.
// -debug selects trace and enables caller information.
func (c LogConfig) ApplyVerbosity(verbose, debug bool) LogConfig {
	switch {
	case debug:
		c.Level = "trace"
		c.Caller = true
	case verbose:
		c.Level = "debug"
	}
	return c
}

// New creates a logger from environment variables (LOG_FORMAT, LOG_LEVEL).
func New(serviceName, version string) zerolog.Logger {
	cfg := DefaultLogConfig()
	if f := os.Getenv("LOG_FORMAT"); f != "" {
		cfg.Format = f
	}
	if l := os.Getenv("LOG_LEVEL"); l != "" {
		cfg.Level = l
	}
	return NewWithConfig(serviceName, version, cfg)
}

// NewWithConfig creates a logger with the given configuration.
func NewWithConfig(serviceName, version string, config LogConfig) zerolog.Logger {
	if config.TimeFormat == "" {
		config.TimeFormat = time.RFC3339Nano
	}
	zerolog.TimeFieldFormat = config.TimeFormat
	zerolog.DurationFieldUnit = time.Millisecond

	output := openOutput(config.Output)

	if config.Format == "console" || config.Format == "text" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
			NoColor:    config.NoColor,
		}
	}

	ctx := zerolog.New(output).
		Level(ParseLevel(config.Level)).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", version)
	if config.Caller {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

func openOutput(dest string) io.Writer {
	switch dest {
	case "stderr":
		return os.Stderr
	case "stdout", "":
		return os.Stdout
	}
	file, err := os.OpenFile(dest, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return os.Stdout
	}
	return file
}

// ParseLevel converts a string log level to zerolog.Level.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithDeviceContext adds device context to the logger.
func WithDeviceContext(logger zerolog.Logger, deviceID, deviceName string) zerolog.Logger {
	return logger.With().
		Str("device_id", deviceID).
		Str("device_name", deviceName).
		Logger()
}

// WithComponent tags the logger with the owning component.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}
