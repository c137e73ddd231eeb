// Package common holds project-wide constants and the logger setup shared
// by all binaries.
package common

import (
	"log/slog"
	"os"
)

// PackageName is the metrics namespace and the default service tag.
const PackageName = "keyhold"

// Version is set at build time via ldflags.
var Version = "dev"

// LoggingOpts configures SetupLogger.
type LoggingOpts struct {
	// Debug enables debug-level logging.
	Debug bool

	// JSON switches from text to JSON output.
	JSON bool

	// Service is added as a "service" tag to all log messages.
	Service string

	// Version is added as a "version" tag to all log messages.
	Version string
}

// SetupLogger creates a configured slog logger writing to stderr.
func SetupLogger(opts *LoggingOpts) *slog.Logger {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger := slog.New(handler)
	if opts.Service != "" {
		logger = logger.With("service", opts.Service)
	}
	if opts.Version != "" {
		logger = logger.With("version", opts.Version)
	}
	return logger
}
