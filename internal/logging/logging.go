// Package logging configures the process-wide slog loggers.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

var structuredLogger atomic.Pointer[slog.Logger]

// Init initializes the logging system. JSON output goes to w (stdout when
// nil). Safe to call more than once; the last call wins.
func Init(w io.Writer, level slog.Level) {
	if w == nil {
		w = os.Stdout
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)
	structuredLogger.Store(logger)
	slog.SetDefault(logger)
}

// Structured returns the globally configured structured logger.
// Returns nil if Init() has not been called.
func Structured() *slog.Logger {
	return structuredLogger.Load()
}

// ForService creates a logger instance with the 'service' attribute added.
// Falls back to slog.Default when Init() has not been called, so components
// never need a nil check.
func ForService(serviceName string) *slog.Logger {
	logger := structuredLogger.Load()
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("service", serviceName)
}

// FileLoggerOptions controls rotation for file-backed loggers.
type FileLoggerOptions struct {
	MaxSizeMB  int // rotate after this many megabytes
	MaxBackups int
	MaxAgeDays int
}

// newRotatingWriter creates the rotating log writer behind file loggers,
// creating the log directory if needed.
func newRotatingWriter(filePath string, opts FileLoggerOptions) (*lumberjack.Logger, error) {
	logDir := filepath.Dir(filePath)
	if logDir != "." {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
		}
	}

	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 100
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 3
	}
	if opts.MaxAgeDays <= 0 {
		opts.MaxAgeDays = 28
	}

	return &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
	}, nil
}

// InitFile initializes the logging system writing rotated JSON logs to
// filePath, so every ForService logger routes to the file. It returns a
// close function for the underlying writer.
func InitFile(filePath string, level slog.Level, opts FileLoggerOptions) (func() error, error) {
	logWriter, err := newRotatingWriter(filePath, opts)
	if err != nil {
		return nil, err
	}
	Init(logWriter, level)
	return logWriter.Close, nil
}

// NewFileLogger creates a standalone slog.Logger writing rotated JSON logs to
// filePath, independent of the global loggers. It returns the logger and a
// close function for the underlying writer.
func NewFileLogger(filePath, serviceName string, level slog.Level, opts FileLoggerOptions) (*slog.Logger, func() error, error) {
	logWriter, err := newRotatingWriter(filePath, opts)
	if err != nil {
		return nil, nil, err
	}

	handler := slog.NewJSONHandler(logWriter, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler).With("service", serviceName)

	return logger, logWriter.Close, nil
}
