package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/fenneclabs/fennec-core/internal/infrastructure/config"
)

// Logger wraps slog.Logger with fennec-specific functionality.
//
// It provides structured logging with default fields, level-based filtering
// and a running count of error-level records. The count feeds the backend's
// diagnostic reset: finalizing an operation zeroes it so stale failures from
// a previous run do not colour the next one.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger

	counter *errorCounter
}

// New creates a new Logger with the specified configuration.
//
// It configures:
//   - Output format (JSON for production, text for development)
//   - Log level filtering
//   - Default fields (service name, version)
//   - Output destination (stdout, stderr, or an append-mode file path)
//
// Parameters:
//   - cfg: Logging configuration from config.yaml
//   - version: Application version for default field
//
// Returns:
//   - *Logger: Configured logger ready for use
func New(cfg config.LoggingConfig, version string) *Logger {
	// Determine output writer
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		// Anything else is a file path. Fall back to stdout when it
		// cannot be opened so startup never dies on a bad log path.
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			output = os.Stdout
		} else {
			output = f
		}
	}

	// Parse log level
	level := parseLevel(cfg.Level)

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: level,
	}

	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	// Add default fields
	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "fennecd"),
		slog.String("version", version),
	})

	counter := &errorCounter{}

	return &Logger{
		Logger:  slog.New(&countingHandler{next: handler, counter: counter}),
		counter: counter,
	}
}

// parseLevel converts a string log level to slog.Level.
//
// Supported levels: debug, info, warn, error
// Defaults to info if unrecognised.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a new Logger with additional default attributes.
//
// The returned logger shares the parent's error counter, so errors logged
// through component loggers still show up in ErrorCount.
//
// Example:
//
//	deviceLogger := logger.With("component", "device")
//	deviceLogger.Info("attached") // Includes component=device
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger:  l.Logger.With(args...),
		counter: l.counter,
	}
}

// ErrorCount reports how many error-level records have been emitted since
// the last reset.
func (l *Logger) ErrorCount() int64 {
	if l.counter == nil {
		return 0
	}
	return l.counter.n.Load()
}

// ResetErrorCount zeroes the error-level record counter.
func (l *Logger) ResetErrorCount() {
	if l.counter != nil {
		l.counter.n.Store(0)
	}
}

// Default creates a default logger for use before configuration is loaded.
//
// This logger outputs to stdout in JSON format at info level.
// It should only be used during early startup before config is available.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "dev")
}

// errorCounter is shared between a root logger and all loggers derived from
// it via With.
type errorCounter struct {
	n atomic.Int64
}

// countingHandler passes records through to the wrapped handler, counting
// those at error level or above.
type countingHandler struct {
	next    slog.Handler
	counter *errorCounter
}

func (h *countingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *countingHandler) Handle(ctx context.Context, record slog.Record) error {
	if record.Level >= slog.LevelError {
		h.counter.n.Add(1)
	}
	return h.next.Handle(ctx, record)
}

func (h *countingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &countingHandler{next: h.next.WithAttrs(attrs), counter: h.counter}
}

func (h *countingHandler) WithGroup(name string) slog.Handler {
	return &countingHandler{next: h.next.WithGroup(name), counter: h.counter}
}
