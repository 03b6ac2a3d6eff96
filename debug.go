package fieldscript

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig configures the structured logger built by NewLogger.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string

	// Path is a log file rotated by size. When empty, logs go to Writer.
	Path string

	// Writer receives logs when Path is empty. Defaults to stderr.
	Writer io.Writer

	// JSON selects the JSON handler instead of text.
	JSON bool

	// MaxSizeMB is the rotation size of the log file. Defaults to 10.
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept. Defaults to 3.
	MaxBackups int
}

// ParseLevel converts a level name into an slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// NewLogger builds a logger from cfg. The returned closer releases the log
// file, if any.
func NewLogger(cfg LogConfig) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		w      io.Writer = os.Stderr
		closer io.Closer = io.NopCloser(nil)
	)
	switch {
	case cfg.Path != "":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		maxSize, backups := cfg.MaxSizeMB, cfg.MaxBackups
		if maxSize <= 0 {
			maxSize = 10
		}
		if backups <= 0 {
			backups = 3
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    maxSize,
			MaxBackups: backups,
			Compress:   true,
		}
		w, closer = lj, lj
	case cfg.Writer != nil:
		w = cfg.Writer
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.JSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer, nil
}

// DebugLogger traces document store traffic when enabled, including
// request and response bodies.
type DebugLogger struct {
	enabled bool
	logger  *slog.Logger
}

// NewDebugLogger creates a debug logger writing through logger at debug
// level. A nil logger uses slog.Default().
func NewDebugLogger(enabled bool, logger *slog.Logger) *DebugLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &DebugLogger{enabled: enabled, logger: logger.With("component", "wire")}
}

// Enabled reports whether tracing is on.
func (l *DebugLogger) Enabled() bool {
	return l != nil && l.enabled
}

// LogRequest logs an outgoing HTTP request.
func (l *DebugLogger) LogRequest(method, url string, body []byte) {
	if !l.Enabled() {
		return
	}
	attrs := []any{"method", method, "url", url}
	if len(body) > 0 {
		attrs = append(attrs, "body", truncateForLog(string(body), 2000))
	}
	l.logger.Debug("request", attrs...)
}

// LogResponse logs an HTTP response.
func (l *DebugLogger) LogResponse(statusCode int, body []byte) {
	if !l.Enabled() {
		return
	}
	attrs := []any{"status", statusCode}
	if len(body) > 0 {
		attrs = append(attrs, "body", truncateForLog(string(body), 4000))
	}
	l.logger.Debug("response", attrs...)
}

// LogError logs an error with full details.
func (l *DebugLogger) LogError(operation string, err error) {
	if !l.Enabled() {
		return
	}
	l.logger.Debug("error", "op", operation, "error", err)
}

// LogSync logs sync operation details.
func (l *DebugLogger) LogSync(operation string, details string) {
	if !l.Enabled() {
		return
	}
	l.logger.Debug("sync", "op", operation, "details", details)
}

// truncateForLog truncates a string for logging purposes.
func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}
