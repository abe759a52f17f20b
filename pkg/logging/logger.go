// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging configures structured logging for the analyst service.
//
// The service logs through the package-level log/slog functions. This
// package builds the handler chain behind them and installs it as the
// slog default:
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                        slog.Default()                        │
//	│  ┌────────────┐  ┌──────────────┐  ┌──────────────────────┐  │
//	│  │  stderr    │  │  log file    │  │  LogExporter         │  │
//	│  │ text/json  │  │  (optional)  │  │  (optional)          │  │
//	│  └────────────┘  └──────────────┘  └──────────────────────┘  │
//	│        every attribute passes through key redaction          │
//	└──────────────────────────────────────────────────────────────┘
//
// # Basic Usage
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    Service: "analyst",
//	    JSON:    true,
//	})
//	defer logger.Close()
//	logger.Install()
//
//	slog.Info("request processed", "conversation_id", id)
//
// # Redaction
//
// Attribute values whose key names a credential ("api_key", "token",
// "password", "authorization" and the like) are replaced with
// "[REDACTED]" in every destination. Message content is not inspected;
// callers log ids and sizes, not user text.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity. Debug < Info < Warn < Error. The zero
// value is LevelInfo.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	LevelDebug Level = iota - 1

	// LevelInfo is for normal operations (request start/end, state changes).
	LevelInfo

	// LevelWarn is for recoverable issues (retries, degraded answers).
	LevelWarn

	// LevelError is for failed operations.
	LevelError
)

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func levelFromSlog(l slog.Level) Level {
	switch {
	case l >= slog.LevelError:
		return LevelError
	case l >= slog.LevelWarn:
		return LevelWarn
	case l >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

// ParseLevel converts a level name to a Level.
//
// # Examples
//
//	lvl, err := ParseLevel("WARN")    // LevelWarn, nil
//	lvl, err := ParseLevel("warning") // LevelWarn, nil
//	lvl, err := ParseLevel("loud")    // LevelInfo, error
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// =============================================================================
// Configuration
// =============================================================================

// DefaultRedactKeys are attribute keys whose values are never written.
var DefaultRedactKeys = []string{
	"api_key", "apikey", "token", "access_token", "password",
	"secret", "authorization", "credentials",
}

const redactedValue = "[REDACTED]"

// Config controls where logs go and how they are formatted.
type Config struct {
	// Level sets the minimum log level. Default: LevelInfo.
	Level Level

	// Service is added to every record as the "service" attribute.
	Service string

	// JSON switches the primary output from text to JSON.
	JSON bool

	// LogDir enables a JSON log file "{Service}_{YYYY-MM-DD}.log" in this
	// directory. "~" expands to the home directory.
	LogDir string

	// Quiet disables the primary output.
	Quiet bool

	// Writer replaces stderr as the primary output.
	Writer io.Writer

	// Exporter receives every record that passes the level filter.
	Exporter LogExporter

	// RedactKeys overrides DefaultRedactKeys. Matching is case-insensitive.
	RedactKeys []string
}

// =============================================================================
// Export Extension
// =============================================================================

// LogExporter ships log entries to an external system.
//
// Export is called synchronously from the logging goroutine and must not
// block; buffer internally and upload in Flush or in the background.
type LogExporter interface {
	// Export sends one entry. Errors are dropped.
	Export(ctx context.Context, entry LogEntry) error

	// Flush sends all buffered entries. Called on shutdown.
	Flush(ctx context.Context) error

	// Close releases resources. Called after Flush.
	Close() error
}

// LogEntry is a structured log record handed to a LogExporter.
type LogEntry struct {
	Timestamp time.Time
	Level     Level
	Message   string
	Service   string
	Attrs     map[string]any
}

// =============================================================================
// Logger
// =============================================================================

// Logger owns the handler chain and the resources behind it.
//
// # Thread Safety
//
// Safe for concurrent use.
type Logger struct {
	slog     *slog.Logger
	config   Config
	file     *os.File
	exporter LogExporter
	mu       sync.Mutex
}

// New creates a Logger from config.
//
// # Description
//
// A log directory that cannot be created or opened is reported on the
// primary output and otherwise ignored so the service still starts.
//
// # Outputs
//
//   - *Logger: Ready to use. Call Close on shutdown.
func New(config Config) *Logger {
	redact := config.RedactKeys
	if redact == nil {
		redact = DefaultRedactKeys
	}
	opts := &slog.HandlerOptions{
		Level:       config.Level.toSlogLevel(),
		ReplaceAttr: redactAttr(redact),
	}

	logger := &Logger{config: config, exporter: config.Exporter}
	var handlers []slog.Handler

	out := config.Writer
	if out == nil {
		out = os.Stderr
	}
	if !config.Quiet {
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}

	var fileErr error
	if config.LogDir != "" {
		if file, err := openLogFile(config.LogDir, config.Service); err == nil {
			logger.file = file
			handlers = append(handlers, slog.NewJSONHandler(file, opts))
		} else {
			fileErr = err
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Exporter != nil {
		handler = &exportHandler{
			next:     handler,
			exporter: config.Exporter,
			service:  config.Service,
			redact:   redactSet(redact),
		}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}

	logger.slog = slog.New(handler)
	if fileErr != nil {
		logger.slog.Warn("File logging disabled", "log_dir", config.LogDir, "error", fileErr)
	}
	return logger
}

// Default returns an info-level text logger on stderr.
func Default() *Logger {
	return New(Config{Level: LevelInfo, Service: "analyst"})
}

// Install makes this logger the slog default.
func (l *Logger) Install() {
	slog.SetDefault(l.slog)
}

// Debug logs at Debug level.
func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }

// Info logs at Info level.
func (l *Logger) Info(msg string, args ...any) { l.slog.Info(msg, args...) }

// Warn logs at Warn level.
func (l *Logger) Warn(msg string, args ...any) { l.slog.Warn(msg, args...) }

// Error logs at Error level.
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// With returns a child logger that adds args to every record. The child
// shares the parent's file and exporter; close only the parent.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:     l.slog.With(args...),
		config:   l.config,
		file:     l.file,
		exporter: l.exporter,
	}
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close flushes the exporter and closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.exporter.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush exporter: %w", err))
		}
		if err := l.exporter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close exporter: %w", err))
		}
		l.exporter = nil
	}
	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync log file: %w", err))
		}
		if err := l.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
		l.file = nil
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// =============================================================================
// Handlers
// =============================================================================

// multiHandler fans records out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// exportHandler forwards records to the wrapped handler and then to a
// LogExporter.
type exportHandler struct {
	next     slog.Handler
	exporter LogExporter
	service  string
	redact   map[string]struct{}
	attrs    []slog.Attr
	prefix   string
}

func (h *exportHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *exportHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.next.Handle(ctx, r)

	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		h.collect(attrs, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.collect(attrs, h.prefix, a)
		return true
	})
	delete(attrs, "service")

	exportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	_ = h.exporter.Export(exportCtx, LogEntry{
		Timestamp: r.Time,
		Level:     levelFromSlog(r.Level),
		Message:   r.Message,
		Service:   h.service,
		Attrs:     attrs,
	})
	return err
}

func (h *exportHandler) collect(dst map[string]any, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	key := prefix + a.Key
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.collect(dst, key+".", ga)
		}
		return
	}
	if _, ok := h.redact[strings.ToLower(a.Key)]; ok {
		dst[key] = redactedValue
		return
	}
	dst[key] = a.Value.Any()
}

func (h *exportHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.next = h.next.WithAttrs(attrs)
	cp.attrs = append(append([]slog.Attr(nil), h.attrs...), prefixed(h.prefix, attrs)...)
	return &cp
}

func (h *exportHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	cp := *h
	cp.next = h.next.WithGroup(name)
	cp.prefix = h.prefix + name + "."
	return &cp
}

// =============================================================================
// Helper Functions
// =============================================================================

func redactSet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[strings.ToLower(k)] = struct{}{}
	}
	return set
}

func redactAttr(keys []string) func(groups []string, a slog.Attr) slog.Attr {
	set := redactSet(keys)
	return func(_ []string, a slog.Attr) slog.Attr {
		if _, ok := set[strings.ToLower(a.Key)]; ok {
			return slog.String(a.Key, redactedValue)
		}
		return a
	}
}

func prefixed(prefix string, attrs []slog.Attr) []slog.Attr {
	if prefix == "" {
		return attrs
	}
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: prefix + a.Key, Value: a.Value}
	}
	return out
}

func openLogFile(dir, service string) (*os.File, error) {
	dir = expandPath(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if service == "" {
		service = "analyst"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// =============================================================================
// Exporters
// =============================================================================

// NopExporter discards everything.
type NopExporter struct{}

// Export implements LogExporter.
func (e *NopExporter) Export(context.Context, LogEntry) error { return nil }

// Flush implements LogExporter.
func (e *NopExporter) Flush(context.Context) error { return nil }

// Close implements LogExporter.
func (e *NopExporter) Close() error { return nil }

// BufferedExporter keeps entries in memory.
type BufferedExporter struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewBufferedExporter creates an empty BufferedExporter.
func NewBufferedExporter() *BufferedExporter {
	return &BufferedExporter{entries: make([]LogEntry, 0, 100)}
}

// Export implements LogExporter.
func (e *BufferedExporter) Export(_ context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return nil
}

// Flush implements LogExporter.
func (e *BufferedExporter) Flush(context.Context) error { return nil }

// Close implements LogExporter.
func (e *BufferedExporter) Close() error { return nil }

// Entries returns a copy of the captured entries.
func (e *BufferedExporter) Entries() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]LogEntry, len(e.entries))
	copy(out, e.entries)
	return out
}

// WriterExporter writes one line per entry to an io.Writer.
type WriterExporter struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriterExporter creates a WriterExporter.
func NewWriterExporter(w io.Writer) *WriterExporter {
	return &WriterExporter{w: w}
}

// Export implements LogExporter.
func (e *WriterExporter) Export(_ context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := fmt.Fprintf(e.w, "[%s] %s: %s %v\n",
		entry.Timestamp.Format(time.RFC3339),
		entry.Level,
		entry.Message,
		entry.Attrs,
	)
	return err
}

// Flush implements LogExporter.
func (e *WriterExporter) Flush(context.Context) error { return nil }

// Close implements LogExporter.
func (e *WriterExporter) Close() error { return nil }

var (
	_ LogExporter  = (*NopExporter)(nil)
	_ LogExporter  = (*BufferedExporter)(nil)
	_ LogExporter  = (*WriterExporter)(nil)
	_ slog.Handler = (*multiHandler)(nil)
	_ slog.Handler = (*exportHandler)(nil)
)
