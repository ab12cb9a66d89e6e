// Package logging adapts log/slog into the narrow logger port the core
// consumes (§6 of the specification this package implements): every
// handler, the run coordinator, and the eval sandbox's logging facade go
// through the Logger interface below, never slog directly, so an embedder
// can swap transports without touching the core.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format selects the slog handler.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// LevelTrace is more verbose than Debug: resolved shell commands, HTTP
// bodies, and other wire-level detail that should never appear at Info.
const LevelTrace = slog.Level(-8)

// Standard structured field keys, kept consistent across the codebase.
const (
	RunIDKey    = "run_id"
	StepIDKey   = "step_id"
	WorkflowKey = "workflow_id"
	DurationKey = "duration_ms"
	EventKey    = "event"
)

// Config configures the default slog-backed Logger.
type Config struct {
	Level     string // debug, info, warn, error
	Format    Format
	Output    io.Writer
	AddSource bool
}

// DefaultConfig returns sensible defaults: info level, JSON to stderr.
func DefaultConfig() *Config {
	return &Config{Level: "info", Format: FormatJSON, Output: os.Stderr}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return LevelTrace
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

// New builds a *slog.Logger from cfg, choosing JSON or text handler.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == FormatText {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler)
}

// Logger is the port the core depends on (§6.1's "log" port, generalized
// to accept structured fields). Satisfied by *slog.Logger via Adapter.
type Logger interface {
	Log(level string, message string, fields map[string]any)
	With(fields map[string]any) Logger
}

// Adapter satisfies Logger by delegating to an underlying *slog.Logger.
type Adapter struct {
	slog *slog.Logger
}

// NewAdapter wraps an *slog.Logger as a Logger.
func NewAdapter(l *slog.Logger) *Adapter {
	if l == nil {
		l = slog.Default()
	}
	return &Adapter{slog: l}
}

func (a *Adapter) Log(level, message string, fields map[string]any) {
	args := make([]any, 0, len(fields)*2)
	for _, k := range sortedKeys(fields) {
		args = append(args, k, fields[k])
	}
	switch strings.ToLower(level) {
	case "trace":
		a.slog.Log(context.Background(), LevelTrace, message, args...)
	case "debug":
		a.slog.Debug(message, args...)
	case "warn", "warning":
		a.slog.Warn(message, args...)
	case "error":
		a.slog.Error(message, args...)
	default:
		a.slog.Info(message, args...)
	}
}

func (a *Adapter) With(fields map[string]any) Logger {
	args := make([]any, 0, len(fields)*2)
	for _, k := range sortedKeys(fields) {
		args = append(args, k, fields[k])
	}
	return &Adapter{slog: a.slog.With(args...)}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}
