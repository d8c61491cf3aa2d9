// Package logger provides structured logging for sagaflow components.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// Config holds logger configuration.
type Config struct {
	Level   Level
	Format  string // "json" or "text"
	Output  string // "stdout", "stderr", or file path
	Service string // added to every record when set
}

// Logger is the interface for structured logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	DebugContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)

	With(args ...any) Logger
	WithContext(ctx context.Context) context.Context

	SetLevel(level Level)
	GetLevel() Level

	// Close releases the output file, if any.
	Close() error
}

// SlogLogger implements Logger on log/slog. Loggers derived with With share
// their parent's level.
type SlogLogger struct {
	*slog.Logger
	level  *slog.LevelVar
	closer io.Closer
}

var _ Logger = (*SlogLogger)(nil)

// New builds a logger from cfg. A nil cfg logs JSON at info to stdout. An
// output file that cannot be opened falls back to stderr.
func New(cfg *Config) Logger {
	if cfg == nil {
		cfg = &Config{Level: InfoLevel, Format: "json"}
	}
	level := new(slog.LevelVar)
	level.Set(cfg.Level.slog())

	w, closer := openOutput(cfg.Output)
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   cfg.Level == DebugLevel,
		ReplaceAttr: renameAttrs,
	}
	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if cfg.Format == "text" {
		h = slog.NewTextHandler(w, opts)
	}

	l := slog.New(traceHandler{h})
	if cfg.Service != "" {
		l = l.With("service", cfg.Service)
	}
	return &SlogLogger{Logger: l, level: level, closer: closer}
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	level := new(slog.LevelVar)
	level.Set(slog.LevelError + 4)
	return &SlogLogger{
		Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: level})),
		level:  level,
	}
}

func openOutput(output string) (io.Writer, io.Closer) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return os.Stderr, nil
	}
	return f, f
}

// With returns a child logger carrying args on every record.
func (l *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{Logger: l.Logger.With(args...), level: l.level}
}

// WithContext returns a context carrying the logger.
func (l *SlogLogger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, Logger(l))
}

// SetLevel changes the level of this logger and every logger derived from it.
func (l *SlogLogger) SetLevel(level Level) { l.level.Set(level.slog()) }

func (l *SlogLogger) GetLevel() Level { return fromSlog(l.level.Level()) }

func (l *SlogLogger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

type ctxKey struct{}

var global atomic.Pointer[Logger]

func init() {
	SetGlobal(New(&Config{Level: InfoLevel, Format: "text", Output: "stderr"}))
}

// FromContext returns the logger attached with WithContext, or Global.
func FromContext(ctx context.Context) Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(Logger); ok {
			return l
		}
	}
	return Global()
}

// Global returns the process-wide logger.
func Global() Logger { return *global.Load() }

// SetGlobal replaces the process-wide logger. nil is ignored.
func SetGlobal(l Logger) {
	if l != nil {
		global.Store(&l)
	}
}
