package litecomics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/natefinch/lumberjack"
)

// LoggerOptions controls structured logging behavior.
type LoggerOptions struct {
	Verbose bool
	Debug   bool

	// File, when set, receives a copy of every record through a rotating writer.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	Stdout io.Writer
	Stderr io.Writer
}

// NewLogger constructs a structured JSON logger that writes INFO/WARN/DEBUG to stdout
// and ERROR+ to stderr. When opts.File is set every record is also written to that file,
// rotated by size.
//
// Verbose is used by request logging (not by slog filtering); Debug enables slog DEBUG logs.
// The returned closer releases the log file and is never nil.
func NewLogger(opts LoggerOptions) (*slog.Logger, io.Closer) {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	var h slog.Handler = &splitLevelHandler{
		stdout: slog.NewJSONHandler(stdout, &slog.HandlerOptions{Level: level}),
		stderr: slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: slog.LevelError}),
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		closer = lj
		h = teeHandler{h, slog.NewJSONHandler(lj, &slog.HandlerOptions{Level: level})}
	}

	return slog.New(h), closer
}

type splitLevelHandler struct {
	stdout slog.Handler
	stderr slog.Handler
}

func (h *splitLevelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= slog.LevelError {
		return h.stderr.Enabled(ctx, level)
	}
	return h.stdout.Enabled(ctx, level)
}

func (h *splitLevelHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError {
		return h.stderr.Handle(ctx, r)
	}
	return h.stdout.Handle(ctx, r)
}

func (h *splitLevelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &splitLevelHandler{
		stdout: h.stdout.WithAttrs(attrs),
		stderr: h.stderr.WithAttrs(attrs),
	}
}

func (h *splitLevelHandler) WithGroup(name string) slog.Handler {
	return &splitLevelHandler{
		stdout: h.stdout.WithGroup(name),
		stderr: h.stderr.WithGroup(name),
	}
}

// teeHandler sends each record to every handler that accepts its level.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}

var (
	_ slog.Handler = (*splitLevelHandler)(nil)
	_ slog.Handler = teeHandler(nil)
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// discardWriter is used in tests when a writer is required.
type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

var _ io.Writer = discardWriter{}
