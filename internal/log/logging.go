// Package log configures the slog loggers used throughout usbtest.
//
// Without a log file, records below Error go to stdout and errors go to
// stderr. With a log file, everything goes to both stderr and the file.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LevelTrace sits below Debug and is used for per-URB output.
const LevelTrace slog.Level = -8

// ParseLevel maps a level name to a slog level. Unknown names yield Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func Trace(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelTrace, msg, args...)
}

// Fanout hands every record to each of its handlers that is enabled for it.
type Fanout []slog.Handler

func (f Fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f Fanout) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			_ = h.Handle(ctx, r.Clone())
		}
	}
	return nil
}

func (f Fanout) each(fn func(slog.Handler) slog.Handler) Fanout {
	out := make(Fanout, len(f))
	for i, h := range f {
		out[i] = fn(h)
	}
	return out
}

func (f Fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f Fanout) WithGroup(name string) slog.Handler {
	return f.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

// Band passes records with Min <= level < Max to its handler. Max <= Min
// leaves the band open upwards.
type Band struct {
	Min, Max slog.Level
	Handler  slog.Handler
}

func (b Band) admits(l slog.Level) bool {
	return l >= b.Min && (b.Max <= b.Min || l < b.Max)
}

func (b Band) Enabled(ctx context.Context, l slog.Level) bool {
	return b.admits(l) && b.Handler.Enabled(ctx, l)
}

func (b Band) Handle(ctx context.Context, r slog.Record) error {
	if !b.admits(r.Level) {
		return nil
	}
	return b.Handler.Handle(ctx, r)
}

func (b Band) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Band{Min: b.Min, Max: b.Max, Handler: b.Handler.WithAttrs(attrs)}
}

func (b Band) WithGroup(name string) slog.Handler {
	return Band{Min: b.Min, Max: b.Max, Handler: b.Handler.WithGroup(name)}
}

// SetupLogger builds the process logger. The returned closers must be
// closed on shutdown.
func SetupLogger(logLevel, logFile string) (*slog.Logger, []io.Closer, error) {
	opts := &slog.HandlerOptions{Level: ParseLevel(logLevel)}
	if logFile == "" {
		return slog.New(Fanout{
			Band{Min: LevelTrace - 4, Max: slog.LevelError, Handler: slog.NewTextHandler(os.Stdout, opts)},
			Band{Min: slog.LevelError, Handler: slog.NewTextHandler(os.Stderr, opts)},
		}), nil, nil
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return slog.New(Fanout{
		slog.NewTextHandler(os.Stderr, opts),
		slog.NewTextHandler(f, opts),
	}), []io.Closer{f}, nil
}
