// Package logging builds the slog loggers of the entwire command. Output
// goes through charmbracelet/log with short timestamps, e.g.
//
//	14:32:01.45 DEBU sqlstore: table ready table=items
package logging

import (
	"context"
	"io"
	"log/slog"

	"github.com/charmbracelet/log"
)

// TimeFormat is the timestamp layout of log lines.
const TimeFormat = "15:04:05.00"

// New returns a logger writing to w at level and above.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(Handler(w, level))
}

// Handler returns the charmbracelet/log logger behind New, usable as a
// slog.Handler.
func Handler(w io.Writer, level slog.Level) *log.Logger {
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      TimeFormat,
		Level:           log.Level(level),
	})
}

// Level returns debug when verbose is set and info otherwise.
func Level(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

type ctxKey struct{}

// WithLogger returns a context carrying l.
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger carried by ctx, or slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
