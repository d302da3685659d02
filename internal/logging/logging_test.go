package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		level slog.Level
		log   func(*slog.Logger)
		want  bool
	}{
		{"info_at_info", slog.LevelInfo, func(l *slog.Logger) { l.Info("x") }, true},
		{"debug_at_info", slog.LevelInfo, func(l *slog.Logger) { l.Debug("x") }, false},
		{"debug_at_debug", slog.LevelDebug, func(l *slog.Logger) { l.Debug("x") }, true},
		{"warn_at_error", slog.LevelError, func(l *slog.Logger) { l.Warn("x") }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.log(New(&buf, tt.level))
			assert.Equal(t, tt.want, buf.Len() > 0)
		})
	}
}

func TestAttributes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	New(&buf, slog.LevelDebug).With("table", "items").Info("table ready", "rows", 3)
	out := buf.String()
	assert.Contains(t, out, "table ready")
	assert.Contains(t, out, "table=items")
	assert.Contains(t, out, "rows=3")
}

func TestContext(t *testing.T) {
	t.Parallel()

	assert.Same(t, slog.Default(), FromContext(context.Background()))
	l := New(&bytes.Buffer{}, Level(true))
	assert.Same(t, l, FromContext(WithLogger(context.Background(), l)))
	assert.Equal(t, slog.LevelInfo, Level(false))
}
