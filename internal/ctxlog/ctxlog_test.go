package ctxlog

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromContext(t *testing.T) {
	require.Same(t, slog.Default(), FromContext(context.Background()))

	var buf bytes.Buffer
	l := New("debug", "json", &buf)
	ctx := WithLogger(context.Background(), l)
	require.Same(t, l, FromContext(ctx))

	FromContext(ctx).Debug("hello", "k", 1)
	require.Contains(t, buf.String(), `"msg":"hello"`)
	require.Contains(t, buf.String(), `"k":1`)
}

func TestNewLevels(t *testing.T) {
	var buf bytes.Buffer
	l := New("warn", "text", &buf)
	l.Info("hidden")
	l.Warn("shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "msg=shown")
	require.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
