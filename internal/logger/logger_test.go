package logger

import (
	"context"
	"path/filepath"
	"testing"

	"kbindex/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	l, err := New(config.LogConfig{Level: "debug", Format: "json", OutputPath: path})
	require.NoError(t, err)
	l.Info("hello")
	require.NoError(t, l.Sync())
	assert.FileExists(t, path)
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	l, err := New(config.LogConfig{Level: "nope", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
	assert.True(t, l.Core().Enabled(zap.InfoLevel))
}

func TestFromContext(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	t.Run("上下文中的 Logger 优先", func(t *testing.T) {
		ctx := WithContext(context.Background(), base.With(zap.String("kb", "kb-1")))
		ctx = WithTraceID(ctx, "trace-1")
		FromContext(ctx, zap.NewNop()).Info("scoped")

		entries := logs.FilterMessage("scoped").All()
		require.Len(t, entries, 1)
		fields := entries[0].ContextMap()
		assert.Equal(t, "kb-1", fields["kb"])
		assert.Equal(t, "trace-1", fields["trace_id"])
	})

	t.Run("无 Logger 时使用 fallback", func(t *testing.T) {
		FromContext(context.Background(), base).Info("fallback")
		assert.Equal(t, 1, logs.FilterMessage("fallback").Len())
	})

	t.Run("均为空时返回 Nop", func(t *testing.T) {
		assert.NotPanics(t, func() {
			FromContext(context.Background(), nil).Info("dropped")
		})
	})
}
