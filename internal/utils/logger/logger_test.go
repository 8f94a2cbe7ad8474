package logger

import (
	"bytes"
	"context"
	"testing"

	"possync/internal/app/server/config"

	"golang.org/x/exp/slog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		env            string
		expectedLevel  slog.Level
		expectedPretty bool
	}{
		{
			name:           "local environment",
			env:            config.EnvLocal,
			expectedLevel:  slog.LevelDebug,
			expectedPretty: true,
		},
		{
			name:           "dev environment",
			env:            config.EnvDev,
			expectedLevel:  slog.LevelDebug,
			expectedPretty: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.env)
			require.NotNil(t, logger)
			ctx := context.Background()
			assert.Equal(t, tt.expectedLevel <= 0, logger.Enabled(ctx, slog.LevelDebug))
			assert.Equal(t, tt.expectedLevel <= slog.LevelInfo, logger.Enabled(ctx, slog.LevelInfo))
		})
	}
}

func TestSetupPrettySlog(t *testing.T) {
	logger := setupPrettySlog()
	require.NotNil(t, logger)

	ctx := context.Background()
	assert.True(t, logger.Enabled(ctx, slog.LevelDebug))
}

func TestNewLoggerLevels(t *testing.T) {
	ctx := context.Background()

	// Prod - только INFO и выше
	prodLogger := New(config.EnvProd)
	assert.False(t, prodLogger.Enabled(ctx, slog.LevelDebug))
	assert.True(t, prodLogger.Enabled(ctx, slog.LevelInfo))

	// Dev - DEBUG и выше
	devLogger := New(config.EnvDev)
	assert.True(t, devLogger.Enabled(ctx, slog.LevelDebug))
	assert.True(t, devLogger.Enabled(ctx, slog.LevelInfo))

	// Local - DEBUG (pretty)
	localLogger := New(config.EnvLocal)
	assert.True(t, localLogger.Enabled(ctx, slog.LevelDebug))
}

func TestNewWithLevel(t *testing.T) {
	ctx := context.Background()

	warn := NewWithLevel(config.EnvProd, "warn")
	assert.False(t, warn.Enabled(ctx, slog.LevelInfo))
	assert.True(t, warn.Enabled(ctx, slog.LevelWarn))

	// неизвестный уровень: берётся уровень окружения
	fallback := NewWithLevel(config.EnvDev, "verbose")
	assert.True(t, fallback.Enabled(ctx, slog.LevelDebug))
}

func TestPrettyHandler(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	log.With("component", "sync").Info("push processed", "acknowledged", 3)
	log.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "push processed")
	assert.Contains(t, out, `"component": "sync"`)
	assert.Contains(t, out, `"acknowledged": 3`)
	assert.NotContains(t, out, "hidden")
}

func TestNewWriter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, config.EnvProd, ParseLevel("warn"))

	log.Info("hidden")
	log.Warn("shown", "device_id", "d1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"device_id":"d1"`)
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
