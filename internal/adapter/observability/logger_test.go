package observability

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pioreactor/pioreactor-go/internal/config"
)

func TestSetupLoggerEmitsJSON(t *testing.T) {
	logger := SetupLogger(config.Config{UnitName: "u1", Testing: true})
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
}

func TestLevelName(t *testing.T) {
	cases := []struct {
		level slog.Level
		want  string
	}{
		{slog.LevelDebug, "debug"},
		{slog.LevelInfo, "info"},
		{slog.LevelWarn, "warning"},
		{slog.LevelError, "error"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, levelName(tc.level))
	}
}
