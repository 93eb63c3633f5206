package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew_LevelControlsOutput(t *testing.T) {
	t.Parallel()

	logger, err := New(false, "warn")
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestNew_DefaultLevels(t *testing.T) {
	t.Parallel()

	prod, err := New(false, "")
	require.NoError(t, err)
	require.True(t, prod.Core().Enabled(zapcore.InfoLevel))
	require.False(t, prod.Core().Enabled(zapcore.DebugLevel))

	dev, err := New(true, "")
	require.NoError(t, err)
	require.True(t, dev.Core().Enabled(zapcore.DebugLevel))
}

func TestNew_InvalidLevelFails(t *testing.T) {
	t.Parallel()

	_, err := New(false, "verbose")
	require.Error(t, err)
	require.Contains(t, err.Error(), "verbose")
}
