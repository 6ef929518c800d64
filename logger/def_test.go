package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInit(t *testing.T) {
	require.NoError(t, Init("development", "warn"))
	assert.False(t, Log().Core().Enabled(zapcore.InfoLevel))
	assert.True(t, Log().Core().Enabled(zapcore.WarnLevel))

	assert.Error(t, Init("verbose", ""))
	assert.Error(t, Init("production", "loud"))
}

func TestSet(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	Set(zap.New(core))
	Log().Debug("frame lost")
	S().Infow("ready", "provider", "cpu")
	assert.Equal(t, 2, logs.Len())
	assert.Same(t, Log(), zap.L())
}
