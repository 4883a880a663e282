package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInitHonorsLevel(t *testing.T) {
	t.Cleanup(func() { CLILogger = zap.NewNop() })

	Init("debug")
	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel))

	Init("warn")
	assert.False(t, CLILogger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, CLILogger.Core().Enabled(zapcore.WarnLevel))

	// Unrecognized names fall back to info.
	Init("shouting")
	assert.False(t, CLILogger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, CLILogger.Core().Enabled(zapcore.InfoLevel))
}
