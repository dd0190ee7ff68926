package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewDefaults(t *testing.T) {
	log := New(Config{ServiceName: "kgraph"})
	require.NotNil(t, log)
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
}

func TestNewLevels(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		enabled zapcore.Level
	}{
		{name: "debug", level: "debug", enabled: zapcore.DebugLevel},
		{name: "warn", level: "warn", enabled: zapcore.WarnLevel},
		{name: "error", level: "error", enabled: zapcore.ErrorLevel},
		{name: "unknown falls back to info", level: "verbose", enabled: zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := New(Config{ServiceName: "kgraph", LogLevel: tt.level})
			assert.True(t, log.Core().Enabled(tt.enabled))
		})
	}
}
