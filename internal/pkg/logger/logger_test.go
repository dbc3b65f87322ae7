package logger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func resetLogger() {
	global = nil
	once = sync.Once{}
}

func TestInit(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		format    string
		wantLevel zapcore.Level
		wantErr   bool
	}{
		{"json info", "info", "json", zapcore.InfoLevel, false},
		{"console debug", "debug", "console", zapcore.DebugLevel, false},
		{"json warn", "warn", "json", zapcore.WarnLevel, false},
		{"json error", "error", "json", zapcore.ErrorLevel, false},
		{"invalid level", "loud", "json", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetLogger()
			err := Init(tt.level, tt.format)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLevel, GetLevel())
		})
	}
}

func TestSetLevel(t *testing.T) {
	resetLogger()
	require.NoError(t, Init("info", "json"))

	require.NoError(t, SetLevel("debug"))
	assert.Equal(t, zapcore.DebugLevel, GetLevel())
	assert.Error(t, SetLevel("bogus"))
	assert.Equal(t, zapcore.DebugLevel, GetLevel())
	require.NoError(t, SetLevel("info"))
}

func TestL_PanicsWithoutInit(t *testing.T) {
	resetLogger()
	assert.Panics(t, func() { L() })
}

func TestLoggingFunctions(t *testing.T) {
	resetLogger()
	require.NoError(t, Init("debug", "json"))

	assert.NotPanics(t, func() {
		Debug("debug", BatchID("b-1"))
		Info("info", RowID("r-1"))
		Warn("warn", UserID("u-1"))
		Error("error", JobID("j-1"))
	})
	assert.NotNil(t, With(BatchID("b-1")))
	assert.NotNil(t, S())
}

func TestHTTPHandler(t *testing.T) {
	resetLogger()
	require.NoError(t, Init("warn", "json"))

	h := HTTPHandler()
	require.NotNil(t, h)
	assert.Equal(t, zapcore.WarnLevel, h.Level())
}

func TestSync(t *testing.T) {
	resetLogger()
	assert.NoError(t, Sync())

	require.NoError(t, Init("info", "json"))
	_ = Sync()
}
