package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"debug", zap.DebugLevel, false},
		{"INFO", zap.InfoLevel, false},
		{"", zap.InfoLevel, false},
		{"warning", zap.WarnLevel, false},
		{"error", zap.ErrorLevel, false},
		{"verbose", zap.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_LevelIsAdjustable(t *testing.T) {
	logger, atom, err := New("warn", "console")
	require.NoError(t, err)
	require.NotNil(t, logger)

	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	atom.SetLevel(zap.DebugLevel)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	_, _, err = New("loud", "json")
	assert.Error(t, err)
}

func TestNew_WithFileWritesJSON(t *testing.T) {
	dir := t.TempDir()
	file, err := NewRollingFile(dir, 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = file.Close() })

	logger, _, err := New("info", "console", WithFile(file))
	require.NoError(t, err)
	logger.Info("Report generated", zap.String("report", "nomina"))
	logger.Debug("dropped")
	require.NoError(t, file.Sync())

	files, err := ListFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := os.ReadFile(filepath.Join(dir, files[0].Name))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"Report generated"`)
	assert.Contains(t, string(data), `"report":"nomina"`)
	assert.NotContains(t, string(data), "dropped")
}
