package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    zapcore.Level
		wantErr bool
	}{
		{"DEBUG", zapcore.DebugLevel, false},
		{"info", zapcore.InfoLevel, false},
		{"WARNING", zapcore.WarnLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"ERROR", zapcore.ErrorLevel, false},
		{"", zapcore.InfoLevel, false},
		{"verbose", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewWritesToFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "ci", "daemon.log")

	logger, err := New(Config{Level: "DEBUG", File: logFile})
	require.NoError(t, err)

	logger.Info("daemon started")
	require.NoError(t, logger.Sync())

	assert.FileExists(t, logFile)
}

func TestValidateRejectsBadFormat(t *testing.T) {
	cfg := Config{Level: "INFO", Format: "xml"}
	assert.Error(t, cfg.Validate())
}
