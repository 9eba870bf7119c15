package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitFileRoutesServiceLoggersToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "keytempo.log")

	closeFn, err := InitFile(path, slog.LevelInfo, FileLoggerOptions{})
	require.NoError(t, err)

	ForService("pressure-watch").Info("sweep complete", "evicted", 3)
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"service":"pressure-watch"`)
	assert.Contains(t, string(data), `"msg":"sweep complete"`)
}

func TestNewFileLoggerIsIndependentOfGlobalLoggers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")

	logger, closeFn, err := NewFileLogger(path, "run", slog.LevelDebug, FileLoggerOptions{MaxSizeMB: 1})
	require.NoError(t, err)

	logger.Debug("started")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"service":"run"`)
	assert.Contains(t, string(data), `"msg":"started"`)
}
