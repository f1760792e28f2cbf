package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/migadu/sieve/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("WARNING"))
	assert.Equal(t, slog.LevelError, parseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("bogus"))
}

func TestInitializeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sieve.log")
	f, err := Initialize(config.LoggingConfig{Output: path, Format: "json", Level: "debug"})
	require.NoError(t, err)
	require.NotNil(t, f)
	t.Cleanup(func() {
		f.Close()
		globalLogger = nil
	})

	Info("compiled", "script", "main")
	Debugf("binary has %d blocks", 2)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"script":"main"`)
	assert.Contains(t, string(data), "binary has 2 blocks")
}

func TestInitializeFileError(t *testing.T) {
	_, err := Initialize(config.LoggingConfig{Output: filepath.Join(t.TempDir(), "missing", "x.log")})
	assert.Error(t, err)
}
