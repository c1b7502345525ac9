package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_WritesJSONAndText(t *testing.T) {
	var file, terminal bytes.Buffer
	logger := New(&file, &terminal, slog.LevelInfo).With("app", "rescue-service")

	logger.Info("Emergency created", "emergencyID", "e1")
	logger.Debug("hidden")

	var record map[string]any
	require.NoError(t, json.Unmarshal(file.Bytes(), &record))
	assert.Equal(t, "Emergency created", record["msg"])
	assert.Equal(t, "rescue-service", record["app"])
	assert.Equal(t, "e1", record["emergencyID"])

	assert.Contains(t, terminal.String(), "emergencyID=e1")
	assert.NotContains(t, terminal.String(), "hidden")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewLogger_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "rescue.log")

	logger, closer := NewLogger(path, "info")
	defer closer.Close()

	logger.Info("started")
	assert.FileExists(t, path)
}
