package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scrypster/cloudml/internal/config"
)

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := NewWithWriter(config.LogConfig{Level: "info", Format: "json"}, &buf, nil)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("model created", zap.String("model_id", "m-1"))
	require.NoError(t, closeFn())

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1, "debug must be filtered at info level")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "model created", entry["msg"])
	assert.Equal(t, "m-1", entry["model_id"])
	assert.Equal(t, "info", entry["level"])
}

func TestNewWithWriter_Console(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := NewWithWriter(config.LogConfig{Level: "debug", Format: "console"}, &buf, nil)
	require.NoError(t, err)

	logger.Debug("trained", zap.Int("count", 2))
	_ = logger.Sync()
	assert.Contains(t, buf.String(), "DEBUG")
	assert.Contains(t, buf.String(), "trained")
}

func TestNewWithWriter_BadSettings(t *testing.T) {
	_, _, err := NewWithWriter(config.LogConfig{Level: "loud"}, &bytes.Buffer{}, nil)
	assert.Error(t, err)

	_, _, err = NewWithWriter(config.LogConfig{Level: "info", Format: "xml"}, &bytes.Buffer{}, nil)
	assert.Error(t, err)
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "cloudml.log")
	logger, closeFn, err := New(config.LogConfig{Level: "info", Format: "json", File: path, MaxSizeMB: 1})
	require.NoError(t, err)

	logger.Info("hello")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := zap.NewExample()
	assert.Same(t, l, OrNop(l))
}
