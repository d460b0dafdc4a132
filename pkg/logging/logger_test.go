package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLoggerWritesStructuredRecords(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Options{Level: "debug", Format: "json", Output: &buf})
	require.NoError(t, err)
	defer closer.Close()

	Component(logger, "framestore").Debug("frame admitted", "sequence", 3)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "frame admitted", record["msg"])
	assert.Equal(t, "framestore", record["component"])
	assert.EqualValues(t, 3, record["sequence"])
	assert.NotEmpty(t, record["time"])
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Options{Level: "warn", Format: "console", Output: &buf})
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("hidden")
	assert.Zero(t, buf.Len())
	logger.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewTeesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "screenwatch.log")
	var buf bytes.Buffer
	logger, closer, err := New(Options{Level: "info", Format: "json", Output: &buf, File: path})
	require.NoError(t, err)

	logger.Info("tick skipped")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "tick skipped")
	assert.Contains(t, buf.String(), "tick skipped")
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	_, _, err := New(Options{Level: "loud"})
	assert.Error(t, err)
	_, _, err = New(Options{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
