package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/receiptflow/receiptflow/internal/config"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestConfigureWritesJSONToFileAndConsole(t *testing.T) {
	logger := log.New()
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "receiptflow.log")

	closeFn, err := Configure(logger, config.LogConfig{Level: "debug", JSON: true, File: path, MaxSizeMB: 1}, &console)
	require.NoError(t, err)

	logger.WithField("user_id", 7).Debug("lock acquired")
	require.NoError(t, closeFn())

	data, errRead := os.ReadFile(path)
	require.NoError(t, errRead)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	require.Equal(t, "lock acquired", entry["msg"])
	require.Equal(t, float64(7), entry["user_id"])
	require.Contains(t, console.String(), "lock acquired")
}

func TestConfigureLevelFilters(t *testing.T) {
	logger := log.New()
	var console bytes.Buffer
	_, err := Configure(logger, config.LogConfig{Level: "warn"}, &console)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")
	require.False(t, strings.Contains(console.String(), "hidden"))
	require.True(t, strings.Contains(console.String(), "shown"))
}

func TestConfigureRejectsUnknownLevel(t *testing.T) {
	_, err := Configure(log.New(), config.LogConfig{Level: "loud"}, &bytes.Buffer{})
	require.Error(t, err)
}
