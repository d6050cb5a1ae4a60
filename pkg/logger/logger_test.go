package logger_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elector/pkg/logger"
)

func TestNew_WritesJSONWithServiceField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "elector.log")
	cfg := logger.DefaultConfig("electord")
	cfg.OutputPath = path

	l, err := logger.New(cfg)
	require.NoError(t, err)

	logger.ForElection(l, "billing", "/elections/billing", "node-1").Info("leadership event")
	require.NoError(t, l.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &entry))
	assert.Equal(t, "electord", entry["service"])
	assert.Equal(t, "billing", entry["role"])
	assert.Equal(t, "/elections/billing", entry["path"])
	assert.Equal(t, "node-1", entry["candidate"])
	assert.Equal(t, "info", entry["level"])
}

func TestNew_FiltersBelowLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "elector.log")
	cfg := logger.Config{Level: "warn", Encoding: "json", OutputPath: path, Service: "test"}

	l, err := logger.New(cfg)
	require.NoError(t, err)
	l.Info("dropped")
	l.Warn("kept")
	require.NoError(t, l.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "dropped")
	assert.Contains(t, string(raw), "kept")
}

func TestGet_FallsBackToDefaults(t *testing.T) {
	assert.NotNil(t, logger.Get())
}
