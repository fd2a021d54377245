package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.GreaterOrEqual(t, cfg.Processing.NumCores, 1)
	assert.Equal(t, "skellytour", cfg.Tools.Skellytour.Command)
	assert.Equal(t, "TotalSegmentator", cfg.Tools.TotalSegmentator.Command)
	assert.Equal(t, 50, cfg.Runner.TailLines)
	assert.Equal(t, 10*time.Second, cfg.Runner.CancelGrace)
	assert.Equal(t, "medium", cfg.Defaults.Quality)
	assert.Equal(t, "total", cfg.Defaults.Task)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dicomseg.yaml")

	cfg := DefaultConfig()
	cfg.Processing.NumCores = 3
	cfg.Tools.Skellytour.Command = "/opt/skellytour/bin/skellytour"
	cfg.Tools.TotalSegmentator.ExtraArgs = []string{"--fast"}
	cfg.Runner.CancelGrace = 2500 * time.Millisecond
	cfg.Logging.Level = "debug"

	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadConfigPartialOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	content := "runner:\n  cancelGrace: 30s\ndefaults:\n  device: cpu\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Runner.CancelGrace)
	assert.Equal(t, "cpu", cfg.Defaults.Device)
	assert.Equal(t, 50, cfg.Runner.TailLines)
	assert.Equal(t, "skellytour", cfg.Tools.Skellytour.Command)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "zero cores", content: "processing:\n  numCores: 0\n"},
		{name: "empty command", content: "tools:\n  skellytour:\n    command: \"\"\n"},
		{name: "zero tail", content: "runner:\n  tailLines: 0\n"},
		{name: "malformed yaml", content: "processing: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dicomseg.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}
