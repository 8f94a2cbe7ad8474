package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_GeneratesStableDeviceIdentity(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("POSSYNC_CONFIG_DIR", dir)

	first, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "possync.db"), first.DataPath)
	assert.NotEmpty(t, first.DeviceID)
	assert.NotEmpty(t, first.DeviceToken)
	assert.Equal(t, 30*time.Second, first.SyncInterval)

	stored, err := os.ReadFile(filepath.Join(dir, deviceIDFile))
	require.NoError(t, err)
	assert.Equal(t, first.DeviceID, strings.TrimSpace(string(stored)))

	second, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, first.DeviceID, second.DeviceID)
	assert.Equal(t, first.DeviceToken, second.DeviceToken)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(
		"server_url: http://pos.example:9000\n"+
			"batch_size: 20\n"+
			"device_id: 6f1c2a3e-4b5d-4e6f-8a9b-0c1d2e3f4a5b\n"), 0o600))

	t.Setenv("POSSYNC_CONFIG_DIR", dir)
	t.Setenv("POSSYNC_BATCH_SIZE", "7")

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "http://pos.example:9000", cfg.ServerURL)
	assert.Equal(t, 7, cfg.BatchSize)
	assert.Equal(t, "6f1c2a3e-4b5d-4e6f-8a9b-0c1d2e3f4a5b", cfg.DeviceID)
}

func TestLoad_InvalidDeviceID(t *testing.T) {
	t.Setenv("POSSYNC_CONFIG_DIR", t.TempDir())
	t.Setenv("POSSYNC_DEVICE_ID", "till-1")

	_, err := Load("")
	assert.Error(t, err)
}
