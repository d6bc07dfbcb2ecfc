package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithNoFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 0xBAC0, cfg.BIPPort)
	assert.Equal(t, 38400, cfg.MSTPBaud)
	assert.Equal(t, 3, cfg.APDURetries)
}

func TestLoadFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
bip_port: 47810
mstp_mac: 5
mstp_max_master: 20
mstp_max_info_frames: 3
mstp_baud: 76800
apdu_retries: 5
apdu_timeout_ms: 5s
bbmd_time_to_live_seconds: 600s
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 47810, cfg.BIPPort)
	assert.Equal(t, uint8(5), cfg.MSTPMac)
	assert.Equal(t, uint8(20), cfg.MSTPMaxMaster)
	assert.Equal(t, 3, cfg.MSTPMaxInfoFrames)
	assert.Equal(t, 76800, cfg.MSTPBaud)
	assert.Equal(t, 5, cfg.APDURetries)
	assert.Equal(t, 5*time.Second, cfg.APDUTimeout)
	assert.Equal(t, 600*time.Second, cfg.BBMDTimeToLive)
}

func TestLoadWithNoFileReturnsDeviceDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, uint32(260001), cfg.DeviceInstance)
	assert.Equal(t, "bacstack-device", cfg.DeviceName)
	assert.Equal(t, "bacstackd", cfg.ModelName)
}

func TestValidateRejectsDeviceInstanceOutOfRange(t *testing.T) {
	cfg := defaultConfig()
	cfg.DeviceInstance = 5000000
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsBadBaudRate(t *testing.T) {
	cfg := defaultConfig()
	cfg.MSTPBaud = 12345
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsMacOutOfRange(t *testing.T) {
	cfg := defaultConfig()
	cfg.MSTPMac = 200
	assert.Error(t, Validate(cfg))
}

func TestValidateAcceptsDefaults(t *testing.T) {
	assert.NoError(t, Validate(defaultConfig()))
}

func TestMustLoadWithNoConfigAndNoDefaultUsesBuiltins(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := MustLoad("")
	require.NoError(t, err)
	assert.Equal(t, 0xBAC0, cfg.BIPPort)
}

func TestMustLoadMissingExplicitFileErrors(t *testing.T) {
	_, err := MustLoad(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
