package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/minorsecond/axterm/internal/dgp"
)

func TestDefaultPassesValidateOnceCallsignSet(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Validate(), "callsign is required")

	cfg.Station.Callsign = "KC1ABC"
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadMergesYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "axtermd.yaml")
	contents := `
station:
  callsign: KC1ABC
  ssid: 5
  channel: 1
tnc:
  device: /dev/ttyUSB1
transfer:
  chunk_size: 64
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "KC1ABC", cfg.Station.Callsign)
	require.Equal(t, 5, cfg.Station.SSID)
	require.Equal(t, 1, cfg.Station.Channel)
	require.Equal(t, "/dev/ttyUSB1", cfg.TNC.Device)
	require.Equal(t, uint32(64), cfg.Transfer.ChunkSize)
	// Fields the file didn't mention keep their defaults.
	require.Equal(t, 9600, cfg.TNC.BaudRate)
	require.True(t, cfg.Capability.Enabled)
}

func TestValidateRejectsBadSSIDAndChunkSize(t *testing.T) {
	cfg := Default()
	cfg.Station.Callsign = "KC1ABC"

	cfg.Station.SSID = 16
	require.Error(t, cfg.Validate())

	cfg.Station.SSID = 0
	cfg.Transfer.ChunkSize = 0
	require.Error(t, cfg.Validate())
}

func TestLocalCapabilitiesReflectsFlags(t *testing.T) {
	cfg := Default()
	caps := cfg.LocalCapabilities()
	require.Equal(t, uint8(DGPProtocolVersion), caps.MaxVersion)
	require.NotZero(t, caps.Features&dgp.FeatureChat)
	require.NotZero(t, caps.Features&dgp.FeatureCompression)
	require.NotZero(t, caps.Features&dgp.FeatureSack)

	cfg.Capability = Capability{}
	require.Zero(t, cfg.LocalCapabilities().Features)
}
