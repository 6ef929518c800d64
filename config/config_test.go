package config

import (
	"TrackDetServer/calibration"
	iface "TrackDetServer/interface"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("Model: tracks\n"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 50051, cfg.RPCPort)
	assert.Equal(t, iface.FP32, cfg.PrecisionValue())
	assert.True(t, *cfg.Warmup)
	assert.Equal(t, time.Second/60, cfg.Capture.Interval())
	assert.Equal(t, 250*time.Millisecond, cfg.Capture.UIInterval())
	providers, err := cfg.Providers()
	require.NoError(t, err)
	assert.Empty(t, providers)
}

func TestParse_Full(t *testing.T) {
	cfg, err := Parse([]byte(`
HTTPPort: 9000
instanceClass: Cuda
Model: tracks
Precision: fp16
Warmup: false
Capture:
  enabled: true
  device: 1
  refreshHz: 30
Calibration:
  p1: {x: 10, y: 10}
  p2: {x: 110, y: 10}
  referenceDistanceMm: 100
  scale: HO
MQTT:
  enabled: true
  broker: tcp://localhost:1883
`))
	require.NoError(t, err)
	assert.Equal(t, iface.FP16, cfg.PrecisionValue())
	assert.False(t, *cfg.Warmup)
	providers, err := cfg.Providers()
	require.NoError(t, err)
	assert.Equal(t, []iface.Provider{iface.ProviderCUDA}, providers)
	assert.Equal(t, calibration.ScaleHO, cfg.Calibration.Scale)
	dpt, ok := cfg.Calibration.DPT()
	require.True(t, ok)
	assert.InDelta(t, 16.49, dpt, 0.01)
	assert.Equal(t, "trackdet", cfg.MQTT.Topic)
}

func TestParse_CollectsErrors(t *testing.T) {
	_, err := Parse([]byte(`
HTTPPort: 70000
instanceClass: Tpu
Precision: fp64
Capture: {enabled: true}
MQTT: {enabled: true, qos: 3}
UseRegServer: true
`))
	require.Error(t, err)
	for _, want := range []string{"HTTPPort", "instanceClass", "precision", "Model", "broker", "qos", "RegServerHost"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoad(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("RPCPort: 6000\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6000, cfg.RPCPort)
}

func TestLoadMarkers(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "markers.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
- {id: m1, x: 10.5, y: 20, type: track}
- {id: m2, x: 30, y: 40, type: train-coupler, alias: coupler 1}
`), 0o644))
	markers, err := LoadMarkers(good)
	require.NoError(t, err)
	require.Len(t, markers, 2)
	assert.Equal(t, iface.Marker{ID: "m2", X: 30, Y: 40, Type: "train-coupler", Alias: "coupler 1"}, markers[1])

	dup := filepath.Join(dir, "dup.yaml")
	require.NoError(t, os.WriteFile(dup, []byte("- {id: m1}\n- {id: m1}\n"), 0o644))
	_, err = LoadMarkers(dup)
	assert.Error(t, err)
}
