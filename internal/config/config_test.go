package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flexradio/waveform-sdk/internal/meter"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "radio.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadParsesWaveformsAndMeters(t *testing.T) {
	path := writeTempConfig(t, `
radio:
  address: 192.168.1.10:4992
waveforms:
  - full_name: FreeDV
    short_name: FDVU
    underlying_mode: USB
    version: "1.0.0.0"
    meters:
      - { name: snr, min: -100, max: 100, unit: DB }
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "192.168.1.10:4992", cfg.Radio.Address)
	require.Len(t, cfg.Waveforms, 1)

	wf := cfg.Waveforms[0]
	require.Equal(t, "FDVU", wf.ShortName)
	require.Equal(t, 8, wf.RXFilterDepth, "missing filter depth should default to 8")
	require.Equal(t, 8, wf.TXFilterDepth)
	require.Len(t, wf.Meters, 1)
	require.Equal(t, "snr", wf.Meters[0].Name)
}

func TestLoadHonorsExplicitFilterDepth(t *testing.T) {
	path := writeTempConfig(t, `
radio:
  address: 192.168.1.10:4992
waveforms:
  - short_name: FDVU
    rx_filter_depth: 4
    tx_filter_depth: 16
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Waveforms[0].RXFilterDepth)
	require.Equal(t, 16, cfg.Waveforms[0].TXFilterDepth)
}

func TestLoadRequiresRadioAddress(t *testing.T) {
	path := writeTempConfig(t, `
waveforms:
  - short_name: FDVU
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/radio.yaml")
	require.Error(t, err)
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "radio: [this is not valid")
	_, err := Load(path)
	require.Error(t, err)
}

func TestBuildConstructsRadioAndWaveforms(t *testing.T) {
	path := writeTempConfig(t, `
radio:
  address: 192.168.1.10:4992
waveforms:
  - full_name: FreeDV
    short_name: FDVU
    underlying_mode: USB
    version: "1.0.0.0"
    meters:
      - { name: snr, min: -100, max: 100, unit: DB }
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	radio, err := cfg.Build()
	require.NoError(t, err)

	waveforms := radio.Waveforms()
	require.Len(t, waveforms, 1)
	require.Equal(t, "FDVU", waveforms[0].ShortName())
}

func TestBuildRejectsDuplicateMeterName(t *testing.T) {
	path := writeTempConfig(t, `
radio:
  address: 192.168.1.10:4992
waveforms:
  - short_name: FDVU
    meters:
      - { name: snr, min: -100, max: 100, unit: DB }
      - { name: snr, min: 0, max: 1, unit: NONE }
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	_, err = cfg.Build()
	require.ErrorIs(t, err, meter.ErrDuplicateName)
}
