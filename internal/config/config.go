// Package config loads a YAML radio/waveform descriptor and turns it
// into the same constructor calls a programmatic caller would make. It
// is sugar over the public API, never a second code path: Build calls
// straight through to waveformsdk.NewRadio/NewWaveform/RegisterMeter.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	waveformsdk "github.com/flexradio/waveform-sdk"
	"github.com/flexradio/waveform-sdk/internal/meter"
)

// defaultFilterDepth matches WaveformConfig.withDefaults.
const defaultFilterDepth = 8

// MeterConfig describes one meter to register on a waveform.
type MeterConfig struct {
	Name string  `yaml:"name"`
	Min  float32 `yaml:"min"`
	Max  float32 `yaml:"max"`
	Unit string  `yaml:"unit"`
}

// WaveformConfig describes one waveform to create on a radio.
type WaveformConfig struct {
	FullName       string        `yaml:"full_name"`
	ShortName      string        `yaml:"short_name"`
	UnderlyingMode string        `yaml:"underlying_mode"`
	Version        string        `yaml:"version"`
	RXFilterDepth  int           `yaml:"rx_filter_depth"`
	TXFilterDepth  int           `yaml:"tx_filter_depth"`
	Meters         []MeterConfig `yaml:"meters"`
}

// RadioConfig describes the radio to dial.
type RadioConfig struct {
	Address string `yaml:"address"`
}

// Config is the top-level document shape.
type Config struct {
	Radio     RadioConfig      `yaml:"radio"`
	Waveforms []WaveformConfig `yaml:"waveforms"`
}

// Load reads and parses a YAML descriptor from path, applying the
// documented defaults (filter depth 8) to any field left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if cfg.Radio.Address == "" {
		return nil, fmt.Errorf("config: %q: radio.address is required", path)
	}
	for i := range cfg.Waveforms {
		if cfg.Waveforms[i].RXFilterDepth == 0 {
			cfg.Waveforms[i].RXFilterDepth = defaultFilterDepth
		}
		if cfg.Waveforms[i].TXFilterDepth == 0 {
			cfg.Waveforms[i].TXFilterDepth = defaultFilterDepth
		}
	}
	return &cfg, nil
}

// Build constructs a Radio and every configured Waveform (with its
// meters registered) from the document, via the same public
// constructors a programmatic caller uses.
func (c *Config) Build(opts ...waveformsdk.RadioOption) (*waveformsdk.Radio, error) {
	radio := waveformsdk.NewRadio(c.Radio.Address, opts...)

	for _, wc := range c.Waveforms {
		wf := radio.NewWaveform(waveformsdk.WaveformConfig{
			FullName:      wc.FullName,
			ShortName:     wc.ShortName,
			Underlying:    wc.UnderlyingMode,
			Version:       wc.Version,
			RXFilterDepth: wc.RXFilterDepth,
			TXFilterDepth: wc.TXFilterDepth,
		})
		for _, mc := range wc.Meters {
			if _, err := wf.RegisterMeter(mc.Name, mc.Min, mc.Max, meter.Unit(mc.Unit)); err != nil {
				return nil, fmt.Errorf("config: waveform %s: register meter %s: %w", wc.ShortName, mc.Name, err)
			}
		}
	}
	return radio, nil
}
