// Package config loads config.yaml.
package config

import (
	"TrackDetServer/calibration"
	iface "TrackDetServer/interface"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type CaptureConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Device       int    `yaml:"device"`
	File         string `yaml:"file"`
	RefreshHz    int    `yaml:"refreshHz"`
	UIIntervalMs int    `yaml:"uiIntervalMs"`
	MarkerFile   string `yaml:"markerFile"`
}

func (c CaptureConfig) Interval() time.Duration {
	return time.Second / time.Duration(c.RefreshHz)
}

func (c CaptureConfig) UIInterval() time.Duration {
	return time.Duration(c.UIIntervalMs) * time.Millisecond
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"clientId"`
	QoS      byte   `yaml:"qos"`
}

type LogConfig struct {
	Mode  string `yaml:"mode"`
	Level string `yaml:"level"`
}

type Config struct {
	HTTPPort       int    `yaml:"HTTPPort"`
	RPCPort        int    `yaml:"RPCPort"`
	AdhocPort      int    `yaml:"AdhocPort"`
	InstanceClass  string `yaml:"instanceClass"`
	OnnxRuntimeDir string `yaml:"OnnxRuntimeDir"`
	OnnxRuntimeLib string `yaml:"OnnxRuntimeLib"`
	ModelRoot      string `yaml:"ModelRoot"`
	Model          string `yaml:"Model"`
	Precision      string `yaml:"Precision"`
	Warmup         *bool  `yaml:"Warmup"`

	UseRegServer  bool   `yaml:"UseRegServer"`
	RegServerPort int    `yaml:"RegServerPort"`
	RegServerHost string `yaml:"RegServerHost"`

	Capture     CaptureConfig         `yaml:"Capture"`
	Calibration calibration.Reference `yaml:"Calibration"`
	MQTT        MQTTConfig            `yaml:"MQTT"`
	Log         LogConfig             `yaml:"Log"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HTTPPort == 0 {
		c.HTTPPort = 8080
	}
	if c.RPCPort == 0 {
		c.RPCPort = 50051
	}
	if c.AdhocPort == 0 {
		c.AdhocPort = 50053
	}
	if c.InstanceClass == "" {
		c.InstanceClass = "Cpu"
	}
	if c.ModelRoot == "" {
		c.ModelRoot = "models"
	}
	if c.Precision == "" {
		c.Precision = string(iface.FP32)
	}
	if c.Warmup == nil {
		on := true
		c.Warmup = &on
	}
	if c.Capture.RefreshHz == 0 {
		c.Capture.RefreshHz = 60
	}
	if c.Capture.UIIntervalMs == 0 {
		c.Capture.UIIntervalMs = 250
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "trackdet"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "trackdet-server"
	}
	if sc, err := calibration.ParseScale(string(c.Calibration.Scale)); err == nil {
		c.Calibration.Scale = sc
	}
	if c.Log.Mode == "" {
		c.Log.Mode = "production"
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	for name, port := range map[string]int{"HTTPPort": c.HTTPPort, "RPCPort": c.RPCPort, "AdhocPort": c.AdhocPort} {
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s %d out of range", name, port))
		}
	}
	if _, err := c.Providers(); err != nil {
		errs = append(errs, err)
	}
	if _, err := iface.ParsePrecision(c.Precision); err != nil {
		errs = append(errs, err)
	}
	if c.Capture.Enabled && c.Model == "" {
		errs = append(errs, errors.New("Capture.enabled needs a Model"))
	}
	if c.Capture.RefreshHz < 0 || c.Capture.UIIntervalMs < 0 {
		errs = append(errs, errors.New("Capture intervals must be positive"))
	}
	if c.Calibration.Scale != "" {
		if _, err := calibration.ParseScale(string(c.Calibration.Scale)); err != nil {
			errs = append(errs, err)
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("MQTT.enabled needs a broker"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("MQTT.qos %d out of range", c.MQTT.QoS))
	}
	if c.UseRegServer && c.RegServerHost == "" {
		errs = append(errs, errors.New("UseRegServer needs RegServerHost"))
	}
	return errors.Join(errs...)
}

func (c *Config) PrecisionValue() iface.Precision {
	p, _ := iface.ParsePrecision(c.Precision)
	return p
}

// Providers turns instanceClass into the execution provider preference.
// Cpu means no accelerator; the CPU provider is always the last resort.
func (c *Config) Providers() ([]iface.Provider, error) {
	switch strings.ToLower(c.InstanceClass) {
	case "cpu":
		return nil, nil
	case "cuda":
		return []iface.Provider{iface.ProviderCUDA}, nil
	case "dml":
		return []iface.Provider{iface.ProviderDirectML}, nil
	case "coreml":
		return []iface.Provider{iface.ProviderCoreML}, nil
	default:
		return nil, fmt.Errorf("unknown instanceClass %q, want Cpu, Cuda, Dml or CoreML", c.InstanceClass)
	}
}

// LoadMarkers reads a YAML list of markers.
func LoadMarkers(path string) ([]iface.Marker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read markers: %w", err)
	}
	var markers []iface.Marker
	if err := yaml.Unmarshal(data, &markers); err != nil {
		return nil, fmt.Errorf("parse markers: %w", err)
	}
	seen := make(map[string]struct{}, len(markers))
	for _, m := range markers {
		if m.ID == "" {
			return nil, errors.New("marker without id")
		}
		if _, dup := seen[m.ID]; dup {
			return nil, fmt.Errorf("duplicate marker id %q", m.ID)
		}
		seen[m.ID] = struct{}{}
	}
	return markers, nil
}
