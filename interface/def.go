package iface

import (
	"fmt"
	"strings"
)

type Position struct {
	X float64 `json:"x" yaml:"x" msgpack:"x"`
	Y float64 `json:"y" yaml:"y" msgpack:"y"`
}

// Marker is a labelled point on one layout image. The labeling UI owns it; the
// classifier only reads it.
type Marker struct {
	ID    string  `json:"id" yaml:"id" msgpack:"id"`
	X     float64 `json:"x" yaml:"x" msgpack:"x"`
	Y     float64 `json:"y" yaml:"y" msgpack:"y"`
	Type  string  `json:"type" yaml:"type" msgpack:"type"`
	Alias string  `json:"alias,omitempty" yaml:"alias,omitempty" msgpack:"alias,omitempty"`
}

func (m Marker) Position() Position {
	return Position{X: m.X, Y: m.Y}
}

const LabelOther = "other"

// ClassifierConfig mirrors {modelBase}/model.config. Labels order defines the
// output index -> name mapping.
type ClassifierConfig struct {
	Labels   []string `json:"labels"`
	DPT      float64  `json:"dpt"`
	CropSize int      `json:"crop_size"`
}

func (c ClassifierConfig) Validate() error {
	if len(c.Labels) == 0 {
		return fmt.Errorf("model config has no labels")
	}
	if c.DPT <= 0 {
		return fmt.Errorf("model config dpt must be positive, got %v", c.DPT)
	}
	if c.CropSize <= 0 {
		return fmt.Errorf("model config crop_size must be positive, got %d", c.CropSize)
	}
	return nil
}

func (c ClassifierConfig) HasLabel(label string) bool {
	for _, l := range c.Labels {
		if l == label {
			return true
		}
	}
	return false
}

type Precision string

const (
	FP32 Precision = "fp32"
	FP16 Precision = "fp16"
	INT8 Precision = "int8"
)

func ParsePrecision(s string) (Precision, error) {
	switch p := Precision(strings.ToLower(strings.TrimSpace(s))); p {
	case FP32, FP16, INT8:
		return p, nil
	case "":
		return FP32, nil
	default:
		return "", fmt.Errorf("unsupported precision %q", s)
	}
}

// Provider names the hardware backend that served a model load. It is only
// reported, never used to make decisions.
type Provider string

const (
	ProviderUnknown  Provider = ""
	ProviderCPU      Provider = "cpu"
	ProviderCUDA     Provider = "cuda"
	ProviderDirectML Provider = "dml"
	ProviderCoreML   Provider = "coreml"
)

// BatchResult is what one live frame produces for the external publisher.
type BatchResult struct {
	Timestamp         int64             `json:"timestamp"`
	Results           map[string]string `json:"results"`
	InferenceTimeMs   float64           `json:"inferenceTimeMs"`
	ExecutionProvider Provider          `json:"executionProvider"`
}
