package engine

import (
	iface "TrackDetServer/interface"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	ConfigFile     = "model.config"
	ModelExtension = ".onnx"
	FetchTimeout   = 30 * time.Second
)

// ArtifactSource provides what the offline training pipeline exported for one model.
type ArtifactSource interface {
	Config(ctx context.Context) (iface.ClassifierConfig, error)
	Model(ctx context.Context, precision iface.Precision) ([]byte, error)
}

func ModelFile(precision iface.Precision) string {
	return fmt.Sprintf("model_%s%s", precision, ModelExtension)
}

// Loader reads artifacts from {base}/model.config and {base}/model_{precision}.onnx.
// base is either an http(s) URL or a local directory.
type Loader struct {
	base   string
	client *resty.Client
}

func NewLoader(base string) *Loader {
	return &Loader{
		base:   strings.TrimRight(base, "/"),
		client: resty.New().SetTimeout(FetchTimeout),
	}
}

// CheckModelName accepts a single path element, so the model stays under
// the models root whether that is a directory or a URL.
func CheckModelName(model string) error {
	if model == "" || model == "." || model == ".." || strings.ContainsAny(model, `/\`) || !filepath.IsLocal(model) {
		return fmt.Errorf("%w: %q", ErrInvalidModel, model)
	}
	return nil
}

// ModelBase joins the models root with a model name checked by CheckModelName.
func ModelBase(root, model string) string {
	if isRemote(root) {
		return strings.TrimRight(root, "/") + "/" + model
	}
	return filepath.Join(root, model)
}

func isRemote(base string) bool {
	return strings.HasPrefix(base, "http://") || strings.HasPrefix(base, "https://")
}

func (l *Loader) Config(ctx context.Context) (iface.ClassifierConfig, error) {
	var cfg iface.ClassifierConfig
	raw, err := l.fetch(ctx, ConfigFile)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", ConfigFile, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (l *Loader) Model(ctx context.Context, precision iface.Precision) ([]byte, error) {
	data, err := l.fetch(ctx, ModelFile(precision))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s is empty", ModelFile(precision))
	}
	return data, nil
}

func (l *Loader) fetch(ctx context.Context, name string) ([]byte, error) {
	if !isRemote(l.base) {
		data, err := os.ReadFile(filepath.Join(l.base, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		return data, nil
	}
	url := l.base + "/" + name
	resp, err := l.client.R().
		SetContext(ctx).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch %s: %s", url, resp.Status())
	}
	return resp.Body(), nil
}
