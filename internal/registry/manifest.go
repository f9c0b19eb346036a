package registry

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"

	"github.com/vita-cdss/cdss-core/internal/domain"
	"github.com/vita-cdss/cdss-core/pkg/inference"
)

// Adapter kinds accepted in a manifest
const (
	KindHTTP    = "http"
	KindBuiltin = "builtin"
)

// Manifest is the on-disk description of the deployed models.
type Manifest struct {
	Models []ManifestEntry `toml:"models" validate:"min=1,dive"`
}

// ManifestEntry describes one model version and how to reach it
type ManifestEntry struct {
	ID          string                  `toml:"id" validate:"required,excludesall=@"`
	Version     string                  `toml:"version" validate:"required"`
	Description string                  `toml:"description"`
	Kind        string                  `toml:"kind" validate:"required,oneof=http builtin"`
	Endpoint    string                  `toml:"endpoint" validate:"omitempty,url"`
	APIKeyEnv   string                  `toml:"api_key_env"`
	RateLimit   float64                 `toml:"rate_limit" validate:"gte=0"`
	Builtin     string                  `toml:"builtin"`
	Params      inference.BuiltinParams `toml:"params"`
	Timeout     string                  `toml:"timeout"`
	Input       domain.InputContract    `toml:"input"`
	Output      domain.OutputContract   `toml:"output"`
}

// ParseManifest decodes and validates a TOML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse model manifest: %w", err)
	}
	if err := validator.New().Struct(&m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, fmt.Errorf("invalid model manifest: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return nil, fmt.Errorf("invalid model manifest: %w", err)
	}
	for _, e := range m.Models {
		switch e.Kind {
		case KindHTTP:
			if e.Endpoint == "" {
				return nil, fmt.Errorf("model %s@%s: http models require an endpoint", e.ID, e.Version)
			}
		case KindBuiltin:
			if e.Builtin == "" {
				return nil, fmt.Errorf("model %s@%s: builtin models require a builtin name", e.ID, e.Version)
			}
		}
	}
	return &m, nil
}

// Descriptor converts the entry into a model descriptor
func (e ManifestEntry) Descriptor(defaultTimeout time.Duration) (domain.ModelDescriptor, error) {
	timeout := defaultTimeout
	if e.Timeout != "" {
		d, err := time.ParseDuration(e.Timeout)
		if err != nil {
			return domain.ModelDescriptor{}, fmt.Errorf("model %s@%s: invalid timeout %q: %w", e.ID, e.Version, e.Timeout, err)
		}
		timeout = d
	}
	return domain.ModelDescriptor{
		ID:          e.ID,
		Version:     e.Version,
		Description: e.Description,
		Input:       e.Input,
		Output:      e.Output,
		Timeout:     timeout,
	}, nil
}

// FromManifest builds a registry with one adapter per manifest entry.
func FromManifest(m *Manifest, defaultTimeout time.Duration, logger *logrus.Logger) (*Registry, error) {
	b := NewBuilder()
	for _, e := range m.Models {
		desc, err := e.Descriptor(defaultTimeout)
		if err != nil {
			return nil, err
		}

		var model domain.Model
		switch e.Kind {
		case KindHTTP:
			cfg := inference.HTTPModelConfig{
				Endpoint:  e.Endpoint,
				Timeout:   desc.Timeout,
				RateLimit: e.RateLimit,
			}
			if e.APIKeyEnv != "" {
				cfg.APIKey = os.Getenv(e.APIKeyEnv)
			}
			model, err = inference.NewHTTPModel(e.ID, e.Version, cfg, logger)
		case KindBuiltin:
			model, err = inference.NewBuiltin(e.Builtin, e.Output.Labels, e.Params)
		default:
			err = fmt.Errorf("unknown model kind %q", e.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", desc.Key(), err)
		}
		if err := b.Register(desc, model); err != nil {
			return nil, err
		}
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"model":   desc.Key(),
				"kind":    e.Kind,
				"timeout": desc.Timeout.String(),
			}).Info("Registered model")
		}
	}
	return b.Build(), nil
}

// LoadManifest reads a manifest file and builds the registry it describes.
func LoadManifest(path string, defaultTimeout time.Duration, logger *logrus.Logger) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	return FromManifest(m, defaultTimeout, logger)
}
