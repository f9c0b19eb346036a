package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vita-cdss/cdss-core/internal/domain"
	"github.com/vita-cdss/cdss-core/pkg/inference"
)

type stubModel struct{}

func (stubModel) Infer(context.Context, *domain.Tensor) (*domain.ModelOutput, error) {
	return &domain.ModelOutput{}, nil
}

func descriptor(id, version string, modalities ...string) domain.ModelDescriptor {
	return domain.ModelDescriptor{
		ID:      id,
		Version: version,
		Input: domain.InputContract{
			Modalities: modalities,
			Channels:   1,
			Height:     8,
			Width:      8,
			DType:      domain.DTypeFloat32,
			Windows:    []domain.Window{{Center: 40, Width: 400}},
		},
		Output: domain.OutputContract{
			Kind:              domain.OutputLabels,
			Labels:            []string{"normal", "abnormal"},
			PositiveLabels:    []string{"abnormal"},
			DecisionThreshold: 0.5,
		},
		Timeout: time.Second,
	}
}

func TestBuilder_Register(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Register(descriptor("lung-ct", "1.0.0", "CT"), stubModel{}))

	err := b.Register(descriptor("lung-ct", "1.0.0", "CT"), stubModel{})
	assert.Error(t, err, "duplicate id@version")

	invalid := descriptor("bad", "1", "CT")
	invalid.Timeout = 0
	assert.Error(t, b.Register(invalid, stubModel{}))

	assert.Error(t, b.Register(descriptor("nil-model", "1", "CT"), nil))

	r := b.Build()
	assert.Equal(t, 1, r.Len())
	assert.Error(t, b.Register(descriptor("late", "1", "CT"), stubModel{}), "builder is frozen after Build")
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Lookup(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Register(descriptor("lung-ct", "1.0.0", "CT"), stubModel{}))
	require.NoError(t, b.Register(descriptor("chest-xr", "3.1.0", "CR", "DX"), stubModel{}))
	require.NoError(t, b.Register(descriptor("lung-ct", "1.1.0", "CT"), stubModel{}))
	r := b.Build()

	latest, err := r.Lookup("lung-ct")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", latest.Descriptor.Version)

	pinned, err := r.LookupVersion("lung-ct", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", pinned.Descriptor.Version)

	resolved, err := r.Resolve("lung-ct@1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", resolved.Descriptor.Version)

	_, err = r.Lookup("brain-mr")
	assert.True(t, errors.Is(err, domain.ErrModelNotFound))
	_, err = r.Resolve("lung-ct@9.9.9")
	assert.True(t, errors.Is(err, domain.ErrModelNotFound))

	assert.Len(t, r.Versions("lung-ct"), 2)
}

func TestRegistry_Applicable(t *testing.T) {
	b := NewBuilder()
	require.NoError(t, b.Register(descriptor("zeta", "1", "CT"), stubModel{}))
	require.NoError(t, b.Register(descriptor("alpha", "2", "CT", "MR"), stubModel{}))
	require.NoError(t, b.Register(descriptor("alpha", "1", "CT"), stubModel{}))
	require.NoError(t, b.Register(descriptor("xr", "1", "CR"), stubModel{}))
	r := b.Build()

	var keys []string
	for _, e := range r.Applicable("ct") {
		keys = append(keys, e.Descriptor.Key())
	}
	assert.Equal(t, []string{"alpha@1", "alpha@2", "zeta@1"}, keys)
	assert.Empty(t, r.Applicable("US"))
	assert.Len(t, r.All(), 4)
}

func TestRegistry_DescriptorsAreImmutable(t *testing.T) {
	b := NewBuilder()
	desc := descriptor("lung-ct", "1.0.0", "CT")
	require.NoError(t, b.Register(desc, stubModel{}))
	r := b.Build()

	// mutate both the caller's copy and a looked-up copy
	desc.Input.Modalities[0] = "MR"
	e, err := r.Lookup("lung-ct")
	require.NoError(t, err)
	e.Descriptor.Output.Labels[0] = "tampered"
	e.Descriptor.Input.Windows[0].Width = 1

	again, err := r.Lookup("lung-ct")
	require.NoError(t, err)
	assert.Equal(t, []string{"CT"}, again.Descriptor.Input.Modalities)
	assert.Equal(t, "normal", again.Descriptor.Output.Labels[0])
	assert.Equal(t, 400.0, again.Descriptor.Input.Windows[0].Width)
}

const manifestTOML = `
[[models]]
id = "lung-ct"
version = "1.0.0"
description = "Lung nodule detector"
kind = "builtin"
builtin = "mean-intensity"
timeout = "2s"

  [models.input]
  modalities = ["CT"]
  channels = 2
  height = 64
  width = 64
  depth = 4
  dtype = "float32"
  min_instances = 4
  windows = [ { center = -600.0, width = 1500.0 }, { center = 40.0, width = 400.0 } ]

  [models.output]
  kind = "labels"
  labels = ["normal", "nodule"]
  positive_labels = ["nodule"]
  decision_threshold = 0.6

[[models]]
id = "chest-xr"
version = "2.0.0"
kind = "http"
endpoint = "http://models.internal:9000/v1/infer"
rate_limit = 5.0

  [models.input]
  modalities = ["CR", "DX"]
  channels = 1
  height = 224
  width = 224
  dtype = "uint8"
  windows = [ { center = 2048.0, width = 4096.0 } ]

  [models.output]
  kind = "labels"
  labels = ["normal", "effusion"]
  positive_labels = ["effusion"]
  decision_threshold = 0.5

    [models.output.calibration]
    slope = 1.2
    intercept = -0.1
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(manifestTOML))
	require.NoError(t, err)
	require.Len(t, m.Models, 2)

	lung := m.Models[0]
	assert.Equal(t, "mean-intensity", lung.Builtin)
	assert.Equal(t, 4, lung.Input.Depth)
	assert.Equal(t, domain.DTypeFloat32, lung.Input.DType)
	assert.Equal(t, []domain.Window{{Center: -600, Width: 1500}, {Center: 40, Width: 400}}, lung.Input.Windows)

	xr := m.Models[1]
	assert.Equal(t, 1.2, xr.Output.Calibration.Slope)

	r, err := FromManifest(m, 5*time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	e, err := r.Lookup("lung-ct")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, e.Descriptor.Timeout)
	assert.IsType(t, &inference.MeanIntensityModel{}, e.Model)

	e, err = r.Lookup("chest-xr")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, e.Descriptor.Timeout, "default timeout applies")
	assert.IsType(t, &inference.HTTPModel{}, e.Model)
}

func TestParseManifest_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
	}{
		{"empty", ``},
		{"bad toml", `[[models]`},
		{"missing kind", `
[[models]]
id = "a"
version = "1"
[models.input]
modalities = ["CT"]
channels = 1
height = 1
width = 1
dtype = "float32"
windows = [ { center = 0.0, width = 1.0 } ]
[models.output]
kind = "labels"
labels = ["x"]
`},
		{"bad dtype", `
[[models]]
id = "a"
version = "1"
kind = "builtin"
builtin = "constant"
[models.input]
modalities = ["CT"]
channels = 1
height = 1
width = 1
dtype = "float64"
windows = [ { center = 0.0, width = 1.0 } ]
[models.output]
kind = "labels"
labels = ["x"]
`},
		{"zero window width", `
[[models]]
id = "a"
version = "1"
kind = "builtin"
builtin = "constant"
[models.input]
modalities = ["CT"]
channels = 1
height = 1
width = 1
dtype = "float32"
windows = [ { center = 0.0, width = 0.0 } ]
[models.output]
kind = "labels"
labels = ["x"]
`},
		{"http without endpoint", `
[[models]]
id = "a"
version = "1"
kind = "http"
[models.input]
modalities = ["CT"]
channels = 1
height = 1
width = 1
dtype = "float32"
windows = [ { center = 0.0, width = 1.0 } ]
[models.output]
kind = "labels"
labels = ["x"]
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.manifest))
			assert.Error(t, err)
		})
	}
}

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.toml")
	require.NoError(t, os.WriteFile(path, []byte(manifestTOML), 0o600))

	r, err := LoadManifest(path, time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	_, err = LoadManifest(filepath.Join(t.TempDir(), "missing.toml"), time.Second, nil)
	assert.Error(t, err)
}
