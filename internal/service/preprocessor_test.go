package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vita-cdss/cdss-core/internal/domain"
	"github.com/vita-cdss/cdss-core/internal/registry"
)

func slice(number, rows, cols int, photometric string, values ...int32) *domain.Instance {
	return &domain.Instance{
		SOPInstanceUID: fmt.Sprintf("1.2.3.1.%d", number),
		InstanceNumber: number,
		Metadata: map[string]string{
			"RescaleSlope":     "1",
			"RescaleIntercept": "0",
		},
		Pixels: &domain.PixelBuffer{
			Rows:            rows,
			Columns:         cols,
			SamplesPerPixel: 1,
			Frames:          1,
			BitsAllocated:   16,
			Signed:          true,
			Photometric:     photometric,
			Data:            values,
		},
	}
}

func studyOf(modality string, instances ...*domain.Instance) *domain.Study {
	return &domain.Study{
		StudyInstanceUID: "1.2.3",
		Series: []*domain.Series{{
			SeriesInstanceUID: "1.2.3.1",
			SeriesNumber:      1,
			Modality:          modality,
			Instances:         instances,
		}},
	}
}

// graded returns n 1x1 slices whose values are 0, 100, 200, ...
func graded(n int) []*domain.Instance {
	out := make([]*domain.Instance, n)
	for i := range out {
		out[i] = slice(i+1, 1, 1, "MONOCHROME2", int32(i*100))
	}
	return out
}

func contract(modality string, channels, depth, height, width int, dtype domain.DType, windows ...domain.Window) domain.InputContract {
	return domain.InputContract{
		Modalities: []string{modality},
		Channels:   channels,
		Depth:      depth,
		Height:     height,
		Width:      width,
		DType:      dtype,
		Windows:    windows,
	}
}

func TestPreprocessor_Steps(t *testing.T) {
	assert.Equal(t, []string{"select_series", "rescale", "window", "resample", "convert_dtype"}, NewPreprocessor().Steps())
}

func TestPreprocessor_ShapeAndDType(t *testing.T) {
	ctWindow := domain.Window{Center: 40, Width: 400}
	lungWindow := domain.Window{Center: -600, Width: 1500}
	tests := []struct {
		name     string
		contract domain.InputContract
		shape    []int
	}{
		{"2d float32", contract("CT", 1, 0, 8, 8, domain.DTypeFloat32, ctWindow), []int{1, 1, 8, 8}},
		{"2d uint8 two windows", contract("CT", 2, 0, 16, 12, domain.DTypeUint8, ctWindow, lungWindow), []int{1, 2, 16, 12}},
		{"3 channels from one window", contract("CT", 3, 1, 4, 4, domain.DTypeInt16, ctWindow), []int{1, 3, 4, 4}},
		{"volume int16", contract("CT", 1, 4, 6, 6, domain.DTypeInt16, ctWindow), []int{1, 1, 4, 6, 6}},
	}

	instances := make([]*domain.Instance, 5)
	for i := range instances {
		instances[i] = slice(i+1, 4, 4, "MONOCHROME2",
			0, 100, 200, 300, 400, 500, 600, 700, 800, 900, 1000, 1100, 1200, 1300, 1400, 1500)
	}
	study := studyOf("CT", instances...)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tensor, err := NewPreprocessor().Preprocess(study, tt.contract)
			require.NoError(t, err)
			assert.Equal(t, tt.shape, tensor.Shape)
			assert.Equal(t, tt.contract.DType, tensor.DType)
			assert.Len(t, tensor.Windows, tt.contract.Channels)
			assert.Equal(t, "1.2.3.1", tensor.SourceSeries)
			assert.Equal(t, 5, tensor.SourceInstances)
			assert.NoError(t, tensor.Satisfies(tt.contract))
		})
	}
}

func TestPreprocessor_Window(t *testing.T) {
	window := domain.Window{Center: 0, Width: 2048}
	tests := []struct {
		name        string
		photometric string
		dtype       domain.DType
		want        []float32
	}{
		{"float32", "MONOCHROME2", domain.DTypeFloat32, []float32{0, 1, 0.5}},
		{"uint8", "MONOCHROME2", domain.DTypeUint8, []float32{0, 255, 128}},
		{"int16", "MONOCHROME2", domain.DTypeInt16, []float32{0, 32767, 16384}},
		{"inverted", "MONOCHROME1", domain.DTypeFloat32, []float32{1, 0, 0.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// raw 0 / 2048 / 1024 rescale to -1024 / 1024 / 0
			inst := slice(1, 1, 3, tt.photometric, 0, 2048, 1024)
			inst.Metadata["RescaleIntercept"] = "-1024"

			tensor, err := NewPreprocessor().Preprocess(studyOf("CT", inst), contract("CT", 1, 0, 1, 3, tt.dtype, window))
			require.NoError(t, err)
			assert.Equal(t, tt.want, tensor.Values)
		})
	}
}

func TestPreprocessor_ClipsOutsideWindow(t *testing.T) {
	inst := slice(1, 1, 2, "MONOCHROME2", -5000, 5000)
	tensor, err := NewPreprocessor().Preprocess(studyOf("CT", inst),
		contract("CT", 1, 0, 1, 2, domain.DTypeFloat32, domain.Window{Center: 40, Width: 400}))
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, tensor.Values)
}

func TestPreprocessor_NormalizedRescaleWins(t *testing.T) {
	inst := slice(1, 1, 1, "MONOCHROME2", 10)
	inst.Normalized = &domain.NormalizedMetadata{
		Acquisition: domain.AcquisitionParameters{RescaleSlope: 2, RescaleIntercept: 30},
	}
	delete(inst.Metadata, "RescaleSlope")

	tensor, err := NewPreprocessor().Preprocess(studyOf("CT", inst),
		contract("CT", 1, 0, 1, 1, domain.DTypeFloat32, domain.Window{Center: 50, Width: 100}))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, tensor.Values[0], 1e-6)
}

func TestPreprocessor_DepthSampling(t *testing.T) {
	// five slices window to 0, 0.2, 0.4, 0.6, 0.8
	window := domain.Window{Center: 250, Width: 500}
	tests := []struct {
		name  string
		depth int
		want  []float32
	}{
		{"three of five", 3, []float32{0, 0.4, 0.8}},
		{"all five", 5, []float32{0, 0.2, 0.4, 0.6, 0.8}},
		{"single slice picks the middle", 0, []float32{0.4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tensor, err := NewPreprocessor().Preprocess(studyOf("CT", graded(5)...),
				contract("CT", 1, tt.depth, 1, 1, domain.DTypeFloat32, window))
			require.NoError(t, err)
			require.Len(t, tensor.Values, len(tt.want))
			for i := range tt.want {
				assert.InDelta(t, tt.want[i], tensor.Values[i], 1e-6, "slice %d", i)
			}
		})
	}
}

func TestPreprocessor_ChannelMajorLayout(t *testing.T) {
	instances := []*domain.Instance{
		slice(1, 1, 1, "MONOCHROME2", 50),
		slice(2, 1, 1, "MONOCHROME2", 100),
	}
	c := contract("CT", 2, 2, 1, 1, domain.DTypeFloat32,
		domain.Window{Center: 50, Width: 100},
		domain.Window{Center: 100, Width: 200},
	)

	tensor, err := NewPreprocessor().Preprocess(studyOf("CT", instances...), c)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2, 1, 1}, tensor.Shape)
	assert.Equal(t, []float32{0.5, 1, 0.25, 0.5}, tensor.Values)
}

func TestPreprocessor_MultiFrameCountsTowardDepth(t *testing.T) {
	inst := slice(1, 1, 1, "MONOCHROME2", 0, 100, 200)
	inst.Pixels.Frames = 3

	tensor, err := NewPreprocessor().Preprocess(studyOf("MR", inst),
		contract("MR", 1, 3, 1, 1, domain.DTypeFloat32, domain.Window{Center: 100, Width: 200}))
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0.5, 1}, tensor.Values)
}

func TestPreprocessor_Resize(t *testing.T) {
	inst := slice(1, 2, 2, "MONOCHROME2", 0, 100, 200, 300)
	tensor, err := NewPreprocessor().Preprocess(studyOf("CT", inst),
		contract("CT", 1, 0, 4, 4, domain.DTypeFloat32, domain.Window{Center: 150, Width: 300}))
	require.NoError(t, err)
	require.Len(t, tensor.Values, 16)
	assert.InDelta(t, 0, tensor.Values[0], 1e-6)
	assert.InDelta(t, 1.0/3, tensor.Values[3], 1e-6)
	assert.InDelta(t, 2.0/3, tensor.Values[12], 1e-6)
	assert.InDelta(t, 1, tensor.Values[15], 1e-6)
	for _, v := range tensor.Values {
		assert.True(t, v >= 0 && v <= 1)
	}
}

func TestPreprocessor_SelectsFirstSufficientSeries(t *testing.T) {
	study := &domain.Study{
		StudyInstanceUID: "1.2.3",
		Series: []*domain.Series{
			{SeriesInstanceUID: "scout", Modality: "CT", Instances: graded(1)},
			{SeriesInstanceUID: "axial", Modality: "CT", Instances: graded(4)},
		},
	}
	c := contract("CT", 1, 4, 1, 1, domain.DTypeFloat32, domain.Window{Center: 0, Width: 10})
	c.MinInstances = 2

	tensor, err := NewPreprocessor().Preprocess(study, c)
	require.NoError(t, err)
	assert.Equal(t, "axial", tensor.SourceSeries)
}

func TestPreprocessor_SkipsSeriesShortOfDepth(t *testing.T) {
	tests := []struct {
		name   string
		series []*domain.Series
		want   string
	}{
		{
			name: "enough instances but too few slices",
			series: []*domain.Series{
				{SeriesInstanceUID: "localizer", Modality: "CT", Instances: graded(3)},
				{SeriesInstanceUID: "axial", Modality: "CT", Instances: graded(8)},
			},
			want: "axial",
		},
		{
			name: "series without pixels",
			series: []*domain.Series{
				{SeriesInstanceUID: "report", Modality: "CT", Instances: []*domain.Instance{{SOPInstanceUID: "1"}, {SOPInstanceUID: "2"}, {SOPInstanceUID: "3"}, {SOPInstanceUID: "4"}}},
				{SeriesInstanceUID: "axial", Modality: "CT", Instances: graded(4)},
			},
			want: "axial",
		},
		{
			name: "multi-frame series",
			series: []*domain.Series{
				{SeriesInstanceUID: "scout", Modality: "CT", Instances: graded(2)},
				{SeriesInstanceUID: "enhanced", Modality: "CT", Instances: func() []*domain.Instance {
					inst := slice(1, 1, 1, "MONOCHROME2", 0, 1, 2, 3)
					inst.Pixels.Frames = 4
					return []*domain.Instance{inst}
				}()},
			},
			want: "enhanced",
		},
	}

	c := contract("CT", 1, 4, 1, 1, domain.DTypeFloat32, domain.Window{Center: 0, Width: 10})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			study := &domain.Study{StudyInstanceUID: "1.2.3", Series: tt.series}
			tensor, err := NewPreprocessor().Preprocess(study, c)
			require.NoError(t, err)
			assert.Equal(t, tt.want, tensor.SourceSeries)
		})
	}
}

// TestPreprocessor_ShippedManifestContracts runs every input contract in the
// deployed manifest through the pipeline.
func TestPreprocessor_ShippedManifestContracts(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "config", "models.toml"))
	require.NoError(t, err)
	manifest, err := registry.ParseManifest(data)
	require.NoError(t, err)
	require.NotEmpty(t, manifest.Models)

	for _, e := range manifest.Models {
		t.Run(e.ID, func(t *testing.T) {
			in := e.Input
			require.NoError(t, in.Validate())

			n := in.RequiredInstances()
			if in.Depth > n {
				n = in.Depth
			}
			for _, modality := range in.Modalities {
				instances := make([]*domain.Instance, n)
				for i := range instances {
					values := make([]int32, 6*5)
					for j := range values {
						values[j] = int32((i*len(values) + j) * 37 % 4096)
					}
					instances[i] = slice(i+1, 6, 5, "MONOCHROME2", values...)
				}

				tensor, err := NewPreprocessor().Preprocess(studyOf(modality, instances...), in)
				require.NoError(t, err, modality)
				assert.NoError(t, tensor.Satisfies(in), modality)
				assert.Equal(t, in.Shape(), tensor.Shape, modality)
				assert.Equal(t, in.DType, tensor.DType, modality)
			}
		})
	}
}

func TestPreprocessor_Errors(t *testing.T) {
	window := domain.Window{Center: 40, Width: 400}
	tests := []struct {
		name     string
		study    *domain.Study
		contract domain.InputContract
		want     error
	}{
		{"modality mismatch", studyOf("CT", graded(3)...), contract("MR", 1, 0, 1, 1, domain.DTypeFloat32, window), domain.ErrContractMismatch},
		{"invalid contract", studyOf("CT", graded(3)...), contract("CT", 2, 0, 1, 1, domain.DTypeFloat32, window, window, window), domain.ErrContractMismatch},
		{"too few instances", studyOf("CT", graded(3)...), func() domain.InputContract {
			c := contract("CT", 1, 0, 1, 1, domain.DTypeFloat32, window)
			c.MinInstances = 10
			return c
		}(), domain.ErrInsufficientData},
		{"depth exceeds slices", studyOf("CT", graded(3)...), contract("CT", 1, 8, 1, 1, domain.DTypeFloat32, window), domain.ErrInsufficientData},
		{"no pixels", studyOf("CT", &domain.Instance{SOPInstanceUID: "1"}), contract("CT", 1, 0, 1, 1, domain.DTypeFloat32, window), domain.ErrInsufficientData},
		{"nil study", nil, contract("CT", 1, 0, 1, 1, domain.DTypeFloat32, window), domain.ErrInsufficientData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPreprocessor().Preprocess(tt.study, tt.contract)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}
