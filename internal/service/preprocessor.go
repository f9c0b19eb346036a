package service

import (
	"fmt"
	"math"

	"github.com/vita-cdss/cdss-core/internal/domain"
)

// plane is one slice of a series. Before windowing it holds a single
// modality-unit channel; afterwards one [0,1] channel per contract channel.
type plane struct {
	rows, cols int
	inverted   bool
	channels   [][]float64
}

type prepState struct {
	study    *domain.Study
	contract domain.InputContract
	series   *domain.Series
	planes   []plane
	windows  []domain.Window
	tensor   *domain.Tensor
}

type prepStep struct {
	name string
	run  func(*prepState) error
}

// Preprocessor converts a study into the tensor a model contract requires.
// Steps run in a fixed order; it holds no per-call state and is safe for
// concurrent use.
type Preprocessor struct {
	steps []prepStep
}

// NewPreprocessor creates the standard preprocessing pipeline
func NewPreprocessor() *Preprocessor {
	return &Preprocessor{
		steps: []prepStep{
			{name: "select_series", run: selectSeries},
			{name: "rescale", run: rescale},
			{name: "window", run: applyWindows},
			{name: "resample", run: resample},
			{name: "convert_dtype", run: convertDType},
		},
	}
}

// Steps returns the step names in execution order
func (p *Preprocessor) Steps() []string {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.name
	}
	return names
}

// Preprocess builds the tensor for one (study, contract) pair.
func (p *Preprocessor) Preprocess(study *domain.Study, contract domain.InputContract) (*domain.Tensor, error) {
	if study == nil {
		return nil, domain.NewError(domain.ErrCodeInsufficientData, "no study to preprocess")
	}
	if err := contract.Validate(); err != nil {
		return nil, domain.WrapError(domain.ErrCodeContractMismatch, "invalid input contract", err)
	}

	st := &prepState{study: study, contract: contract}
	for _, step := range p.steps {
		if err := step.run(st); err != nil {
			return nil, fmt.Errorf("preprocess step %s: %w", step.name, err)
		}
	}
	if err := st.tensor.Satisfies(contract); err != nil {
		return nil, domain.WrapError(domain.ErrCodeContractMismatch, "tensor does not satisfy contract", err)
	}
	return st.tensor, nil
}

// selectSeries picks the first series whose modality, instance count and
// frame count all satisfy the contract.
func selectSeries(st *prepState) error {
	matched := false
	var insufficient error
	for _, series := range st.study.Series {
		if !st.contract.Accepts(series.Modality) {
			continue
		}
		matched = true
		if err := sufficient(series, st.contract); err != nil {
			if insufficient == nil {
				insufficient = err
			}
			continue
		}
		st.series = series
		return nil
	}
	if !matched {
		return domain.WrapError(domain.ErrCodeContractMismatch, "no series matches the contract modalities",
			fmt.Errorf("study modalities %v, contract accepts %v", st.study.Modalities(), st.contract.Modalities))
	}
	return insufficient
}

func sufficient(series *domain.Series, c domain.InputContract) error {
	if len(series.Instances) < c.RequiredInstances() {
		return domain.WrapError(domain.ErrCodeInsufficientData, "matching series has too few instances",
			fmt.Errorf("series %s has %d, contract requires %d", series.SeriesInstanceUID, len(series.Instances), c.RequiredInstances()))
	}
	frames := 0
	for _, inst := range series.Instances {
		if inst.Pixels == nil {
			return domain.NewError(domain.ErrCodeInsufficientData, "instance has no decoded pixels")
		}
		frames += inst.Pixels.Frames
	}
	if frames < c.Depth {
		return domain.WrapError(domain.ErrCodeInsufficientData, "series has fewer slices than the contract depth",
			fmt.Errorf("series %s has %d, want %d", series.SeriesInstanceUID, frames, c.Depth))
	}
	return nil
}

// rescale maps stored values to modality units and collapses color to luminance.
func rescale(st *prepState) error {
	for _, inst := range st.series.Instances {
		slope, intercept := rescaleOf(inst)
		px := inst.Pixels
		for f := 0; f < px.Frames; f++ {
			frame := px.Frame(f)
			values := make([]float64, px.Rows*px.Columns)
			for i := range values {
				var v float64
				if px.SamplesPerPixel == 3 {
					s := frame[3*i : 3*i+3]
					v = 0.299*float64(s[0]) + 0.587*float64(s[1]) + 0.114*float64(s[2])
				} else {
					v = float64(frame[i])
				}
				values[i] = v*slope + intercept
			}
			st.planes = append(st.planes, plane{
				rows:     px.Rows,
				cols:     px.Columns,
				inverted: px.Photometric == "MONOCHROME1",
				channels: [][]float64{values},
			})
		}
	}
	return nil
}

func rescaleOf(inst *domain.Instance) (float64, float64) {
	if inst.Normalized != nil {
		return inst.Normalized.Acquisition.RescaleSlope, inst.Normalized.Acquisition.RescaleIntercept
	}
	slope, ok := parseFirst(inst.Metadata["RescaleSlope"])
	if !ok || slope == 0 {
		slope = 1
	}
	intercept, _ := parseFirst(inst.Metadata["RescaleIntercept"])
	return slope, intercept
}

func applyWindows(st *prepState) error {
	c := st.contract
	st.windows = make([]domain.Window, c.Channels)
	for i := range st.windows {
		if len(c.Windows) == 1 {
			st.windows[i] = c.Windows[0]
		} else {
			st.windows[i] = c.Windows[i]
		}
	}

	for p := range st.planes {
		src := st.planes[p].channels[0]
		out := make([][]float64, c.Channels)
		for ch, w := range st.windows {
			lo, hi := w.Bounds()
			values := make([]float64, len(src))
			for i, v := range src {
				n := (v - lo) / (hi - lo)
				n = math.Min(math.Max(n, 0), 1)
				if st.planes[p].inverted {
					n = 1 - n
				}
				values[i] = n
			}
			out[ch] = values
		}
		st.planes[p].channels = out
	}
	return nil
}

// resample picks Depth evenly spaced slices and resizes each to Height x Width.
func resample(st *prepState) error {
	c := st.contract
	depth := c.Depth
	if depth < 1 {
		depth = 1
	}
	picked := sampleIndices(len(st.planes), depth)

	resized := make([]plane, depth)
	for d, idx := range picked {
		src := st.planes[idx]
		channels := make([][]float64, len(src.channels))
		for ch, values := range src.channels {
			channels[ch] = bilinear(values, src.rows, src.cols, c.Height, c.Width)
		}
		resized[d] = plane{rows: c.Height, cols: c.Width, channels: channels}
	}
	st.planes = resized
	return nil
}

// sampleIndices returns n indices spread evenly over [0, total).
// A single index selects the middle slice.
func sampleIndices(total, n int) []int {
	out := make([]int, n)
	if n == 1 {
		out[0] = (total - 1) / 2
		return out
	}
	for i := range out {
		out[i] = int(math.Round(float64(i) * float64(total-1) / float64(n-1)))
	}
	return out
}

func bilinear(src []float64, rows, cols, height, width int) []float64 {
	out := make([]float64, height*width)
	scaleY := float64(rows) / float64(height)
	scaleX := float64(cols) / float64(width)
	for y := 0; y < height; y++ {
		sy := clampF((float64(y)+0.5)*scaleY-0.5, 0, float64(rows-1))
		y0 := int(sy)
		y1 := min(y0+1, rows-1)
		wy := sy - float64(y0)
		for x := 0; x < width; x++ {
			sx := clampF((float64(x)+0.5)*scaleX-0.5, 0, float64(cols-1))
			x0 := int(sx)
			x1 := min(x0+1, cols-1)
			wx := sx - float64(x0)

			top := src[y0*cols+x0]*(1-wx) + src[y0*cols+x1]*wx
			bottom := src[y1*cols+x0]*(1-wx) + src[y1*cols+x1]*wx
			out[y*width+x] = top*(1-wy) + bottom*wy
		}
	}
	return out
}

func clampF(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

// convertDType lays planes out as [1, C, (D,) H, W] in the contract dtype.
func convertDType(st *prepState) error {
	c := st.contract
	depth := len(st.planes)
	area := c.Height * c.Width
	values := make([]float32, c.Channels*depth*area)

	for d, p := range st.planes {
		for ch, chValues := range p.channels {
			base := (ch*depth + d) * area
			for i, v := range chValues {
				values[base+i] = quantize(v, c.DType)
			}
		}
	}

	st.tensor = &domain.Tensor{
		Shape:           c.Shape(),
		DType:           c.DType,
		Windows:         st.windows,
		SourceSeries:    st.series.SeriesInstanceUID,
		SourceInstances: len(st.series.Instances),
		Values:          values,
	}
	return nil
}

func quantize(v float64, dtype domain.DType) float32 {
	switch dtype {
	case domain.DTypeUint8:
		return float32(math.Round(v * math.MaxUint8))
	case domain.DTypeInt16:
		return float32(math.Round(v * math.MaxInt16))
	default:
		return float32(v)
	}
}
