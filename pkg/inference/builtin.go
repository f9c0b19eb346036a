package inference

import (
	"context"
	"fmt"
	"math"

	"github.com/vita-cdss/cdss-core/internal/domain"
)

// Built-in reference model names
const (
	BuiltinMeanIntensity = "mean-intensity"
	BuiltinConstant      = "constant"
)

// BuiltinParams configures a built-in model
type BuiltinParams struct {
	Scores     map[string]float64 `toml:"scores"`
	Confidence float64            `toml:"confidence"`
}

// NewBuiltin creates a built-in reference model by name.
func NewBuiltin(name string, labels []string, params BuiltinParams) (domain.Model, error) {
	if len(labels) == 0 {
		return nil, fmt.Errorf("builtin model %s requires at least one label", name)
	}
	switch name {
	case BuiltinMeanIntensity:
		return &MeanIntensityModel{labels: append([]string(nil), labels...)}, nil
	case BuiltinConstant:
		for label := range params.Scores {
			if !contains(labels, label) {
				return nil, fmt.Errorf("builtin model %s: score for undeclared label %q", name, label)
			}
		}
		scores := make(map[string]float64, len(labels))
		for _, l := range labels {
			scores[l] = params.Scores[l]
		}
		return &ConstantModel{Output: domain.ModelOutput{Scores: scores, Confidence: params.Confidence}}, nil
	default:
		return nil, fmt.Errorf("unknown builtin model %q", name)
	}
}

// MeanIntensityModel scores the last declared label with the tensor's mean
// intensity in [0,1] and shares the remainder among the other labels.
type MeanIntensityModel struct {
	labels []string
}

// Infer implements domain.Model
func (m *MeanIntensityModel) Infer(ctx context.Context, tensor *domain.Tensor) (*domain.ModelOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(tensor.Values) == 0 {
		return nil, fmt.Errorf("empty tensor")
	}

	var scale float64 = 1
	switch tensor.DType {
	case domain.DTypeUint8:
		scale = math.MaxUint8
	case domain.DTypeInt16:
		scale = math.MaxInt16
	}
	var sum float64
	for _, v := range tensor.Values {
		sum += float64(v) / scale
	}
	mean := math.Min(math.Max(sum/float64(len(tensor.Values)), 0), 1)

	scores := make(map[string]float64, len(m.labels))
	last := len(m.labels) - 1
	scores[m.labels[last]] = mean
	for _, l := range m.labels[:last] {
		scores[l] = (1 - mean) / float64(last)
	}
	return &domain.ModelOutput{
		Scores:     scores,
		Confidence: 0.5 + math.Abs(mean-0.5),
	}, nil
}

// Ping implements domain.Pinger
func (m *MeanIntensityModel) Ping(context.Context) error {
	return nil
}

// ConstantModel always returns the same output.
type ConstantModel struct {
	Output domain.ModelOutput
}

// Infer implements domain.Model
func (m *ConstantModel) Infer(ctx context.Context, _ *domain.Tensor) (*domain.ModelOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scores := make(map[string]float64, len(m.Output.Scores))
	for k, v := range m.Output.Scores {
		scores[k] = v
	}
	return &domain.ModelOutput{Scores: scores, Confidence: m.Output.Confidence}, nil
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
