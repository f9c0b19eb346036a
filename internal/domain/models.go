package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// InputContract is the fixed tensor layout a model version accepts.
type InputContract struct {
	Modalities   []string `json:"modalities" toml:"modalities" validate:"min=1,dive,required"`
	Channels     int      `json:"channels" toml:"channels" validate:"min=1,max=4"`
	Depth        int      `json:"depth" toml:"depth" validate:"min=0"`
	Height       int      `json:"height" toml:"height" validate:"min=1"`
	Width        int      `json:"width" toml:"width" validate:"min=1"`
	DType        DType    `json:"dtype" toml:"dtype" validate:"required,oneof=float32 uint8 int16"`
	Windows      []Window `json:"windows" toml:"windows" validate:"min=1,dive"`
	MinInstances int      `json:"min_instances" toml:"min_instances" validate:"min=0"`
}

// Shape returns [1, C, H, W] for 2D contracts and [1, C, D, H, W] for volumes.
func (c InputContract) Shape() []int {
	if c.Depth > 1 {
		return []int{1, c.Channels, c.Depth, c.Height, c.Width}
	}
	return []int{1, c.Channels, c.Height, c.Width}
}

// Accepts reports whether the modality is declared by the contract
func (c InputContract) Accepts(modality string) bool {
	for _, m := range c.Modalities {
		if strings.EqualFold(m, modality) {
			return true
		}
	}
	return false
}

// RequiredInstances is the minimum number of instances the selected series must hold
func (c InputContract) RequiredInstances() int {
	if c.MinInstances < 1 {
		return 1
	}
	return c.MinInstances
}

// Validate checks internal consistency beyond field-level rules
func (c InputContract) Validate() error {
	if len(c.Modalities) == 0 {
		return fmt.Errorf("input contract declares no modalities")
	}
	if c.Channels <= 0 || c.Height <= 0 || c.Width <= 0 || c.Depth < 0 {
		return fmt.Errorf("input contract has invalid dimensions")
	}
	if !c.DType.IsValid() {
		return fmt.Errorf("input contract dtype %q is not supported", c.DType)
	}
	if len(c.Windows) == 0 {
		return fmt.Errorf("input contract declares no windows")
	}
	if len(c.Windows) != 1 && len(c.Windows) != c.Channels {
		return fmt.Errorf("input contract declares %d windows for %d channels", len(c.Windows), c.Channels)
	}
	for _, w := range c.Windows {
		if w.Width <= 0 {
			return fmt.Errorf("window width must be positive")
		}
	}
	return nil
}

// OutputKind distinguishes categorical label outputs from continuous scores
type OutputKind string

const (
	OutputLabels     OutputKind = "labels"
	OutputContinuous OutputKind = "continuous"
)

// Calibration is a Platt scaling of the model-reported confidence:
// calibrated = sigmoid(Slope*logit(raw) + Intercept). A zero Slope leaves raw unchanged.
type Calibration struct {
	Slope     float64 `json:"slope" toml:"slope"`
	Intercept float64 `json:"intercept" toml:"intercept"`
}

// Apply returns the calibrated confidence
func (c Calibration) Apply(raw float64) float64 {
	if c.Slope == 0 {
		return raw
	}
	p := math.Min(math.Max(raw, 1e-6), 1-1e-6)
	logit := math.Log(p / (1 - p))
	return 1 / (1 + math.Exp(-(c.Slope*logit + c.Intercept)))
}

// OutputContract is the fixed meaning of a model version's output.
type OutputContract struct {
	Kind              OutputKind  `json:"kind" toml:"kind" validate:"required,oneof=labels continuous"`
	Labels            []string    `json:"labels" toml:"labels" validate:"min=1,dive,required"`
	PositiveLabels    []string    `json:"positive_labels" toml:"positive_labels"`
	DecisionThreshold float64     `json:"decision_threshold" toml:"decision_threshold" validate:"gte=0"`
	Calibration       Calibration `json:"calibration" toml:"calibration"`
}

// IsPositiveLabel reports whether label counts toward a positive finding.
// With no declared positive labels every label is positive.
func (o OutputContract) IsPositiveLabel(label string) bool {
	if len(o.PositiveLabels) == 0 {
		return true
	}
	for _, l := range o.PositiveLabels {
		if l == label {
			return true
		}
	}
	return false
}

// Validate checks internal consistency beyond field-level rules
func (o OutputContract) Validate() error {
	if o.Kind != OutputLabels && o.Kind != OutputContinuous {
		return fmt.Errorf("output kind %q is not supported", o.Kind)
	}
	if len(o.Labels) == 0 {
		return fmt.Errorf("output contract declares no labels")
	}
	known := make(map[string]bool, len(o.Labels))
	for _, l := range o.Labels {
		if known[l] {
			return fmt.Errorf("duplicate output label %q", l)
		}
		known[l] = true
	}
	for _, l := range o.PositiveLabels {
		if !known[l] {
			return fmt.Errorf("positive label %q is not a declared label", l)
		}
	}
	return nil
}

// ModelDescriptor identifies a registered model version and its contracts.
type ModelDescriptor struct {
	ID          string         `json:"id" toml:"id" validate:"required"`
	Version     string         `json:"version" toml:"version" validate:"required"`
	Description string         `json:"description,omitempty" toml:"description"`
	Input       InputContract  `json:"input" toml:"input"`
	Output      OutputContract `json:"output" toml:"output"`
	Timeout     time.Duration  `json:"timeout" toml:"-"`
}

// Key is the unique id@version identity
func (d ModelDescriptor) Key() string {
	return d.ID + "@" + d.Version
}

// Clone returns a deep copy so callers cannot mutate a registered contract
func (d ModelDescriptor) Clone() ModelDescriptor {
	c := d
	c.Input.Modalities = append([]string(nil), d.Input.Modalities...)
	c.Input.Windows = append([]Window(nil), d.Input.Windows...)
	c.Output.Labels = append([]string(nil), d.Output.Labels...)
	c.Output.PositiveLabels = append([]string(nil), d.Output.PositiveLabels...)
	return c
}

// Validate checks the descriptor before registration
func (d ModelDescriptor) Validate() error {
	if d.ID == "" || d.Version == "" {
		return fmt.Errorf("model id and version are required")
	}
	if strings.Contains(d.ID, "@") {
		return fmt.Errorf("model id %q must not contain '@'", d.ID)
	}
	if d.Timeout <= 0 {
		return fmt.Errorf("model %s: timeout must be positive", d.Key())
	}
	if err := d.Input.Validate(); err != nil {
		return fmt.Errorf("model %s: %w", d.Key(), err)
	}
	if err := d.Output.Validate(); err != nil {
		return fmt.Errorf("model %s: %w", d.Key(), err)
	}
	return nil
}

// ModelOutput is what a model returns for one tensor
type ModelOutput struct {
	Scores     map[string]float64 `json:"scores"`
	Confidence float64            `json:"confidence"`
}

// SlotStatus is the state of one dispatch slot
type SlotStatus string

const (
	SlotPending    SlotStatus = "Pending"
	SlotRunning    SlotStatus = "Running"
	SlotSucceeded  SlotStatus = "Succeeded"
	SlotTimedOut   SlotStatus = "TimedOut"
	SlotModelError SlotStatus = "ModelError"
)

// IsTerminal reports whether no further transition is possible
func (s SlotStatus) IsTerminal() bool {
	switch s {
	case SlotSucceeded, SlotTimedOut, SlotModelError:
		return true
	default:
		return false
	}
}

// LabelScore is one raw output score
type LabelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// SlotError is the provenance of a non-successful slot
type SlotError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// InferenceResult is one model's terminal outcome for one study.
type InferenceResult struct {
	ModelID              string       `json:"model_id"`
	ModelVersion         string       `json:"model_version"`
	Status               SlotStatus   `json:"status"`
	RawScores            []LabelScore `json:"raw_scores,omitempty"`
	RawConfidence        float64      `json:"raw_confidence,omitempty"`
	CalibratedConfidence float64      `json:"calibrated_confidence,omitempty"`
	Positive             bool         `json:"positive"`
	DecisionThreshold    float64      `json:"decision_threshold"`
	PositiveLabels       []string     `json:"positive_labels,omitempty"`
	StartedAt            time.Time    `json:"started_at"`
	CompletedAt          time.Time    `json:"completed_at"`
	DurationMS           int64        `json:"duration_ms"`
	Error                *SlotError   `json:"error,omitempty"`
}

// Finding is a positive label reported by a succeeded model
type Finding struct {
	ModelID      string  `json:"model_id"`
	ModelVersion string  `json:"model_version"`
	Label        string  `json:"label"`
	Score        float64 `json:"score"`
	Confidence   float64 `json:"confidence"`
}

// CaseReport aggregates every dispatched model's outcome for one study.
type CaseReport struct {
	ReportID          string            `json:"report_id"`
	RequestID         string            `json:"request_id,omitempty"`
	StudyInstanceUID  string            `json:"study_instance_uid"`
	PseudonymousID    string            `json:"pseudonymous_id"`
	Modalities        []string          `json:"modalities"`
	Results           []InferenceResult `json:"results"`
	Findings          []Finding         `json:"findings"`
	OverallFlag       bool              `json:"overall_flag"`
	Complete          bool              `json:"complete"`
	AggregationPolicy string            `json:"aggregation_policy"`
	GeneratedAt       time.Time         `json:"generated_at"`
}

// SucceededCount returns the number of results with status Succeeded
func (r *CaseReport) SucceededCount() int {
	n := 0
	for _, res := range r.Results {
		if res.Status == SlotSucceeded {
			n++
		}
	}
	return n
}
