// Package domain contains the core entities of the imaging inference pipeline:
// the DICOM study hierarchy produced by the loader, the redacted clinical
// context produced by the normalizer, model-ready tensors, model descriptors
// and the case report handed back to the transport layer.
package domain

import (
	"fmt"
	"math"
	"strconv"
)

// Study is one imaging exam parsed from a single request's container.
type Study struct {
	StudyInstanceUID string    `json:"study_instance_uid"`
	Series           []*Series `json:"series"`
}

// Series is one acquisition series of a study.
type Series struct {
	SeriesInstanceUID string      `json:"series_instance_uid"`
	SeriesNumber      int         `json:"series_number"`
	Modality          string      `json:"modality"`
	Instances         []*Instance `json:"instances"`
}

// Instance is one image object. Metadata is keyed by DICOM keyword.
type Instance struct {
	SOPInstanceUID string              `json:"sop_instance_uid"`
	InstanceNumber int                 `json:"instance_number"`
	ArrivalIndex   int                 `json:"arrival_index"`
	TransferSyntax string              `json:"transfer_syntax"`
	Metadata       map[string]string   `json:"-"`
	Pixels         *PixelBuffer        `json:"-"`
	Normalized     *NormalizedMetadata `json:"-"`
}

// PixelBuffer holds decoded native pixel samples.
// Data is frame-major, then row-major, with samples interleaved per pixel.
type PixelBuffer struct {
	Rows            int     `json:"rows"`
	Columns         int     `json:"columns"`
	SamplesPerPixel int     `json:"samples_per_pixel"`
	Frames          int     `json:"frames"`
	BitsAllocated   int     `json:"bits_allocated"`
	Signed          bool    `json:"signed"`
	Photometric     string  `json:"photometric"`
	Data            []int32 `json:"-"`
}

// FrameSize is the number of samples in one frame
func (p *PixelBuffer) FrameSize() int {
	return p.Rows * p.Columns * p.SamplesPerPixel
}

// Frame returns the samples of frame i
func (p *PixelBuffer) Frame(i int) []int32 {
	size := p.FrameSize()
	return p.Data[i*size : (i+1)*size]
}

// Validate checks the buffer against its declared dimensions
func (p *PixelBuffer) Validate() error {
	if p.Rows <= 0 || p.Columns <= 0 {
		return fmt.Errorf("invalid dimensions %dx%d", p.Rows, p.Columns)
	}
	if p.SamplesPerPixel <= 0 || p.Frames <= 0 {
		return fmt.Errorf("invalid samples per pixel %d or frame count %d", p.SamplesPerPixel, p.Frames)
	}
	if want := p.FrameSize() * p.Frames; len(p.Data) != want {
		return fmt.Errorf("pixel buffer holds %d samples, declared dimensions require %d", len(p.Data), want)
	}
	return nil
}

// InstanceCount returns the number of instances across all series
func (s *Study) InstanceCount() int {
	n := 0
	for _, series := range s.Series {
		n += len(series.Instances)
	}
	return n
}

// Instances returns every instance in series order
func (s *Study) Instances() []*Instance {
	out := make([]*Instance, 0, s.InstanceCount())
	for _, series := range s.Series {
		out = append(out, series.Instances...)
	}
	return out
}

// Modalities returns the distinct series modalities in series order
func (s *Study) Modalities() []string {
	seen := make(map[string]bool)
	var out []string
	for _, series := range s.Series {
		if !seen[series.Modality] {
			seen[series.Modality] = true
			out = append(out, series.Modality)
		}
	}
	return out
}

// Scrub removes the given metadata keys from every instance.
func (s *Study) Scrub(keys []string) {
	for _, inst := range s.Instances() {
		for _, k := range keys {
			delete(inst.Metadata, k)
		}
	}
}

// AcquisitionParameters are acquisition values in consistent physical units.
// Zero means "not recorded" except for RescaleSlope, which defaults to 1.
type AcquisitionParameters struct {
	PixelSpacingMM            [2]float64 `json:"pixel_spacing_mm"`
	SliceThicknessMM          float64    `json:"slice_thickness_mm,omitempty"`
	RescaleSlope              float64    `json:"rescale_slope"`
	RescaleIntercept          float64    `json:"rescale_intercept"`
	KVP                       float64    `json:"kvp,omitempty"`
	MagneticFieldStrengthT    float64    `json:"magnetic_field_strength_t,omitempty"`
	WindowCenter              float64    `json:"window_center,omitempty"`
	WindowWidth               float64    `json:"window_width,omitempty"`
	PhotometricInterpretation string     `json:"photometric_interpretation,omitempty"`
}

// IdentityRemovedKey marks a keyword mapping rendered from NormalizedMetadata,
// whose PatientID is already a pseudonym. It is the DICOM PatientIdentityRemoved
// keyword; the loader never records it from uploaded files.
const IdentityRemovedKey = "PatientIdentityRemoved"

// NormalizedMetadata is the validated, redacted clinical context of one instance.
type NormalizedMetadata struct {
	PseudonymousID    string                `json:"pseudonymous_id"`
	StudyInstanceUID  string                `json:"study_instance_uid"`
	SeriesInstanceUID string                `json:"series_instance_uid"`
	SOPInstanceUID    string                `json:"sop_instance_uid"`
	Modality          string                `json:"modality"`
	BodyPart          string                `json:"body_part,omitempty"`
	PatientSex        string                `json:"patient_sex"`
	PatientAgeYears   int                   `json:"patient_age_years,omitempty"`
	StudyDate         string                `json:"study_date,omitempty"`
	Acquisition       AcquisitionParameters `json:"acquisition"`
}

// Metadata renders the normalized values back into a keyword mapping that
// normalizes to the same value.
func (n *NormalizedMetadata) Metadata() map[string]string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	a := n.Acquisition
	m := map[string]string{
		"PatientID":         n.PseudonymousID,
		IdentityRemovedKey:  "YES",
		"StudyInstanceUID":  n.StudyInstanceUID,
		"SeriesInstanceUID": n.SeriesInstanceUID,
		"SOPInstanceUID":    n.SOPInstanceUID,
		"Modality":          n.Modality,
		"PatientSex":        n.PatientSex,
		"RescaleSlope":      f(a.RescaleSlope),
		"RescaleIntercept":  f(a.RescaleIntercept),
	}
	if n.BodyPart != "" {
		m["BodyPartExamined"] = n.BodyPart
	}
	if n.PatientAgeYears > 0 {
		m["PatientAge"] = fmt.Sprintf("%03dY", n.PatientAgeYears)
	}
	if n.StudyDate != "" {
		m["StudyDate"] = n.StudyDate
	}
	if a.PixelSpacingMM[0] > 0 {
		m["PixelSpacing"] = f(a.PixelSpacingMM[0]) + `\` + f(a.PixelSpacingMM[1])
	}
	if a.SliceThicknessMM > 0 {
		m["SliceThickness"] = f(a.SliceThicknessMM)
	}
	if a.KVP > 0 {
		m["KVP"] = f(a.KVP)
	}
	if a.MagneticFieldStrengthT > 0 {
		m["MagneticFieldStrength"] = f(a.MagneticFieldStrengthT)
	}
	if a.WindowWidth > 0 {
		m["WindowCenter"] = f(a.WindowCenter)
		m["WindowWidth"] = f(a.WindowWidth)
	}
	if a.PhotometricInterpretation != "" {
		m["PhotometricInterpretation"] = a.PhotometricInterpretation
	}
	return m
}

// DType is a tensor element type
type DType string

const (
	DTypeFloat32 DType = "float32"
	DTypeUint8   DType = "uint8"
	DTypeInt16   DType = "int16"
)

// IsValid reports whether the dtype is supported
func (d DType) IsValid() bool {
	switch d {
	case DTypeFloat32, DTypeUint8, DTypeInt16:
		return true
	default:
		return false
	}
}

// Range returns the closed value range representable by the dtype
func (d DType) Range() (float64, float64) {
	switch d {
	case DTypeUint8:
		return 0, math.MaxUint8
	case DTypeInt16:
		return math.MinInt16, math.MaxInt16
	default:
		return -math.MaxFloat32, math.MaxFloat32
	}
}

// Size returns the encoded byte width of one element
func (d DType) Size() int {
	switch d {
	case DTypeUint8:
		return 1
	case DTypeInt16:
		return 2
	default:
		return 4
	}
}

// Window is an intensity window in modality units
type Window struct {
	Center float64 `json:"center" toml:"center"`
	Width  float64 `json:"width" toml:"width" validate:"gt=0"`
}

// Bounds returns the low and high clip values
func (w Window) Bounds() (float64, float64) {
	return w.Center - w.Width/2, w.Center + w.Width/2
}

// Tensor is a model-ready numeric array. Values hold the element values of the
// declared DType (integral for integer dtypes) in row-major order of Shape.
type Tensor struct {
	Shape           []int     `json:"shape"`
	DType           DType     `json:"dtype"`
	Windows         []Window  `json:"windows"`
	SourceSeries    string    `json:"source_series"`
	SourceInstances int       `json:"source_instances"`
	Values          []float32 `json:"-"`
}

// Elements returns the product of the shape
func (t *Tensor) Elements() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Satisfies checks the tensor against an input contract's shape and dtype.
func (t *Tensor) Satisfies(c InputContract) error {
	want := c.Shape()
	if len(want) != len(t.Shape) {
		return fmt.Errorf("tensor rank %d, contract requires %d", len(t.Shape), len(want))
	}
	for i := range want {
		if want[i] != t.Shape[i] {
			return fmt.Errorf("tensor shape %v, contract requires %v", t.Shape, want)
		}
	}
	if t.DType != c.DType {
		return fmt.Errorf("tensor dtype %s, contract requires %s", t.DType, c.DType)
	}
	if len(t.Values) != t.Elements() {
		return fmt.Errorf("tensor holds %d values for %d elements", len(t.Values), t.Elements())
	}
	lo, hi := t.DType.Range()
	for _, v := range t.Values {
		f := float64(v)
		if math.IsNaN(f) || f < lo || f > hi {
			return fmt.Errorf("tensor value %v outside %s range", v, t.DType)
		}
	}
	return nil
}
