package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vita-cdss/cdss-core/internal/domain"
)

func ctMetadata() map[string]string {
	return map[string]string{
		"PatientID":                 "MRN-001",
		"PatientName":               "Doe^Jane",
		"PatientBirthDate":          "19700101",
		"PatientSex":                "F",
		"PatientAge":                "054Y",
		"Modality":                  "CT",
		"StudyInstanceUID":          "1.2.3",
		"SeriesInstanceUID":         "1.2.3.1",
		"SOPInstanceUID":            "1.2.3.1.1",
		"StudyDate":                 "20240115",
		"BodyPartExamined":          "chest",
		"PixelSpacing":              `0.7\0.8`,
		"SliceThickness":            "1.25",
		"RescaleSlope":              "1",
		"RescaleIntercept":          "-1024",
		"KVP":                       "120",
		"WindowCenter":              `40\-600`,
		"WindowWidth":               `400\1500`,
		"PhotometricInterpretation": "MONOCHROME2",
	}
}

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	return NewNormalizer(newTestPseudonymizer(t))
}

func TestNormalizer_CT(t *testing.T) {
	n := newTestNormalizer(t)

	got, err := n.Normalize(ctMetadata())
	require.NoError(t, err)

	assert.True(t, IsPseudonym(got.PseudonymousID))
	assert.Equal(t, "CT", got.Modality)
	assert.Equal(t, "CHEST", got.BodyPart)
	assert.Equal(t, "F", got.PatientSex)
	assert.Equal(t, 54, got.PatientAgeYears)
	assert.Equal(t, "20240115", got.StudyDate)
	assert.Equal(t, [2]float64{0.7, 0.8}, got.Acquisition.PixelSpacingMM)
	assert.Equal(t, 1.25, got.Acquisition.SliceThicknessMM)
	assert.Equal(t, 1.0, got.Acquisition.RescaleSlope)
	assert.Equal(t, -1024.0, got.Acquisition.RescaleIntercept)
	assert.Equal(t, 40.0, got.Acquisition.WindowCenter)
	assert.Equal(t, 400.0, got.Acquisition.WindowWidth)
}

func TestNormalizer_NoIdentifiersSurvive(t *testing.T) {
	n := newTestNormalizer(t)
	got, err := n.Normalize(ctMetadata())
	require.NoError(t, err)

	rendered := got.Metadata()
	for _, field := range IdentifyingFields {
		if field == "PatientID" {
			continue
		}
		assert.NotContains(t, rendered, field)
	}
	for _, v := range rendered {
		assert.NotContains(t, v, "MRN-001")
		assert.NotContains(t, v, "Doe^Jane")
		assert.NotContains(t, v, "19700101")
	}
}

func TestNormalizer_Idempotent(t *testing.T) {
	inputs := map[string]map[string]string{
		"ct": ctMetadata(),
		"mr": {
			"PatientID":             "MRN-002",
			"Modality":              "MR",
			"StudyInstanceUID":      "1.9",
			"SeriesInstanceUID":     "1.9.1",
			"SOPInstanceUID":        "1.9.1.1",
			"PixelSpacing":          "0.9",
			"SliceThickness":        "3",
			"MagneticFieldStrength": "15000",
			"PatientAge":            "1200M",
		},
		"cr": {
			"PatientID":          "MRN-003",
			"Modality":           "CR",
			"StudyInstanceUID":   "1.8",
			"SeriesInstanceUID":  "1.8.1",
			"SOPInstanceUID":     "1.8.1.1",
			"ImagerPixelSpacing": `0.143\0.143`,
			"PatientSex":         "female",
			"StudyDate":          "2023.02.28",
		},
	}

	for name, meta := range inputs {
		t.Run(name, func(t *testing.T) {
			n := newTestNormalizer(t)
			once, err := n.Normalize(meta)
			require.NoError(t, err)
			twice, err := n.Normalize(once.Metadata())
			require.NoError(t, err)
			assert.Equal(t, once, twice)
		})
	}
}

func TestNormalizer_PseudonymShapedPatientID(t *testing.T) {
	shaped := "anon-0123456789abcdef0123456789abcdef"

	tests := []struct {
		name     string
		marker   string
		wantKept bool
	}{
		{"raw upload", "", false},
		{"marker not set", "NO", false},
		{"rendered from normalized metadata", "YES", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := ctMetadata()
			meta["PatientID"] = shaped
			if tt.marker != "" {
				meta[domain.IdentityRemovedKey] = tt.marker
			}

			got, err := newTestNormalizer(t).Normalize(meta)
			require.NoError(t, err)
			assert.True(t, IsPseudonym(got.PseudonymousID))
			if tt.wantKept {
				assert.Equal(t, shaped, got.PseudonymousID)
			} else {
				assert.NotEqual(t, shaped, got.PseudonymousID)
			}
		})
	}
}

func TestNormalizer_UnitConversions(t *testing.T) {
	n := newTestNormalizer(t)
	meta := map[string]string{
		"PatientID":             "MRN-002",
		"Modality":              "mr",
		"StudyInstanceUID":      "1.9",
		"SeriesInstanceUID":     "1.9.1",
		"SOPInstanceUID":        "1.9.1.1",
		"PixelSpacing":          "0.9",
		"SliceThickness":        "3",
		"MagneticFieldStrength": "30000",
		"PatientAge":            "095Y",
		"PatientSex":            "x",
	}

	got, err := n.Normalize(meta)
	require.NoError(t, err)
	assert.Equal(t, "MR", got.Modality)
	assert.Equal(t, 3.0, got.Acquisition.MagneticFieldStrengthT)
	assert.Equal(t, [2]float64{0.9, 0.9}, got.Acquisition.PixelSpacingMM)
	assert.Equal(t, 90, got.PatientAgeYears)
	assert.Equal(t, "U", got.PatientSex)
}

func TestNormalizer_MissingRequiredField(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]string)
		field  string
	}{
		{"patient id", func(m map[string]string) { delete(m, "PatientID") }, "PatientID"},
		{"blank modality", func(m map[string]string) { m["Modality"] = "  " }, "Modality"},
		{"study uid", func(m map[string]string) { delete(m, "StudyInstanceUID") }, "StudyInstanceUID"},
		{"ct spacing", func(m map[string]string) { delete(m, "PixelSpacing") }, "PixelSpacing"},
		{"ct unparseable spacing", func(m map[string]string) { m["PixelSpacing"] = "abc" }, "PixelSpacing"},
		{"ct slice thickness", func(m map[string]string) { m["SliceThickness"] = "0" }, "SliceThickness"},
		{"ct rescale intercept", func(m map[string]string) { delete(m, "RescaleIntercept") }, "RescaleIntercept"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := ctMetadata()
			tt.mutate(meta)

			_, err := newTestNormalizer(t).Normalize(meta)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrMissingRequiredField))

			var cdssErr *domain.CDSSError
			require.True(t, errors.As(err, &cdssErr))
			assert.Equal(t, tt.field, cdssErr.Field)
		})
	}
}

func TestNormalizer_OtherModalityNeedsOnlyCommonFields(t *testing.T) {
	meta := map[string]string{
		"PatientID":         "MRN-004",
		"Modality":          "US",
		"StudyInstanceUID":  "1.7",
		"SeriesInstanceUID": "1.7.1",
		"SOPInstanceUID":    "1.7.1.1",
	}
	got, err := newTestNormalizer(t).Normalize(meta)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Acquisition.RescaleSlope)
	assert.Equal(t, 0, got.PatientAgeYears)
}

func TestNormalizeAge(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"054Y", 54},
		{"054y", 54},
		{"018M", 1},
		{"104W", 2},
		{"400D", 1},
		{"089Y", 89},
		{"090Y", 90},
		{"120Y", 90},
		{"42", 42},
		{"", 0},
		{"abcY", 0},
		{"010Q", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeAge(tt.raw), tt.raw)
	}
}

func TestNormalizeDate(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"20240115", "20240115"},
		{"2024.01.15", "20240115"},
		{"20241315", ""},
		{"2024-01-15", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeDate(tt.raw), tt.raw)
	}
}
