package service

import (
	"math"
	"strconv"
	"strings"

	"github.com/vita-cdss/cdss-core/internal/domain"
)

// IdentifyingFields are removed from instance metadata once a study is normalized.
var IdentifyingFields = []string{
	"PatientName",
	"PatientID",
	"PatientBirthDate",
	"PatientAddress",
	"PatientTelephoneNumbers",
	"OtherPatientIDs",
	"OtherPatientNames",
	"PatientMotherBirthName",
	"ReferringPhysicianName",
	"PerformingPhysicianName",
	"OperatorsName",
	"InstitutionName",
	"InstitutionAddress",
	"StationName",
	"AccessionNumber",
	"MilitaryRank",
}

var commonRequiredFields = []string{
	"PatientID",
	"Modality",
	"StudyInstanceUID",
	"SeriesInstanceUID",
	"SOPInstanceUID",
}

// acquisitionRequirements lists per-modality acquisition fields that must be present.
var acquisitionRequirements = map[string][]string{
	"CT": {"PixelSpacing", "SliceThickness", "RescaleSlope", "RescaleIntercept"},
	"MR": {"PixelSpacing", "SliceThickness"},
	"CR": {"PixelSpacing"},
	"DX": {"PixelSpacing"},
	"MG": {"PixelSpacing"},
}

const (
	maxReportedAge = 90
	gaussPerTesla  = 10000
)

// Normalizer validates, redacts and unit-normalizes instance metadata.
// It is safe for concurrent use.
type Normalizer struct {
	pseudonyms *Pseudonymizer
}

// NewNormalizer creates a normalizer
func NewNormalizer(pseudonyms *Pseudonymizer) *Normalizer {
	return &Normalizer{pseudonyms: pseudonyms}
}

// Normalize turns a raw keyword mapping into redacted, normalized metadata.
func (n *Normalizer) Normalize(meta map[string]string) (*domain.NormalizedMetadata, error) {
	get := func(key string) string { return strings.TrimSpace(meta[key]) }

	for _, field := range commonRequiredFields {
		if get(field) == "" {
			return nil, domain.NewMissingFieldError(field)
		}
	}
	modality := strings.ToUpper(get("Modality"))

	acq := domain.AcquisitionParameters{RescaleSlope: 1}
	spacingRaw := get("PixelSpacing")
	if spacingRaw == "" {
		spacingRaw = get("ImagerPixelSpacing")
	}
	spacing, spacingOK := parseSpacing(spacingRaw)
	if spacingOK {
		acq.PixelSpacingMM = spacing
	}
	thickness, thicknessOK := parsePositive(get("SliceThickness"))
	if thicknessOK {
		acq.SliceThicknessMM = thickness
	}
	slope, slopeOK := parseFirst(get("RescaleSlope"))
	if slopeOK && slope != 0 {
		acq.RescaleSlope = slope
	} else {
		slopeOK = false
	}
	intercept, interceptOK := parseFirst(get("RescaleIntercept"))
	if interceptOK {
		acq.RescaleIntercept = intercept
	}

	present := map[string]bool{
		"PixelSpacing":     spacingOK,
		"SliceThickness":   thicknessOK,
		"RescaleSlope":     slopeOK,
		"RescaleIntercept": interceptOK,
	}
	for _, field := range acquisitionRequirements[modality] {
		if !present[field] {
			return nil, domain.NewMissingFieldError(field)
		}
	}

	if kvp, ok := parsePositive(get("KVP")); ok {
		acq.KVP = kvp
	}
	if field, ok := parsePositive(get("MagneticFieldStrength")); ok {
		if field > 100 {
			field /= gaussPerTesla
		}
		acq.MagneticFieldStrengthT = field
	}
	center, centerOK := parseFirst(get("WindowCenter"))
	width, widthOK := parseFirst(get("WindowWidth"))
	if centerOK && widthOK && width > 0 {
		acq.WindowCenter = center
		acq.WindowWidth = width
	}
	acq.PhotometricInterpretation = strings.ToUpper(get("PhotometricInterpretation"))

	pseudonym, err := n.pseudonymFor(get("PatientID"), get(domain.IdentityRemovedKey))
	if err != nil {
		return nil, err
	}

	return &domain.NormalizedMetadata{
		PseudonymousID:    pseudonym,
		StudyInstanceUID:  get("StudyInstanceUID"),
		SeriesInstanceUID: get("SeriesInstanceUID"),
		SOPInstanceUID:    get("SOPInstanceUID"),
		Modality:          modality,
		BodyPart:          strings.ToUpper(get("BodyPartExamined")),
		PatientSex:        normalizeSex(get("PatientSex")),
		PatientAgeYears:   normalizeAge(get("PatientAge")),
		StudyDate:         normalizeDate(get("StudyDate")),
		Acquisition:       acq,
	}, nil
}

// pseudonymFor keeps a PatientID only when the mapping was rendered from
// normalized metadata. Anything else is hashed.
func (n *Normalizer) pseudonymFor(patientID, identityRemoved string) (string, error) {
	if strings.EqualFold(identityRemoved, "YES") && IsPseudonym(patientID) {
		return patientID, nil
	}
	return n.pseudonyms.Pseudonym(patientID)
}

func parseFirst(raw string) (float64, bool) {
	if raw == "" {
		return 0, false
	}
	if i := strings.IndexByte(raw, '\\'); i >= 0 {
		raw = raw[:i]
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func parsePositive(raw string) (float64, bool) {
	v, ok := parseFirst(raw)
	if !ok || v <= 0 {
		return 0, false
	}
	return v, true
}

// parseSpacing reads "row\col" spacing in mm; a single value is isotropic.
func parseSpacing(raw string) ([2]float64, bool) {
	if raw == "" {
		return [2]float64{}, false
	}
	parts := strings.Split(raw, `\`)
	row, ok := parsePositive(parts[0])
	if !ok {
		return [2]float64{}, false
	}
	col := row
	if len(parts) > 1 {
		if col, ok = parsePositive(parts[1]); !ok {
			return [2]float64{}, false
		}
	}
	return [2]float64{row, col}, true
}

func normalizeSex(raw string) string {
	switch strings.ToUpper(raw) {
	case "M", "MALE":
		return "M"
	case "F", "FEMALE":
		return "F"
	case "O", "OTHER":
		return "O"
	default:
		return "U"
	}
}

// normalizeAge converts a DICOM age string (nnnD/W/M/Y) to whole years.
// Ages at or above 90 are reported as 90.
func normalizeAge(raw string) int {
	if raw == "" {
		return 0
	}
	unit := byte('Y')
	digits := raw
	if last := raw[len(raw)-1]; last < '0' || last > '9' {
		unit = last &^ 0x20
		digits = raw[:len(raw)-1]
	}
	n, err := strconv.Atoi(strings.TrimSpace(digits))
	if err != nil || n < 0 {
		return 0
	}
	var years int
	switch unit {
	case 'Y':
		years = n
	case 'M':
		years = n / 12
	case 'W':
		years = n / 52
	case 'D':
		years = n / 365
	default:
		return 0
	}
	if years >= maxReportedAge {
		return maxReportedAge
	}
	return years
}

// normalizeDate accepts YYYYMMDD and the legacy YYYY.MM.DD form.
func normalizeDate(raw string) string {
	d := strings.ReplaceAll(raw, ".", "")
	if len(d) != 8 {
		return ""
	}
	for i := 0; i < len(d); i++ {
		if d[i] < '0' || d[i] > '9' {
			return ""
		}
	}
	month, _ := strconv.Atoi(d[4:6])
	day, _ := strconv.Atoi(d[6:8])
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return ""
	}
	return d
}
