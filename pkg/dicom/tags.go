package dicom

import (
	"github.com/suyashkumar/dicom/pkg/tag"
)

// recordedTags are the attributes kept in instance metadata. Other elements
// are parsed for structure only.
var recordedTags = []tag.Tag{
	tag.MediaStorageSOPInstanceUID,
	tag.TransferSyntaxUID,
	tag.SOPClassUID,
	tag.SOPInstanceUID,
	tag.StudyDate,
	tag.AccessionNumber,
	tag.Modality,
	tag.Manufacturer,
	tag.InstitutionName,
	tag.InstitutionAddress,
	tag.ReferringPhysicianName,
	tag.StationName,
	tag.StudyDescription,
	tag.SeriesDescription,
	tag.PerformingPhysicianName,
	tag.OperatorsName,
	tag.PatientName,
	tag.PatientID,
	tag.PatientBirthDate,
	tag.PatientSex,
	tag.OtherPatientIDs,
	tag.OtherPatientNames,
	tag.PatientAge,
	tag.PatientAddress,
	tag.PatientMotherBirthName,
	tag.MilitaryRank,
	tag.PatientTelephoneNumbers,
	tag.BodyPartExamined,
	tag.SliceThickness,
	tag.KVP,
	tag.MagneticFieldStrength,
	tag.ImagerPixelSpacing,
	tag.StudyInstanceUID,
	tag.SeriesInstanceUID,
	tag.SeriesNumber,
	tag.InstanceNumber,
	tag.SamplesPerPixel,
	tag.PhotometricInterpretation,
	tag.PlanarConfiguration,
	tag.NumberOfFrames,
	tag.Rows,
	tag.Columns,
	tag.PixelSpacing,
	tag.BitsAllocated,
	tag.BitsStored,
	tag.HighBit,
	tag.PixelRepresentation,
	tag.WindowCenter,
	tag.WindowWidth,
	tag.RescaleIntercept,
	tag.RescaleSlope,
	tag.PixelData,
}

var (
	recorded    = make(map[tag.Tag]tag.Info, len(recordedTags))
	keywordTags = make(map[string]tag.Tag, len(recordedTags))
)

func init() {
	for _, t := range recordedTags {
		info := tag.MustFind(t)
		recorded[t] = info
		keywordTags[info.Name] = t
	}
}

// vrOf returns the dictionary VR for implicit syntaxes. Unknown tags are UN.
func vrOf(t tag.Tag) string {
	info, err := tag.Find(t)
	if err != nil || info.VR == "" {
		return "UN"
	}
	return info.VR
}

// Lookup returns the tag and VR of a recorded attribute keyword.
func Lookup(keyword string) (tag.Tag, string, bool) {
	t, ok := keywordTags[keyword]
	if !ok {
		return tag.Tag{}, "", false
	}
	return t, recorded[t].VR, true
}
