// Package dicomtest encodes synthetic DICOM Part 10 files and ZIP containers
// for tests across the module.
package dicomtest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/vita-cdss/cdss-core/pkg/dicom"
)

type rawElement struct {
	group, element uint16
	vr             string
	value          []byte
	sequence       bool
}

// Instance is a mutable description of one DICOM file.
type Instance struct {
	attrs    map[string]string
	samples  []int32
	bits     int
	raw      []rawElement
	preamble bool
}

// NewInstance creates an instance carrying only the identifying UIDs and a 2x2 8-bit image.
func NewInstance(modality, studyUID, seriesUID, sopUID string) *Instance {
	i := &Instance{
		attrs: map[string]string{
			"SOPClassUID":       "1.2.840.10008.5.1.4.1.1.2",
			"SOPInstanceUID":    sopUID,
			"StudyInstanceUID":  studyUID,
			"SeriesInstanceUID": seriesUID,
			"Modality":          modality,
		},
		preamble: true,
	}
	return i.WithPixels(2, 2, 1, 1, 8, []int32{0, 64, 128, 255})
}

// NewCT creates a CT slice with every field the normalizer requires.
func NewCT(patientID, studyUID, seriesUID, sopUID string, instanceNumber int) *Instance {
	return NewInstance("CT", studyUID, seriesUID, sopUID).
		With("PatientID", patientID).
		With("PatientName", "Doe^Jane").
		With("PatientBirthDate", "19700101").
		With("PatientSex", "F").
		With("PatientAge", "054Y").
		With("InstitutionName", "General Hospital").
		With("AccessionNumber", "ACC-1").
		With("StudyDate", "20240115").
		With("SeriesNumber", "1").
		With("InstanceNumber", strconv.Itoa(instanceNumber)).
		With("PixelSpacing", `0.7\0.7`).
		With("SliceThickness", "1.25").
		With("KVP", "120").
		With("RescaleSlope", "1").
		With("RescaleIntercept", "-1024").
		With("BodyPartExamined", "CHEST")
}

// NewMR creates an MR slice with every field the normalizer requires.
func NewMR(patientID, studyUID, seriesUID, sopUID string, instanceNumber int) *Instance {
	return NewInstance("MR", studyUID, seriesUID, sopUID).
		With("PatientID", patientID).
		With("PatientSex", "M").
		With("SeriesNumber", "1").
		With("InstanceNumber", strconv.Itoa(instanceNumber)).
		With("PixelSpacing", `0.9\0.9`).
		With("SliceThickness", "3").
		With("MagneticFieldStrength", "1.5")
}

// NewCR creates a projection radiograph with every field the normalizer requires.
func NewCR(patientID, studyUID, seriesUID, sopUID string) *Instance {
	return NewInstance("CR", studyUID, seriesUID, sopUID).
		With("PatientID", patientID).
		With("SeriesNumber", "1").
		With("InstanceNumber", "1").
		With("ImagerPixelSpacing", `0.143\0.143`)
}

// With sets an attribute by keyword
func (i *Instance) With(keyword, value string) *Instance {
	i.attrs[keyword] = value
	return i
}

// Without removes an attribute
func (i *Instance) Without(keyword string) *Instance {
	delete(i.attrs, keyword)
	return i
}

// WithoutPreamble writes "DICM" at offset 0
func (i *Instance) WithoutPreamble() *Instance {
	i.preamble = false
	return i
}

// WithPixels replaces the image. Samples are interleaved per pixel.
func (i *Instance) WithPixels(rows, cols, spp, frames, bits int, samples []int32) *Instance {
	i.attrs["Rows"] = strconv.Itoa(rows)
	i.attrs["Columns"] = strconv.Itoa(cols)
	i.attrs["SamplesPerPixel"] = strconv.Itoa(spp)
	i.attrs["BitsAllocated"] = strconv.Itoa(bits)
	i.attrs["BitsStored"] = strconv.Itoa(bits)
	i.attrs["HighBit"] = strconv.Itoa(bits - 1)
	if frames > 1 {
		i.attrs["NumberOfFrames"] = strconv.Itoa(frames)
	} else {
		delete(i.attrs, "NumberOfFrames")
	}
	signed := false
	for _, s := range samples {
		if s < 0 {
			signed = true
		}
	}
	if signed {
		i.attrs["PixelRepresentation"] = "1"
	} else {
		i.attrs["PixelRepresentation"] = "0"
	}
	if spp == 3 {
		i.attrs["PhotometricInterpretation"] = "RGB"
		i.attrs["PlanarConfiguration"] = "0"
	} else if _, ok := i.attrs["PhotometricInterpretation"]; !ok || i.attrs["PhotometricInterpretation"] == "RGB" {
		i.attrs["PhotometricInterpretation"] = "MONOCHROME2"
	}
	i.samples = samples
	i.bits = bits
	return i
}

// WithRawPixels drops the decoded samples and writes value verbatim as PixelData.
func (i *Instance) WithRawPixels(value []byte) *Instance {
	i.samples = nil
	i.raw = append(i.raw, rawElement{group: 0x7FE0, element: 0x0010, vr: "OW", value: value})
	return i
}

// WithRaw appends an arbitrary element
func (i *Instance) WithRaw(group, element uint16, vr string, value []byte) *Instance {
	i.raw = append(i.raw, rawElement{group: group, element: element, vr: vr, value: value})
	return i
}

// WithSequence appends an undefined-length sequence holding one nested item.
func (i *Instance) WithSequence(group, element uint16) *Instance {
	i.raw = append(i.raw, rawElement{group: group, element: element, vr: "SQ", sequence: true})
	return i
}

// Bytes encodes with Explicit VR Little Endian
func (i *Instance) Bytes() []byte {
	return i.Encode(dicom.ExplicitVRLittleEndian)
}

// Encode serializes the instance using the given transfer syntax UID.
func (i *Instance) Encode(syntax string) []byte {
	order := binary.ByteOrder(binary.LittleEndian)
	explicit := true
	switch syntax {
	case dicom.ImplicitVRLittleEndian:
		explicit = false
	case dicom.ExplicitVRBigEndian:
		order = binary.BigEndian
	}

	var ds bytes.Buffer
	for _, el := range i.elements(order) {
		writeElement(&ds, el, order, explicit)
	}
	dataset := ds.Bytes()
	if syntax == dicom.DeflatedExplicitVRLittleEndian {
		var z bytes.Buffer
		fw, _ := flate.NewWriter(&z, flate.DefaultCompression)
		_, _ = fw.Write(dataset)
		_ = fw.Close()
		dataset = z.Bytes()
	}

	var meta bytes.Buffer
	writeElement(&meta, rawElement{group: 0x0002, element: 0x0003, vr: "UI", value: pad(i.attrs["SOPInstanceUID"], "UI")}, binary.LittleEndian, true)
	writeElement(&meta, rawElement{group: 0x0002, element: 0x0010, vr: "UI", value: pad(syntax, "UI")}, binary.LittleEndian, true)

	var out bytes.Buffer
	if i.preamble {
		out.Write(make([]byte, 128))
	}
	out.WriteString("DICM")
	groupLength := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLength, uint32(meta.Len()))
	writeElement(&out, rawElement{group: 0x0002, element: 0x0000, vr: "UL", value: groupLength}, binary.LittleEndian, true)
	out.Write(meta.Bytes())
	out.Write(dataset)
	return out.Bytes()
}

func (i *Instance) elements(order binary.ByteOrder) []rawElement {
	var els []rawElement
	for keyword, value := range i.attrs {
		t, vr, ok := dicom.Lookup(keyword)
		if !ok {
			panic(fmt.Sprintf("dicomtest: unknown keyword %s", keyword))
		}
		els = append(els, rawElement{group: t.Group, element: t.Element, vr: vr, value: encodeValue(vr, value, order)})
	}
	if i.samples != nil {
		vr := "OW"
		if i.bits == 8 {
			vr = "OB"
		}
		els = append(els, rawElement{group: 0x7FE0, element: 0x0010, vr: vr, value: encodePixels(i.samples, i.bits, order)})
	}
	els = append(els, i.raw...)
	sort.SliceStable(els, func(a, b int) bool {
		if els[a].group != els[b].group {
			return els[a].group < els[b].group
		}
		return els[a].element < els[b].element
	})
	return els
}

func encodeValue(vr, value string, order binary.ByteOrder) []byte {
	if vr == "US" {
		return encodeUS(value, order)
	}
	return pad(value, vr)
}

func encodePixels(samples []int32, bits int, order binary.ByteOrder) []byte {
	if bits == 8 {
		out := make([]byte, len(samples), len(samples)+1)
		for i, s := range samples {
			out[i] = byte(s)
		}
		if len(out)%2 == 1 {
			out = append(out, 0)
		}
		return out
	}
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		order.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

func pad(value, vr string) []byte {
	b := []byte(value)
	if len(b)%2 == 1 {
		if vr == "UI" {
			b = append(b, 0)
		} else {
			b = append(b, ' ')
		}
	}
	return b
}

func writeElement(w *bytes.Buffer, el rawElement, order binary.ByteOrder, explicit bool) {
	value := el.value
	vr := el.vr

	putTag(w, el.group, el.element, order)
	if el.sequence {
		if explicit {
			w.WriteString("SQ")
			w.Write([]byte{0, 0})
		}
		putUint32(w, 0xFFFFFFFF, order)
		// one undefined-length item with a nested short string
		putTag(w, 0xFFFE, 0xE000, order)
		putUint32(w, 0xFFFFFFFF, order)
		writeElement(w, rawElement{group: 0x0008, element: 0x0100, vr: "SH", value: pad("T-D3000", "SH")}, order, explicit)
		putTag(w, 0xFFFE, 0xE00D, order)
		putUint32(w, 0, order)
		putTag(w, 0xFFFE, 0xE0DD, order)
		putUint32(w, 0, order)
		return
	}

	if !explicit {
		putUint32(w, uint32(len(value)), order)
		w.Write(value)
		return
	}
	w.WriteString(vr)
	switch vr {
	case "OB", "OW", "OF", "SQ", "UT", "UN", "UC", "UR", "OD", "OL", "OV", "SV", "UV":
		w.Write([]byte{0, 0})
		putUint32(w, uint32(len(value)), order)
	default:
		b := make([]byte, 2)
		order.PutUint16(b, uint16(len(value)))
		w.Write(b)
	}
	w.Write(value)
}

func encodeUS(value string, order binary.ByteOrder) []byte {
	var out []byte
	for _, part := range strings.Split(value, `\`) {
		n, _ := strconv.Atoi(part)
		b := make([]byte, 2)
		order.PutUint16(b, uint16(n))
		out = append(out, b...)
	}
	return out
}

func putTag(w *bytes.Buffer, group, element uint16, order binary.ByteOrder) {
	b := make([]byte, 4)
	order.PutUint16(b, group)
	order.PutUint16(b[2:], element)
	w.Write(b)
}

func putUint32(w *bytes.Buffer, v uint32, order binary.ByteOrder) {
	b := make([]byte, 4)
	order.PutUint32(b, v)
	w.Write(b)
}

// Entry is one named file inside a ZIP container
type Entry struct {
	Name string
	Data []byte
}

// Zip bundles entries into a ZIP archive. Names ending in "/" become directories.
func Zip(entries ...Entry) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.Name)
		if err != nil {
			panic(err)
		}
		if !strings.HasSuffix(e.Name, "/") {
			_, _ = w.Write(e.Data)
		}
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
