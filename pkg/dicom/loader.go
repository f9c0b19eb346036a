// Package dicom reads DICOM Part 10 files, alone or bundled in a ZIP archive,
// into the study/series/instance hierarchy used by the imaging pipeline.
// Only native (uncompressed) pixel data is decoded.
package dicom

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"github.com/vita-cdss/cdss-core/internal/domain"
)

// Transfer syntax UIDs with native pixel encoding
const (
	ImplicitVRLittleEndian         = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian         = "1.2.840.10008.1.2.1"
	DeflatedExplicitVRLittleEndian = "1.2.840.10008.1.2.1.99"
	ExplicitVRBigEndian            = "1.2.840.10008.1.2.2"
)

const (
	preambleLength = 128
	magic          = "DICM"

	defaultMaxEntryBytes = 512 << 20
)

var zipMagic = []byte("PK\x03\x04")

// Loader parses imaging containers. It holds no state between calls.
type Loader struct {
	maxEntryBytes int64
}

// Option configures a Loader
type Option func(*Loader)

// WithMaxEntryBytes bounds the inflated size of a single archive entry or deflated dataset
func WithMaxEntryBytes(n int64) Option {
	return func(l *Loader) {
		if n > 0 {
			l.maxEntryBytes = n
		}
	}
}

// NewLoader creates a Loader
func NewLoader(opts ...Option) *Loader {
	l := &Loader{maxEntryBytes: defaultMaxEntryBytes}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load parses data with default options
func Load(data []byte) (*domain.Study, error) {
	return NewLoader().Load(data)
}

// Load parses a single Part 10 file or a ZIP of Part 10 files into one study.
func (l *Loader) Load(data []byte) (*domain.Study, error) {
	var instances []*domain.Instance
	if bytes.HasPrefix(data, zipMagic) {
		var err error
		instances, err = l.loadArchive(data)
		if err != nil {
			return nil, err
		}
	} else {
		inst, err := l.parseFile(data, 0)
		if err != nil {
			return nil, err
		}
		instances = []*domain.Instance{inst}
	}
	return assemble(instances)
}

func (l *Loader) loadArchive(data []byte) ([]*domain.Instance, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, domain.WrapError(domain.ErrCodeMalformedContainer, "unreadable zip archive", err)
	}

	var instances []*domain.Instance
	for _, f := range zr.File {
		if skipEntry(f) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, domain.WrapError(domain.ErrCodeMalformedContainer, "unreadable archive entry", err)
		}
		content, err := io.ReadAll(io.LimitReader(rc, l.maxEntryBytes+1))
		rc.Close()
		if err != nil {
			return nil, domain.WrapError(domain.ErrCodeTruncatedData, "archive entry truncated", err)
		}
		if int64(len(content)) > l.maxEntryBytes {
			return nil, domain.WrapError(domain.ErrCodeMalformedContainer, "archive entry too large", fmt.Errorf("entry %s", f.Name))
		}
		if !hasMagic(content) {
			continue
		}
		inst, err := l.parseFile(content, len(instances))
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", f.Name, err)
		}
		instances = append(instances, inst)
	}
	if len(instances) == 0 {
		return nil, domain.NewError(domain.ErrCodeMalformedContainer, "archive holds no DICOM instances")
	}
	return instances, nil
}

func skipEntry(f *zip.File) bool {
	if f.FileInfo().IsDir() {
		return true
	}
	if strings.HasPrefix(f.Name, "__MACOSX/") {
		return true
	}
	return strings.EqualFold(path.Base(f.Name), "DICOMDIR")
}

func hasMagic(data []byte) bool {
	if len(data) >= preambleLength+len(magic) && string(data[preambleLength:preambleLength+len(magic)]) == magic {
		return true
	}
	return len(data) >= len(magic) && string(data[:len(magic)]) == magic
}

// parseFile decodes one Part 10 file into an instance.
func (l *Loader) parseFile(data []byte, arrival int) (*domain.Instance, error) {
	var body []byte
	switch {
	case len(data) >= preambleLength+len(magic) && string(data[preambleLength:preambleLength+len(magic)]) == magic:
		body = data[preambleLength+len(magic):]
	case len(data) >= len(magic) && string(data[:len(magic)]) == magic:
		body = data[len(magic):]
	default:
		return nil, domain.NewError(domain.ErrCodeMalformedContainer, "missing DICM magic")
	}

	meta := make(map[string]string)

	// File meta information is always explicit VR little endian.
	mr := newReader(body, binary.LittleEndian, true)
	for {
		group, ok := mr.peekGroup()
		if !ok || group != 0x0002 {
			break
		}
		el, err := mr.next()
		if err != nil {
			return nil, err
		}
		record(meta, el, binary.LittleEndian)
	}

	syntax := meta["TransferSyntaxUID"]
	dataset := body[mr.pos:]
	var dr *reader
	switch syntax {
	case ImplicitVRLittleEndian:
		dr = newReader(dataset, binary.LittleEndian, false)
	case ExplicitVRLittleEndian, "":
		syntax = ExplicitVRLittleEndian
		dr = newReader(dataset, binary.LittleEndian, true)
	case ExplicitVRBigEndian:
		dr = newReader(dataset, binary.BigEndian, true)
	case DeflatedExplicitVRLittleEndian:
		inflated, err := l.inflate(dataset)
		if err != nil {
			return nil, err
		}
		dr = newReader(inflated, binary.LittleEndian, true)
	default:
		return nil, domain.WrapError(domain.ErrCodeUnsupportedTransferSyntax, "unsupported transfer syntax", fmt.Errorf("uid %s", syntax))
	}

	var pixelData []byte
	for !dr.eof() {
		el, err := dr.next()
		if err != nil {
			return nil, err
		}
		if el.tag.Group == 0xFFFE {
			return nil, domain.NewError(domain.ErrCodeMalformedContainer, "item outside of sequence")
		}
		if el.tag == pixelDataTag {
			pixelData = el.value
			continue
		}
		record(meta, el, dr.order)
	}

	inst := &domain.Instance{
		SOPInstanceUID: meta["SOPInstanceUID"],
		ArrivalIndex:   arrival,
		TransferSyntax: syntax,
		Metadata:       meta,
	}
	if inst.SOPInstanceUID == "" {
		return nil, domain.NewError(domain.ErrCodeMalformedContainer, "instance has no SOPInstanceUID")
	}
	if n, err := strconv.Atoi(meta["InstanceNumber"]); err == nil {
		inst.InstanceNumber = n
	}

	pixels, err := decodePixels(meta, pixelData, dr.order)
	if err != nil {
		return nil, err
	}
	inst.Pixels = pixels
	return inst, nil
}

func (l *Loader) inflate(dataset []byte) ([]byte, error) {
	fr := flate.NewReader(bytes.NewReader(dataset))
	defer fr.Close()
	out, err := io.ReadAll(io.LimitReader(fr, l.maxEntryBytes+1))
	if err != nil {
		return nil, domain.WrapError(domain.ErrCodeTruncatedData, "deflated dataset is truncated", err)
	}
	if int64(len(out)) > l.maxEntryBytes {
		return nil, domain.NewError(domain.ErrCodeMalformedContainer, "deflated dataset too large")
	}
	return out, nil
}

func record(meta map[string]string, el element, order binary.ByteOrder) {
	info, ok := recorded[el.tag]
	if !ok || el.value == nil {
		return
	}
	vr := el.vr
	if vr == "" || vr == "UN" {
		vr = info.VR
	}
	if s, ok := decodeValue(vr, el.value, order); ok {
		meta[info.Name] = s
	}
}

// assemble groups instances into one study with ordered series.
func assemble(instances []*domain.Instance) (*domain.Study, error) {
	study := &domain.Study{}
	bySeries := make(map[string]*domain.Series)
	seen := make(map[string]bool, len(instances))

	for _, inst := range instances {
		studyUID := inst.Metadata["StudyInstanceUID"]
		seriesUID := inst.Metadata["SeriesInstanceUID"]
		if studyUID == "" {
			return nil, domain.NewError(domain.ErrCodeMalformedContainer, "instance has no StudyInstanceUID")
		}
		if seriesUID == "" {
			return nil, domain.NewError(domain.ErrCodeMalformedContainer, "instance has no SeriesInstanceUID")
		}
		if study.StudyInstanceUID == "" {
			study.StudyInstanceUID = studyUID
		} else if study.StudyInstanceUID != studyUID {
			return nil, domain.NewError(domain.ErrCodeMalformedContainer, "container holds more than one study")
		}
		if seen[inst.SOPInstanceUID] {
			return nil, domain.WrapError(domain.ErrCodeMalformedContainer, "duplicate SOPInstanceUID", fmt.Errorf("uid %s", inst.SOPInstanceUID))
		}
		seen[inst.SOPInstanceUID] = true

		series, ok := bySeries[seriesUID]
		if !ok {
			series = &domain.Series{
				SeriesInstanceUID: seriesUID,
				Modality:          strings.ToUpper(strings.TrimSpace(inst.Metadata["Modality"])),
			}
			series.SeriesNumber, _ = strconv.Atoi(inst.Metadata["SeriesNumber"])
			bySeries[seriesUID] = series
			study.Series = append(study.Series, series)
		}
		series.Instances = append(series.Instances, inst)
	}

	sort.SliceStable(study.Series, func(i, j int) bool {
		return study.Series[i].SeriesNumber < study.Series[j].SeriesNumber
	})
	for _, series := range study.Series {
		insts := series.Instances
		sort.SliceStable(insts, func(i, j int) bool {
			return instanceOrder(insts[i]) < instanceOrder(insts[j])
		})
	}
	return study, nil
}

// instanceOrder sorts instances without an InstanceNumber after numbered ones.
func instanceOrder(inst *domain.Instance) int {
	if _, err := strconv.Atoi(inst.Metadata["InstanceNumber"]); err != nil {
		return int(^uint(0) >> 1)
	}
	return inst.InstanceNumber
}
