package dicom

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/vita-cdss/cdss-core/internal/domain"
)

const undefinedLength = 0xFFFFFFFF

// longVRs carry a 2-byte reserved field and a 4-byte length in explicit syntaxes.
var longVRs = map[string]bool{
	"OB": true, "OW": true, "OF": true, "SQ": true, "UT": true, "UN": true,
	"UC": true, "UR": true, "OD": true, "OL": true, "OV": true, "SV": true, "UV": true,
}

var shortVRs = map[string]bool{
	"AE": true, "AS": true, "AT": true, "CS": true, "DA": true, "DS": true, "DT": true,
	"FL": true, "FD": true, "IS": true, "LO": true, "LT": true, "PN": true, "SH": true,
	"SL": true, "SS": true, "ST": true, "TM": true, "UI": true, "UL": true, "US": true,
}

type element struct {
	tag    tag.Tag
	vr     string
	length uint32
	value  []byte
}

// reader walks a byte slice with a fixed byte order and VR mode.
type reader struct {
	buf      []byte
	pos      int
	order    binary.ByteOrder
	explicit bool
}

func newReader(buf []byte, order binary.ByteOrder, explicit bool) *reader {
	return &reader{buf: buf, order: order, explicit: explicit}
}

func (r *reader) eof() bool {
	return r.pos >= len(r.buf)
}

func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || n > r.remaining() {
		return nil, domain.WrapError(domain.ErrCodeTruncatedData, "element overruns buffer",
			fmt.Errorf("need %d bytes at offset %d, %d remain", n, r.pos, r.remaining()))
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return r.order.Uint16(b), nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return r.order.Uint32(b), nil
}

func (r *reader) readTag() (tag.Tag, error) {
	g, err := r.uint16()
	if err != nil {
		return tag.Tag{}, err
	}
	e, err := r.uint16()
	if err != nil {
		return tag.Tag{}, err
	}
	return tag.Tag{Group: g, Element: e}, nil
}

// peekGroup returns the group of the next element without consuming it.
func (r *reader) peekGroup() (uint16, bool) {
	if r.remaining() < 2 {
		return 0, false
	}
	return r.order.Uint16(r.buf[r.pos:]), true
}

// header reads tag, VR and length. Value bytes are not consumed.
func (r *reader) header() (element, error) {
	t, err := r.readTag()
	if err != nil {
		return element{}, err
	}
	el := element{tag: t}

	// Item and delimiter tags never carry a VR.
	if t.Group == 0xFFFE {
		el.length, err = r.uint32()
		return el, err
	}

	if !r.explicit {
		el.vr = vrOf(t)
		el.length, err = r.uint32()
		return el, err
	}

	raw, err := r.take(2)
	if err != nil {
		return element{}, err
	}
	el.vr = string(raw)
	switch {
	case longVRs[el.vr]:
		if _, err := r.take(2); err != nil {
			return element{}, err
		}
		el.length, err = r.uint32()
	case shortVRs[el.vr]:
		var l uint16
		l, err = r.uint16()
		el.length = uint32(l)
	default:
		return element{}, domain.WrapError(domain.ErrCodeMalformedContainer, "invalid value representation",
			fmt.Errorf("tag %04X,%04X has VR %q", t.Group, t.Element, raw))
	}
	return el, err
}

// next reads one complete element. Sequences and undefined-length values are
// skipped structurally and returned without a value.
func (r *reader) next() (element, error) {
	el, err := r.header()
	if err != nil {
		return element{}, err
	}
	if el.length == undefinedLength {
		if el.tag == tag.PixelData {
			return element{}, domain.NewError(domain.ErrCodeUnsupportedTransferSyntax, "encapsulated pixel data is not supported")
		}
		if err := r.skipSequence(); err != nil {
			return element{}, err
		}
		return el, nil
	}
	value, err := r.take(int(el.length))
	if err != nil {
		return element{}, err
	}
	if el.vr == "SQ" {
		return el, nil
	}
	el.value = value
	return el, nil
}

// skipSequence consumes items until the sequence delimiter.
func (r *reader) skipSequence() error {
	for {
		if r.eof() {
			return domain.NewError(domain.ErrCodeMalformedContainer, "unterminated sequence")
		}
		t, err := r.readTag()
		if err != nil {
			return err
		}
		length, err := r.uint32()
		if err != nil {
			return err
		}
		switch t {
		case tag.SequenceDelimitationItem:
			return nil
		case tag.Item:
			if length == undefinedLength {
				if err := r.skipItem(); err != nil {
					return err
				}
				continue
			}
			if _, err := r.take(int(length)); err != nil {
				return err
			}
		default:
			return domain.WrapError(domain.ErrCodeMalformedContainer, "unexpected element inside sequence",
				fmt.Errorf("tag %04X,%04X", t.Group, t.Element))
		}
	}
}

// skipItem consumes nested elements of an undefined-length item.
func (r *reader) skipItem() error {
	for {
		if r.eof() {
			return domain.NewError(domain.ErrCodeMalformedContainer, "unterminated sequence item")
		}
		el, err := r.header()
		if err != nil {
			return err
		}
		if el.tag == tag.ItemDelimitationItem {
			return nil
		}
		if el.length == undefinedLength {
			if err := r.skipSequence(); err != nil {
				return err
			}
			continue
		}
		if _, err := r.take(int(el.length)); err != nil {
			return err
		}
	}
}

// decodeValue renders a value as the string stored in instance metadata.
// Binary VRs return ok=false.
func decodeValue(vr string, value []byte, order binary.ByteOrder) (string, bool) {
	switch vr {
	case "AE", "AS", "CS", "DA", "DS", "DT", "IS", "LO", "LT", "PN", "SH", "ST", "TM", "UI", "UC", "UR", "UT":
		return strings.Trim(string(value), " \x00"), true
	case "US":
		return joinNumbers(value, 2, func(b []byte) string { return strconv.FormatUint(uint64(order.Uint16(b)), 10) }), true
	case "SS":
		return joinNumbers(value, 2, func(b []byte) string { return strconv.FormatInt(int64(int16(order.Uint16(b))), 10) }), true
	case "UL":
		return joinNumbers(value, 4, func(b []byte) string { return strconv.FormatUint(uint64(order.Uint32(b)), 10) }), true
	case "SL":
		return joinNumbers(value, 4, func(b []byte) string { return strconv.FormatInt(int64(int32(order.Uint32(b))), 10) }), true
	case "FL":
		return joinNumbers(value, 4, func(b []byte) string {
			return strconv.FormatFloat(float64(math.Float32frombits(order.Uint32(b))), 'g', -1, 32)
		}), true
	case "FD":
		return joinNumbers(value, 8, func(b []byte) string {
			return strconv.FormatFloat(math.Float64frombits(order.Uint64(b)), 'g', -1, 64)
		}), true
	default:
		return "", false
	}
}

func joinNumbers(value []byte, width int, format func([]byte) string) string {
	parts := make([]string, 0, len(value)/width)
	for i := 0; i+width <= len(value); i += width {
		parts = append(parts, format(value[i:i+width]))
	}
	return strings.Join(parts, `\`)
}
