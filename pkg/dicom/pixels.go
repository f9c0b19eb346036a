package dicom

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/vita-cdss/cdss-core/internal/domain"
)

var pixelDataTag = tag.PixelData

func intAttr(meta map[string]string, key string, def int) (int, error) {
	raw := strings.TrimSpace(meta[key])
	if raw == "" {
		return def, nil
	}
	if i := strings.IndexByte(raw, '\\'); i >= 0 {
		raw = raw[:i]
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.WrapError(domain.ErrCodeMalformedContainer, "invalid integer attribute", fmt.Errorf("%s=%q", key, raw))
	}
	return n, nil
}

// decodePixels turns native pixel data into a sample buffer, checking the
// byte length against Rows, Columns, SamplesPerPixel, NumberOfFrames and BitsAllocated.
func decodePixels(meta map[string]string, data []byte, order binary.ByteOrder) (*domain.PixelBuffer, error) {
	if data == nil {
		return nil, domain.NewError(domain.ErrCodeMalformedContainer, "instance has no pixel data")
	}

	rows, err := intAttr(meta, "Rows", 0)
	if err != nil {
		return nil, err
	}
	cols, err := intAttr(meta, "Columns", 0)
	if err != nil {
		return nil, err
	}
	spp, err := intAttr(meta, "SamplesPerPixel", 1)
	if err != nil {
		return nil, err
	}
	frames, err := intAttr(meta, "NumberOfFrames", 1)
	if err != nil {
		return nil, err
	}
	bitsAlloc, err := intAttr(meta, "BitsAllocated", 0)
	if err != nil {
		return nil, err
	}
	repr, err := intAttr(meta, "PixelRepresentation", 0)
	if err != nil {
		return nil, err
	}
	planar, err := intAttr(meta, "PlanarConfiguration", 0)
	if err != nil {
		return nil, err
	}

	if rows <= 0 || cols <= 0 || frames <= 0 {
		return nil, domain.WrapError(domain.ErrCodeMalformedContainer, "invalid image dimensions",
			fmt.Errorf("rows=%d columns=%d frames=%d", rows, cols, frames))
	}
	if bitsAlloc != 8 && bitsAlloc != 16 {
		return nil, domain.WrapError(domain.ErrCodeUnsupportedTransferSyntax, "unsupported pixel encoding",
			fmt.Errorf("bits allocated %d", bitsAlloc))
	}
	if spp != 1 && spp != 3 {
		return nil, domain.WrapError(domain.ErrCodeUnsupportedTransferSyntax, "unsupported pixel encoding",
			fmt.Errorf("samples per pixel %d", spp))
	}

	samples, ok := sampleCount(rows, cols, spp, frames)
	if !ok || samples > len(data) {
		return nil, domain.WrapError(domain.ErrCodeMalformedContainer, "pixel data length does not match declared dimensions",
			fmt.Errorf("rows=%d columns=%d samples=%d frames=%d exceed %d bytes", rows, cols, spp, frames, len(data)))
	}
	want := samples * bitsAlloc / 8
	// Odd-length values carry one byte of padding.
	if len(data) != want && !(want%2 == 1 && len(data) == want+1) {
		return nil, domain.WrapError(domain.ErrCodeMalformedContainer, "pixel data length does not match declared dimensions",
			fmt.Errorf("have %d bytes, want %d", len(data), want))
	}

	out := make([]int32, samples)
	signed := repr == 1
	for i := 0; i < samples; i++ {
		switch {
		case bitsAlloc == 8 && signed:
			out[i] = int32(int8(data[i]))
		case bitsAlloc == 8:
			out[i] = int32(data[i])
		case signed:
			out[i] = int32(int16(order.Uint16(data[2*i:])))
		default:
			out[i] = int32(order.Uint16(data[2*i:]))
		}
	}

	if spp == 3 && planar == 1 {
		out = interleave(out, rows*cols, frames)
	}

	buf := &domain.PixelBuffer{
		Rows:            rows,
		Columns:         cols,
		SamplesPerPixel: spp,
		Frames:          frames,
		BitsAllocated:   bitsAlloc,
		Signed:          signed,
		Photometric:     strings.ToUpper(strings.TrimSpace(meta["PhotometricInterpretation"])),
		Data:            out,
	}
	if buf.Photometric == "" {
		if spp == 3 {
			buf.Photometric = "RGB"
		} else {
			buf.Photometric = "MONOCHROME2"
		}
	}
	if err := buf.Validate(); err != nil {
		return nil, domain.WrapError(domain.ErrCodeMalformedContainer, "invalid pixel buffer", err)
	}
	return buf, nil
}

// sampleCount multiplies the declared dimensions, reporting false when the
// product does not fit in an int.
func sampleCount(dims ...int) (int, bool) {
	n := uint64(1)
	for _, d := range dims {
		hi, lo := bits.Mul64(n, uint64(d))
		if hi != 0 || lo > math.MaxInt {
			return 0, false
		}
		n = lo
	}
	return int(n), true
}

// interleave converts planar RGB (RRR..GGG..BBB per frame) to pixel-interleaved.
func interleave(planar []int32, pixels, frames int) []int32 {
	out := make([]int32, len(planar))
	for f := 0; f < frames; f++ {
		base := f * pixels * 3
		for p := 0; p < pixels; p++ {
			for c := 0; c < 3; c++ {
				out[base+p*3+c] = planar[base+c*pixels+p]
			}
		}
	}
	return out
}
