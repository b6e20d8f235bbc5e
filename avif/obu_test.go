package avif

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// obuBitWriter builds bitstreams for sequence header tests.
type obuBitWriter struct {
	data []byte
	bits uint
}

func (w *obuBitWriter) writeBits(value uint32, n uint) {
	for i := int(n) - 1; i >= 0; i-- {
		if w.bits%8 == 0 {
			w.data = append(w.data, 0)
		}
		bit := (value >> uint(i)) & 1
		w.data[len(w.data)-1] |= byte(bit << (7 - w.bits%8))
		w.bits++
	}
}

func (w *obuBitWriter) padToByte() {
	for w.bits%8 != 0 {
		w.writeBits(0, 1)
	}
}

// buildSequenceHeaderOBU serializes a reduced still picture sequence
// header with an explicit color description.
func buildSequenceHeaderOBU(cp, tc, mc uint32, fullRange bool) []byte {
	body := &obuBitWriter{}
	// seq_profile, still_picture, reduced_still_picture_header.
	body.writeBits(0, 3)
	body.writeBits(1, 1)
	body.writeBits(1, 1)
	// seq_level_idx[0]
	body.writeBits(0, 5)
	// frame_width_bits_minus_1, frame_height_bits_minus_1, dims (1 bit each).
	body.writeBits(0, 4)
	body.writeBits(0, 4)
	body.writeBits(0, 1)
	body.writeBits(0, 1)
	// use_128x128_superblock, enable_filter_intra, enable_intra_edge_filter.
	body.writeBits(0, 3)
	// enable_superres, enable_cdef, enable_restoration.
	body.writeBits(0, 3)
	// color_config: high_bitdepth, monochrome, color_description_present.
	body.writeBits(0, 1)
	body.writeBits(0, 1)
	body.writeBits(1, 1)
	body.writeBits(cp, 8)
	body.writeBits(tc, 8)
	body.writeBits(mc, 8)
	// full_range
	if fullRange {
		body.writeBits(1, 1)
	} else {
		body.writeBits(0, 1)
	}
	// profile 0 is 4:2:0: chroma_sample_position.
	body.writeBits(0, 2)
	// separate_uv_delta_q
	body.writeBits(0, 1)
	// film_grain_params_present would follow; padding is harmless.
	body.padToByte()

	header := &obuBitWriter{}
	// obu_forbidden_bit, obu_type (sequence header), extension, has_size,
	// reserved.
	header.writeBits(0, 1)
	header.writeBits(obuTypeSequenceHeader, 4)
	header.writeBits(0, 1)
	header.writeBits(1, 1)
	header.writeBits(0, 1)
	// uleb128 size.
	header.writeBits(uint32(len(body.data)), 8)
	return append(header.data, body.data...)
}

func TestParseSequenceHeaderFromOBUs(t *testing.T) {
	data := buildSequenceHeaderOBU(9, 16, 9, false)
	header, err := parseSequenceHeaderFromOBUs(data)
	require.NoError(t, err)
	assert.Equal(t, ColorPrimaries(9), header.colorPrimaries)
	assert.Equal(t, TransferCharacteristics(16), header.transferCharacteristics)
	assert.Equal(t, MatrixCoefficients(9), header.matrixCoefficients)
	assert.Equal(t, YuvRangeLimited, header.yuvRange)
	assert.Equal(t, PixelFormatYuv420, header.yuvFormat)
	assert.Equal(t, uint8(8), header.bitDepth)
}

func TestParseSequenceHeaderSkipsOtherOBUs(t *testing.T) {
	// A temporal delimiter OBU (type 2, empty) before the header.
	td := []byte{0x12, 0x00}
	data := append(td, buildSequenceHeaderOBU(1, 13, 6, true)...)
	header, err := parseSequenceHeaderFromOBUs(data)
	require.NoError(t, err)
	assert.Equal(t, ColorPrimaries(1), header.colorPrimaries)
	assert.Equal(t, YuvRangeFull, header.yuvRange)
}

func TestParseSequenceHeaderMissing(t *testing.T) {
	_, err := parseSequenceHeaderFromOBUs([]byte{0x12, 0x00})
	assert.Error(t, err)
}

func TestObuBitReaderUleb128(t *testing.T) {
	r := &obuBitReader{data: []byte{0x80, 0x01}}
	v, err := r.readUleb128()
	require.NoError(t, err)
	assert.Equal(t, uint32(128), v)

	r = &obuBitReader{data: []byte{0x05}}
	v, err = r.readUleb128()
	require.NoError(t, err)
	assert.Equal(t, uint32(5), v)
}
