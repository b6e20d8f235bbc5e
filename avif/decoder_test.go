package avif

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings() Settings {
	settings := DefaultSettings()
	settings.CodecChoice = CodecChoiceLibgav1
	return settings
}

func testEncoderSettings() EncoderSettings {
	settings := DefaultEncoderSettings()
	settings.CodecChoice = CodecChoiceLibgav1
	return settings
}

// makeTestImage fills owned planes with a deterministic gradient.
func makeTestImage(t *testing.T, width, height uint32, depth uint8, format PixelFormat, withAlpha bool) *Image {
	t.Helper()
	img := NewImage(width, height, depth, format)
	img.YuvRange = YuvRangeFull
	img.ColorPrimaries = ColorPrimariesBT709
	img.TransferCharacteristics = TransferCharacteristicsSRGB
	img.MatrixCoefficients = MatrixCoefficientsBT601
	require.NoError(t, img.AllocatePlanes(CategoryColor))
	if withAlpha {
		img.AlphaPresent = true
		require.NoError(t, img.AllocatePlanes(CategoryAlpha))
	}
	planes := []Plane{PlaneY, PlaneU, PlaneV}
	if withAlpha {
		planes = append(planes, PlaneA)
	}
	for pi, plane := range planes {
		if !img.HasPlane(plane) {
			continue
		}
		w := img.PlaneWidth(plane)
		h := img.PlaneHeight(plane)
		for y := uint32(0); y < h; y++ {
			for x := uint32(0); x < w; x++ {
				v := uint16((x + y*7 + uint32(pi)*31) % (uint32(1) << depth))
				if depth == 8 {
					row, err := img.Row(plane, y)
					require.NoError(t, err)
					row[x] = byte(v)
				} else {
					row, err := img.Row16(plane, y)
					require.NoError(t, err)
					row[x] = v
				}
			}
		}
	}
	return img
}

func requirePlanesEqual(t *testing.T, want, got *Image, plane Plane) {
	t.Helper()
	require.Equal(t, want.PlaneWidth(plane), got.PlaneWidth(plane), "plane width")
	require.Equal(t, want.PlaneHeight(plane), got.PlaneHeight(plane), "plane height")
	width := want.PlaneWidth(plane)
	for y := uint32(0); y < want.PlaneHeight(plane); y++ {
		if want.Depth == 8 {
			wantRow, err := want.Row(plane, y)
			require.NoError(t, err)
			gotRow, err := got.Row(plane, y)
			require.NoError(t, err)
			require.Equal(t, wantRow[:width], gotRow[:width], "row %d of plane %d", y, plane)
		} else {
			wantRow, err := want.Row16(plane, y)
			require.NoError(t, err)
			gotRow, err := got.Row16(plane, y)
			require.NoError(t, err)
			require.Equal(t, wantRow[:width], gotRow[:width], "row %d of plane %d", y, plane)
		}
	}
}

func encodeStill(t *testing.T, img *Image) []byte {
	t.Helper()
	enc := NewEncoder()
	require.NoError(t, enc.SetSettings(testEncoderSettings()))
	require.NoError(t, enc.AddImage(img, 1, AddImageFlagSingle))
	data, err := enc.Finish()
	require.NoError(t, err)
	return data
}

func parseDecoder(t *testing.T, data []byte, mutate func(*Settings)) *Decoder {
	t.Helper()
	dec := NewDecoder()
	settings := testSettings()
	if mutate != nil {
		mutate(&settings)
	}
	require.NoError(t, dec.SetSettings(settings))
	dec.SetIOMemory(data)
	require.NoError(t, dec.Parse())
	return dec
}

func TestDecoderStateMachine(t *testing.T) {
	dec := NewDecoder()
	assert.ErrorIs(t, dec.Parse(), ErrIONotSet)
	assert.ErrorIs(t, dec.NextImage(), ErrIONotSet)

	dec.SetIOMemory(encodeStill(t, makeTestImage(t, 64, 64, 8, PixelFormatYuv420, false)))
	assert.ErrorIs(t, dec.NextImage(), ErrNoContent)
	require.NoError(t, dec.SetSettings(testSettings()))
	require.NoError(t, dec.Parse())

	// Configuration is frozen once parsed.
	assert.ErrorIs(t, dec.SetSettings(testSettings()), ErrCannotChangeSetting)
	dec.Reset()
	require.NoError(t, dec.SetSettings(testSettings()))
	require.NoError(t, dec.Parse())
}

func TestStillImageRoundTrip(t *testing.T) {
	src := makeTestImage(t, 120, 88, 8, PixelFormatYuv420, false)
	dec := parseDecoder(t, encodeStill(t, src), nil)

	img := dec.Image()
	require.NotNil(t, img)
	assert.Equal(t, uint32(120), img.Width)
	assert.Equal(t, uint32(88), img.Height)
	assert.Equal(t, uint8(8), img.Depth)
	assert.Equal(t, PixelFormatYuv420, img.YuvFormat)
	assert.False(t, img.AlphaPresent)
	assert.Equal(t, uint32(1), dec.ImageCount())
	assert.False(t, img.ImageSequenceTrackPresent)

	require.NoError(t, dec.NextImage())
	for _, plane := range []Plane{PlaneY, PlaneU, PlaneV} {
		requirePlanesEqual(t, src, dec.Image(), plane)
	}
	assert.ErrorIs(t, dec.NextImage(), ErrNoImagesRemaining)
}

func TestStillImageWithAlpha(t *testing.T) {
	src := makeTestImage(t, 64, 64, 8, PixelFormatYuv444, true)
	dec := parseDecoder(t, encodeStill(t, src), nil)

	require.True(t, dec.Image().AlphaPresent)
	require.NoError(t, dec.NextImage())
	for _, plane := range []Plane{PlaneY, PlaneU, PlaneV, PlaneA} {
		requirePlanesEqual(t, src, dec.Image(), plane)
	}
}

func TestTenBitRoundTrip(t *testing.T) {
	src := makeTestImage(t, 64, 64, 10, PixelFormatYuv422, false)
	dec := parseDecoder(t, encodeStill(t, src), nil)
	require.Equal(t, uint8(10), dec.Image().Depth)
	require.NoError(t, dec.NextImage())
	requirePlanesEqual(t, src, dec.Image(), PlaneY)
	requirePlanesEqual(t, src, dec.Image(), PlaneU)
}

func TestMetadataRoundTrip(t *testing.T) {
	src := makeTestImage(t, 64, 64, 8, PixelFormatYuv420, false)
	exif := append([]byte{'I', 'I', 0x2a, 0x00}, []byte("test exif payload")...)
	src.SetExif(exif)
	src.SetXMP([]byte("<x:xmpmeta xmlns:x='adobe:ns:meta/'/>"))
	src.SetICC([]byte("fake icc profile bytes"))

	dec := parseDecoder(t, encodeStill(t, src), nil)
	img := dec.Image()
	assert.Equal(t, exif, img.Exif)
	assert.Equal(t, src.XMP, img.XMP)
	assert.Equal(t, src.ICC, img.ICC)
}

func TestMetadataIgnoreFlags(t *testing.T) {
	src := makeTestImage(t, 64, 64, 8, PixelFormatYuv420, false)
	src.SetExif(append([]byte{'M', 'M', 0x00, 0x2a}, []byte("payload")...))
	src.SetXMP([]byte("<xmp/>"))
	dec := parseDecoder(t, encodeStill(t, src), func(s *Settings) {
		s.IgnoreExif = true
		s.IgnoreXMP = true
	})
	assert.Empty(t, dec.Image().Exif)
	assert.Empty(t, dec.Image().XMP)
}

func TestGridRoundTrip(t *testing.T) {
	cells := []*Image{
		makeTestImage(t, 64, 64, 8, PixelFormatYuv420, false),
		makeTestImage(t, 64, 64, 8, PixelFormatYuv420, false),
		makeTestImage(t, 64, 64, 8, PixelFormatYuv420, false),
		makeTestImage(t, 64, 64, 8, PixelFormatYuv420, false),
	}
	enc := NewEncoder()
	require.NoError(t, enc.SetSettings(testEncoderSettings()))
	require.NoError(t, enc.AddImageGrid(cells, 2, 2, AddImageFlagSingle))
	data, err := enc.Finish()
	require.NoError(t, err)

	dec := parseDecoder(t, data, nil)
	img := dec.Image()
	assert.Equal(t, uint32(128), img.Width)
	assert.Equal(t, uint32(128), img.Height)
	require.NoError(t, dec.NextImage())

	// Every cell must land at its grid position, byte for byte.
	out := dec.Image()
	for index, cell := range cells {
		cellX := uint32(index%2) * 64
		cellY := uint32(index/2) * 64
		for y := uint32(0); y < 64; y++ {
			wantRow, err := cell.Row(PlaneY, y)
			require.NoError(t, err)
			gotRow, err := out.Row(PlaneY, cellY+y)
			require.NoError(t, err)
			require.Equal(t, wantRow[:64], gotRow[cellX:cellX+64])
		}
	}
}

func TestGridRoundTripWithAlpha(t *testing.T) {
	cells := []*Image{
		makeTestImage(t, 64, 64, 8, PixelFormatYuv420, true),
		makeTestImage(t, 64, 64, 8, PixelFormatYuv420, true),
	}
	enc := NewEncoder()
	require.NoError(t, enc.SetSettings(testEncoderSettings()))
	require.NoError(t, enc.AddImageGrid(cells, 2, 1, AddImageFlagSingle))
	data, err := enc.Finish()
	require.NoError(t, err)

	dec := parseDecoder(t, data, nil)
	require.True(t, dec.Image().AlphaPresent)
	require.NoError(t, dec.NextImage())
	out := dec.Image()
	require.True(t, out.HasAlpha())
	for index, cell := range cells {
		cellX := uint32(index) * 64
		for y := uint32(0); y < 64; y++ {
			wantRow, err := cell.Row(PlaneA, y)
			require.NoError(t, err)
			gotRow, err := out.Row(PlaneA, y)
			require.NoError(t, err)
			require.Equal(t, wantRow[:64], gotRow[cellX:cellX+64])
		}
	}
}

func TestGridMultiThreaded(t *testing.T) {
	cells := []*Image{
		makeTestImage(t, 64, 64, 8, PixelFormatYuv420, false),
		makeTestImage(t, 64, 64, 8, PixelFormatYuv420, false),
		makeTestImage(t, 64, 64, 8, PixelFormatYuv420, false),
		makeTestImage(t, 64, 64, 8, PixelFormatYuv420, false),
	}
	enc := NewEncoder()
	require.NoError(t, enc.SetSettings(testEncoderSettings()))
	require.NoError(t, enc.AddImageGrid(cells, 2, 2, AddImageFlagSingle))
	data, err := enc.Finish()
	require.NoError(t, err)

	dec := parseDecoder(t, data, func(s *Settings) { s.MaxThreads = 4 })
	require.NoError(t, dec.NextImage())
	out := dec.Image()
	for index, cell := range cells {
		cellX := uint32(index%2) * 64
		cellY := uint32(index/2) * 64
		for y := uint32(0); y < 64; y++ {
			wantRow, err := cell.Row(PlaneY, y)
			require.NoError(t, err)
			gotRow, err := out.Row(PlaneY, cellY+y)
			require.NoError(t, err)
			require.Equal(t, wantRow[:64], gotRow[cellX:cellX+64])
		}
	}
}

func encodeSequence(t *testing.T, frames []*Image) []byte {
	t.Helper()
	enc := NewEncoder()
	settings := testEncoderSettings()
	settings.Timescale = 10
	require.NoError(t, enc.SetSettings(settings))
	for i, frame := range frames {
		flags := AddImageFlags(0)
		if i == 0 {
			flags |= AddImageFlagForceKeyframe
		}
		require.NoError(t, enc.AddImage(frame, 5, flags))
	}
	data, err := enc.Finish()
	require.NoError(t, err)
	return data
}

func TestImageSequence(t *testing.T) {
	frames := []*Image{
		makeTestImage(t, 64, 48, 8, PixelFormatYuv420, false),
		makeTestImage(t, 64, 48, 8, PixelFormatYuv420, false),
		makeTestImage(t, 64, 48, 8, PixelFormatYuv420, false),
	}
	// Make the frames distinguishable.
	for i, frame := range frames {
		row, err := frame.Row(PlaneY, 0)
		require.NoError(t, err)
		row[0] = byte(100 + i)
	}
	data := encodeSequence(t, frames)

	dec := parseDecoder(t, data, nil)
	img := dec.Image()
	assert.True(t, img.ImageSequenceTrackPresent)
	assert.Equal(t, uint32(3), dec.ImageCount())
	assert.Equal(t, 0, dec.RepetitionCount())
	assert.Equal(t, uint64(10), dec.Timescale())
	assert.InDelta(t, 1.5, dec.Duration(), 1e-9)

	for i := range frames {
		require.NoError(t, dec.NextImage())
		row, err := dec.Image().Row(PlaneY, 0)
		require.NoError(t, err)
		assert.Equal(t, byte(100+i), row[0], "frame %d", i)
		timing := dec.ImageTiming()
		assert.Equal(t, uint64(5), timing.DurationInTimescales)
		assert.Equal(t, uint64(uint32(i)*5), timing.PTSInTimescales)
	}
	assert.ErrorIs(t, dec.NextImage(), ErrNoImagesRemaining)
}

func TestNthImageSeek(t *testing.T) {
	frames := []*Image{
		makeTestImage(t, 64, 48, 8, PixelFormatYuv420, false),
		makeTestImage(t, 64, 48, 8, PixelFormatYuv420, false),
		makeTestImage(t, 64, 48, 8, PixelFormatYuv420, false),
	}
	for i, frame := range frames {
		row, err := frame.Row(PlaneY, 0)
		require.NoError(t, err)
		row[0] = byte(10 * (i + 1))
	}
	data := encodeSequence(t, frames)

	dec := parseDecoder(t, data, nil)
	require.NoError(t, dec.NthImage(2))
	row, err := dec.Image().Row(PlaneY, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(30), row[0])

	// Same frame again is a no-op.
	require.NoError(t, dec.NthImage(2))

	// Seeking backwards replays from the nearest keyframe.
	require.NoError(t, dec.NthImage(0))
	row, err = dec.Image().Row(PlaneY, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(10), row[0])

	assert.ErrorIs(t, dec.NthImage(3), ErrNoImagesRemaining)
}

func TestSequencePrimaryItemSource(t *testing.T) {
	frames := []*Image{
		makeTestImage(t, 64, 48, 8, PixelFormatYuv420, false),
		makeTestImage(t, 64, 48, 8, PixelFormatYuv420, false),
	}
	data := encodeSequence(t, frames)

	dec := parseDecoder(t, data, func(s *Settings) { s.Source = SourcePrimaryItem })
	assert.Equal(t, uint32(1), dec.ImageCount())
	require.NoError(t, dec.NthImage(0))
	assert.ErrorIs(t, dec.NthImage(1), ErrNoImagesRemaining)
}

func TestParseIdempotent(t *testing.T) {
	data := encodeStill(t, makeTestImage(t, 64, 64, 8, PixelFormatYuv420, false))
	dec := parseDecoder(t, data, nil)
	width := dec.Image().Width
	require.NoError(t, dec.Parse())
	assert.Equal(t, width, dec.Image().Width)
}

func TestTruncatedPrefixNeverParses(t *testing.T) {
	data := encodeStill(t, makeTestImage(t, 64, 64, 8, PixelFormatYuv420, false))
	for _, cut := range []int{0, 4, 9, 17, 31, len(data) / 4, len(data) / 2, len(data) - 1} {
		dec := NewDecoder()
		require.NoError(t, dec.SetSettings(testSettings()))
		dec.SetIOMemory(data[:cut])
		err := dec.Parse()
		assert.Error(t, err, "prefix of %d bytes must not parse", cut)
	}
}

func TestNthImageMaxExtent(t *testing.T) {
	data := encodeStill(t, makeTestImage(t, 64, 64, 8, PixelFormatYuv420, false))
	dec := parseDecoder(t, data, nil)
	extent, err := dec.NthImageMaxExtent(0)
	require.NoError(t, err)
	assert.NotZero(t, extent.Size)
	assert.LessOrEqual(t, extent.Offset+extent.Size, uint64(len(data)))
}

func TestNoCodecAvailable(t *testing.T) {
	data := encodeStill(t, makeTestImage(t, 64, 64, 8, PixelFormatYuv420, false))
	dec := parseDecoder(t, data, func(s *Settings) { s.CodecChoice = CodecChoiceSvt })
	assert.ErrorIs(t, dec.NextImage(), ErrNoCodecAvailable)
}

func TestDimensionLimits(t *testing.T) {
	data := encodeStill(t, makeTestImage(t, 64, 64, 8, PixelFormatYuv420, false))
	dec := NewDecoder()
	settings := testSettings()
	settings.ImageDimensionLimit = 32
	require.NoError(t, dec.SetSettings(settings))
	dec.SetIOMemory(data)
	assert.ErrorIs(t, dec.Parse(), ErrBmffParseFailed)
}

func TestPeekCompatibleFileType(t *testing.T) {
	buf := []byte{
		0x00, 0x00, 0x00, 0x20, 0x66, 0x74, 0x79, 0x70,
		0x61, 0x76, 0x69, 0x66, 0x00, 0x00, 0x00, 0x00,
		0x61, 0x76, 0x69, 0x66, 0x6d, 0x69, 0x66, 0x31,
		0x6d, 0x69, 0x61, 0x66, 0x4d, 0x41, 0x31, 0x41,
	}
	// The major brand is readable from 12 bytes on.
	for i := 0; i <= len(buf); i++ {
		got := PeekCompatibleFileType(buf[:i])
		if i < 12 {
			assert.False(t, got, "prefix %d", i)
		} else {
			assert.True(t, got, "prefix %d", i)
		}
	}
	assert.False(t, PeekCompatibleFileType([]byte("not an avif file")))
}
