package avif

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webmproject/goavif/avif/bmff"
)

func TestEncoderSettingsValidation(t *testing.T) {
	enc := NewEncoder()
	img := makeTestImage(t, 64, 64, 8, PixelFormatYuv420, false)

	settings := testEncoderSettings()
	settings.Speed = 11
	require.NoError(t, enc.SetSettings(settings))
	assert.ErrorIs(t, enc.AddImage(img, 1, AddImageFlagSingle), ErrInvalidArgument)

	settings = testEncoderSettings()
	settings.Quality = 101
	require.NoError(t, enc.SetSettings(settings))
	assert.ErrorIs(t, enc.AddImage(img, 1, AddImageFlagSingle), ErrInvalidArgument)

	settings = testEncoderSettings()
	settings.MaxQuantizer = 64
	require.NoError(t, enc.SetSettings(settings))
	assert.ErrorIs(t, enc.AddImage(img, 1, AddImageFlagSingle), ErrInvalidArgument)

	settings = testEncoderSettings()
	settings.TileColsLog2 = 7
	require.NoError(t, enc.SetSettings(settings))
	assert.ErrorIs(t, enc.AddImage(img, 1, AddImageFlagSingle), ErrInvalidArgument)
}

func TestEncoderSettingsFrozenAfterFirstFrame(t *testing.T) {
	enc := NewEncoder()
	require.NoError(t, enc.SetSettings(testEncoderSettings()))
	img := makeTestImage(t, 64, 64, 8, PixelFormatYuv420, false)
	require.NoError(t, enc.AddImage(img, 1, 0))
	assert.ErrorIs(t, enc.SetSettings(testEncoderSettings()), ErrCannotChangeSetting)
}

func TestEncoderRejectsEmptyImage(t *testing.T) {
	enc := NewEncoder()
	require.NoError(t, enc.SetSettings(testEncoderSettings()))
	assert.ErrorIs(t, enc.AddImage(nil, 1, 0), ErrNoContent)

	unallocated := NewImage(64, 64, 8, PixelFormatYuv420)
	assert.ErrorIs(t, enc.AddImage(unallocated, 1, 0), ErrNoContent)

	noFormat := NewImage(64, 64, 8, PixelFormatNone)
	assert.ErrorIs(t, enc.AddImage(noFormat, 1, 0), ErrNoYuvFormatSelected)
}

func TestEncoderGridCellValidation(t *testing.T) {
	enc := NewEncoder()
	require.NoError(t, enc.SetSettings(testEncoderSettings()))

	// Mismatched interior cell dimensions.
	cells := []*Image{
		makeTestImage(t, 64, 64, 8, PixelFormatYuv420, false),
		makeTestImage(t, 66, 64, 8, PixelFormatYuv420, false),
		makeTestImage(t, 64, 64, 8, PixelFormatYuv420, false),
		makeTestImage(t, 64, 64, 8, PixelFormatYuv420, false),
	}
	assert.ErrorIs(t, enc.AddImageGrid(cells, 2, 2, AddImageFlagSingle), ErrIncompatibleImage)

	// Mismatched depth.
	cells[1] = makeTestImage(t, 64, 64, 10, PixelFormatYuv420, false)
	assert.ErrorIs(t, enc.AddImageGrid(cells, 2, 2, AddImageFlagSingle), ErrIncompatibleImage)

	// Wrong cell count.
	assert.ErrorIs(t, enc.AddImageGrid(cells[:3], 2, 2, AddImageFlagSingle), ErrInvalidImageGrid)
}

func TestEncoderFinishEmpty(t *testing.T) {
	enc := NewEncoder()
	_, err := enc.Finish()
	assert.ErrorIs(t, err, ErrNoContent)
}

func TestEncoderOutputIsWellFormedBmff(t *testing.T) {
	img := makeTestImage(t, 64, 64, 8, PixelFormatYuv420, true)
	data := encodeStill(t, img)

	file, err := bmff.Parse(&MemoryIO{Data: data})
	require.NoError(t, err)
	assert.Equal(t, "avif", file.Ftyp.MajorBrand)
	require.NotNil(t, file.Meta)
	assert.Equal(t, uint32(1), file.Meta.PrimaryItemID)
	assert.Len(t, file.Meta.Iinf, 2)
	assert.NotEmpty(t, file.Meta.Iprp.Properties)
	assert.NotEmpty(t, file.Meta.Iprp.Associations)
	require.NotEmpty(t, file.Meta.Iloc.Items)
	// Every extent must land inside the file.
	for _, entry := range file.Meta.Iloc.Items {
		for _, extent := range entry.Extents {
			assert.LessOrEqual(t, extent.Offset+extent.Size, uint64(len(data)))
		}
	}
}

func TestEncoderSequenceOutputHasTracks(t *testing.T) {
	frames := []*Image{
		makeTestImage(t, 64, 64, 8, PixelFormatYuv420, false),
		makeTestImage(t, 64, 64, 8, PixelFormatYuv420, false),
	}
	data := encodeSequence(t, frames)
	file, err := bmff.Parse(&MemoryIO{Data: data})
	require.NoError(t, err)
	assert.Equal(t, "avis", file.Ftyp.MajorBrand)
	require.Len(t, file.Tracks, 1)
	track := file.Tracks[0]
	assert.Equal(t, uint32(64), track.Width)
	require.NotNil(t, track.SampleTable)
	assert.True(t, track.SampleTable.HasAv1Sample())
	assert.Len(t, track.SampleTable.SampleSizes, 2)
}

func TestBoxWriterNesting(t *testing.T) {
	w := &boxWriter{}
	w.beginBox("moov")
	w.beginFullBox("mvhd", 1, 0)
	w.writeU32(0xdeadbeef)
	w.endBox()
	w.endBox()
	data := w.bytes()
	// moov size covers the nested mvhd.
	assert.Equal(t, uint32(len(data)), uint32(data[3]))
	assert.Equal(t, "moov", string(data[4:8]))
	assert.Equal(t, "mvhd", string(data[12:16]))
}
