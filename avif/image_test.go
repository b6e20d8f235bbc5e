package avif

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatePlanes(t *testing.T) {
	img := NewImage(100, 50, 8, PixelFormatYuv420)
	require.NoError(t, img.AllocatePlanes(CategoryColor))
	assert.True(t, img.HasPlane(PlaneY))
	assert.True(t, img.HasPlane(PlaneU))
	assert.True(t, img.HasPlane(PlaneV))
	assert.False(t, img.HasPlane(PlaneA))
	assert.True(t, img.ImageOwnsPlane(PlaneY))
	assert.Equal(t, uint32(100), img.PlaneWidth(PlaneY))
	assert.Equal(t, uint32(50), img.PlaneWidth(PlaneU))
	assert.Equal(t, uint32(25), img.PlaneHeight(PlaneU))

	require.NoError(t, img.AllocatePlanes(CategoryAlpha))
	require.True(t, img.HasAlpha())
	// The alpha plane is allocated opaque.
	row, err := img.Row(PlaneA, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(255), row[0])

	img.FreePlanes([]Plane{PlaneA})
	assert.False(t, img.HasAlpha())
}

func TestAllocatePlanesOddDimensions(t *testing.T) {
	img := NewImage(101, 51, 8, PixelFormatYuv420)
	require.NoError(t, img.AllocatePlanes(CategoryColor))
	assert.Equal(t, uint32(51), img.PlaneWidth(PlaneU))
	assert.Equal(t, uint32(26), img.PlaneHeight(PlaneU))
}

func TestAllocatePlanesHighDepth(t *testing.T) {
	img := NewImage(16, 16, 10, PixelFormatYuv444)
	require.NoError(t, img.AllocatePlanes(CategoryColor))
	require.NoError(t, img.AllocatePlanes(CategoryAlpha))
	row, err := img.Row16(PlaneA, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(1023), row[0])
	_, err = img.Row(PlaneY, 0)
	assert.Error(t, err)
}

func TestAllocatePlanesInvalid(t *testing.T) {
	img := NewImage(0, 0, 8, PixelFormatYuv420)
	assert.ErrorIs(t, img.AllocatePlanes(CategoryColor), ErrInvalidArgument)
	bad := NewImage(4, 4, 9, PixelFormatYuv420)
	assert.ErrorIs(t, bad.AllocatePlanes(CategoryColor), ErrUnsupportedDepth)
}

func TestAlphaToFullRange(t *testing.T) {
	img := NewImage(4, 1, 8, PixelFormatYuv420)
	img.YuvRange = YuvRangeLimited
	require.NoError(t, img.AllocatePlanes(CategoryAlpha))
	row, err := img.Row(PlaneA, 0)
	require.NoError(t, err)
	copy(row, []byte{16, 235, 126, 0})
	require.NoError(t, img.alphaToFullRange())
	assert.Equal(t, YuvRangeFull, img.YuvRange)
	row, err = img.Row(PlaneA, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0), row[0])
	assert.Equal(t, byte(255), row[1])
	// Values below the limited floor clamp to zero.
	assert.Equal(t, byte(0), row[3])
}

func TestCopyFromTileStitching(t *testing.T) {
	// Two 64x64 tiles into a 100x64 canvas: the second column is clipped.
	dst := NewImage(100, 64, 8, PixelFormatYuv444)
	require.NoError(t, dst.AllocatePlanes(CategoryColor))
	grid := &Grid{Rows: 1, Columns: 2, Width: 100, Height: 64}
	for index := 0; index < 2; index++ {
		tile := NewImage(64, 64, 8, PixelFormatYuv444)
		require.NoError(t, tile.AllocatePlanes(CategoryColor))
		for y := uint32(0); y < 64; y++ {
			row, err := tile.Row(PlaneY, y)
			require.NoError(t, err)
			for x := range row {
				row[x] = byte(index + 1)
			}
		}
		require.NoError(t, dst.copyFromTile(tile, grid, uint32(index), CategoryColor))
	}
	row, err := dst.Row(PlaneY, 10)
	require.NoError(t, err)
	assert.Equal(t, byte(1), row[0])
	assert.Equal(t, byte(1), row[63])
	assert.Equal(t, byte(2), row[64])
	assert.Equal(t, byte(2), row[99])
}

func TestScaleDownAndNoUpscale(t *testing.T) {
	img := NewImage(64, 64, 8, PixelFormatYuv420)
	require.NoError(t, img.AllocatePlanes(CategoryColor))
	require.NoError(t, img.Scale(32, 32, CategoryColor))
	assert.Equal(t, uint32(32), img.Width)
	assert.Equal(t, uint32(32), img.Height)
	assert.True(t, img.HasPlane(PlaneY))

	assert.ErrorIs(t, img.Scale(64, 64, CategoryColor), ErrNotImplemented)
	assert.ErrorIs(t, img.Scale(0, 16, CategoryColor), ErrInvalidArgument)
}

func TestCopyFrom(t *testing.T) {
	src := NewImage(32, 32, 8, PixelFormatYuv420)
	src.SetExif([]byte{1, 2, 3})
	src.SetICC([]byte{4, 5})
	require.NoError(t, src.AllocatePlanes(CategoryColor))
	row, err := src.Row(PlaneY, 3)
	require.NoError(t, err)
	row[5] = 77

	var dst Image
	require.NoError(t, dst.CopyFrom(src, CategoryColor))
	assert.Equal(t, src.Width, dst.Width)
	assert.Equal(t, []byte{1, 2, 3}, dst.Exif)
	assert.Equal(t, []byte{4, 5}, dst.ICC)
	gotRow, err := dst.Row(PlaneY, 3)
	require.NoError(t, err)
	assert.Equal(t, byte(77), gotRow[5])
	// The copy owns its planes independently.
	row[5] = 1
	assert.Equal(t, byte(77), gotRow[5])
}

func TestView(t *testing.T) {
	img := NewImage(64, 64, 8, PixelFormatYuv420)
	require.NoError(t, img.AllocatePlanes(CategoryColor))
	row, err := img.Row(PlaneY, 10)
	require.NoError(t, err)
	row[20] = 42

	view, err := img.View(CropRect{X: 16, Y: 8, Width: 32, Height: 32})
	require.NoError(t, err)
	assert.Equal(t, uint32(32), view.Width)
	assert.False(t, view.ImageOwnsPlane(PlaneY))
	viewRow, err := view.Row(PlaneY, 2)
	require.NoError(t, err)
	assert.Equal(t, byte(42), viewRow[4])
	// A view aliases the backing planes.
	row[20] = 43
	assert.Equal(t, byte(43), viewRow[4])

	_, err = img.View(CropRect{X: 1, Y: 0, Width: 32, Height: 32})
	assert.ErrorIs(t, err, ErrInvalidArgument, "misaligned for 4:2:0")
	_, err = img.View(CropRect{X: 0, Y: 0, Width: 128, Height: 32})
	assert.ErrorIs(t, err, ErrInvalidArgument, "out of bounds")
}

func TestConvertRGBA16ToYUVA(t *testing.T) {
	img := NewImage(8, 8, 8, PixelFormatYuv420)
	img.MatrixCoefficients = MatrixCoefficientsBT601
	// Opaque white maps to full luma, centered chroma, opaque alpha.
	out := img.convertRGBA16ToYUVA([4]uint16{0xffff, 0xffff, 0xffff, 0xffff})
	assert.Equal(t, uint16(255), out[0])
	assert.Equal(t, uint16(128), out[1])
	assert.Equal(t, uint16(128), out[2])
	assert.Equal(t, uint16(255), out[3])
}
