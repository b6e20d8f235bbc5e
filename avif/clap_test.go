package avif

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webmproject/goavif/avif/bmff"
)

func TestCropRectFromCleanAperture(t *testing.T) {
	// A 96x132 aperture centered with no offset on a 120x160 image.
	clap := &bmff.CleanAperture{
		Width:    bmff.UFraction{N: 96, D: 1},
		Height:   bmff.UFraction{N: 132, D: 1},
		HorizOff: bmff.UFraction{N: 0, D: 1},
		VertOff:  bmff.UFraction{N: 0, D: 1},
	}
	rect, err := CropRectFromCleanAperture(clap, 120, 160, PixelFormatYuv420)
	require.NoError(t, err)
	assert.Equal(t, CropRect{X: 12, Y: 14, Width: 96, Height: 132}, rect)
}

func TestCropRectFromCleanApertureZeroDenominator(t *testing.T) {
	clap := &bmff.CleanAperture{
		Width:    bmff.UFraction{N: 96, D: 0},
		Height:   bmff.UFraction{N: 132, D: 1},
		HorizOff: bmff.UFraction{N: 0, D: 1},
		VertOff:  bmff.UFraction{N: 0, D: 1},
	}
	_, err := CropRectFromCleanAperture(clap, 120, 160, PixelFormatYuv444)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCropRectFromCleanApertureOutOfBounds(t *testing.T) {
	clap := &bmff.CleanAperture{
		Width:    bmff.UFraction{N: 200, D: 1},
		Height:   bmff.UFraction{N: 100, D: 1},
		HorizOff: bmff.UFraction{N: 0, D: 1},
		VertOff:  bmff.UFraction{N: 0, D: 1},
	}
	_, err := CropRectFromCleanAperture(clap, 120, 160, PixelFormatYuv444)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCropRectSubsamplingAlignment(t *testing.T) {
	// An odd-width aperture is fine for 4:4:4 but not for 4:2:0 or 4:2:2.
	clap := &bmff.CleanAperture{
		Width:    bmff.UFraction{N: 95, D: 1},
		Height:   bmff.UFraction{N: 131, D: 1},
		HorizOff: bmff.UFraction{N: 0, D: 2},
		VertOff:  bmff.UFraction{N: 0, D: 2},
	}
	// Center with odd size on odd-difference dims keeps integer origin.
	_, err444 := CropRectFromCleanAperture(clap, 121, 161, PixelFormatYuv444)
	assert.NoError(t, err444)
	_, err420 := CropRectFromCleanAperture(clap, 121, 161, PixelFormatYuv420)
	assert.ErrorIs(t, err420, ErrInvalidArgument)
	_, err422 := CropRectFromCleanAperture(clap, 121, 161, PixelFormatYuv422)
	assert.ErrorIs(t, err422, ErrInvalidArgument)
}

func TestCleanApertureRoundTrip(t *testing.T) {
	// Conversion both ways is the identity on aligned in-bounds rects.
	cases := []struct {
		rect   CropRect
		w, h   uint32
		format PixelFormat
	}{
		{CropRect{X: 12, Y: 14, Width: 96, Height: 132}, 120, 160, PixelFormatYuv420},
		{CropRect{X: 0, Y: 0, Width: 64, Height: 64}, 64, 64, PixelFormatYuv420},
		{CropRect{X: 2, Y: 1, Width: 60, Height: 63}, 64, 64, PixelFormatYuv422},
		{CropRect{X: 3, Y: 5, Width: 7, Height: 9}, 31, 33, PixelFormatYuv444},
	}
	for _, tc := range cases {
		clap, err := CleanApertureFromCropRect(tc.rect, tc.w, tc.h, tc.format)
		require.NoError(t, err)
		rect, err := CropRectFromCleanAperture(&clap, tc.w, tc.h, tc.format)
		require.NoError(t, err)
		assert.Equal(t, tc.rect, rect)
	}
}

func TestCleanApertureFromCropRectRejectsMisaligned(t *testing.T) {
	_, err := CleanApertureFromCropRect(CropRect{X: 1, Y: 0, Width: 64, Height: 64}, 128, 128, PixelFormatYuv420)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = CleanApertureFromCropRect(CropRect{X: 0, Y: 0, Width: 65, Height: 64}, 128, 128, PixelFormatYuv422)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
