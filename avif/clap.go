package avif

import "github.com/webmproject/goavif/avif/bmff"

// CropRect is a clean-aperture crop expressed in integer pixels.
type CropRect struct {
	X      uint32
	Y      uint32
	Width  uint32
	Height uint32
}

// fraction is a signed rational used only for clean-aperture math. The
// denominator is always positive.
type fraction struct {
	n int64
	d int64
}

func (f fraction) isValid() bool { return f.d != 0 }

func (f fraction) add(o fraction) fraction {
	return fraction{n: f.n*o.d + o.n*f.d, d: f.d * o.d}
}

func (f fraction) sub(o fraction) fraction {
	return fraction{n: f.n*o.d - o.n*f.d, d: f.d * o.d}
}

func (f fraction) isInteger() bool { return f.n%f.d == 0 }

func (f fraction) integer() int64 { return f.n / f.d }

func ufractionToFraction(uf bmff.UFraction) fraction {
	// The numerator is signed on the wire even though the box stores it as
	// an unsigned field (offsets may be negative).
	return fraction{n: int64(int32(uf.N)), d: int64(uf.D)}
}

func validCropAlignment(rect CropRect, format PixelFormat) bool {
	switch format {
	case PixelFormatYuv420:
		return rect.X%2 == 0 && rect.Y%2 == 0 && rect.Width%2 == 0 && rect.Height%2 == 0
	case PixelFormatYuv422:
		return rect.X%2 == 0 && rect.Width%2 == 0
	}
	return true
}

// CropRectFromCleanAperture converts a clap property into a crop
// rectangle over an imageW x imageH image, validating geometry and the
// subsampling alignment constraints of the pixel format.
func CropRectFromCleanAperture(clap *bmff.CleanAperture, imageW, imageH uint32, format PixelFormat) (CropRect, error) {
	width := ufractionToFraction(clap.Width)
	height := ufractionToFraction(clap.Height)
	horizOff := ufractionToFraction(clap.HorizOff)
	vertOff := ufractionToFraction(clap.VertOff)
	for _, f := range []fraction{width, height, horizOff, vertOff} {
		if !f.isValid() {
			return CropRect{}, resultError(ResultInvalidArgument, "clap contains a zero denominator")
		}
	}
	if !width.isInteger() || !height.isInteger() || width.n <= 0 || height.n <= 0 {
		return CropRect{}, resultError(ResultInvalidArgument, "clap width or height is not a positive integer")
	}

	// The offsets locate the center of the clean aperture relative to the
	// center of the full image:
	//   pcX = horizOff + (W - 1) / 2
	//   pcY = vertOff + (H - 1) / 2
	//   left = pcX - (width - 1) / 2
	//   top = pcY - (height - 1) / 2
	pcX := horizOff.add(fraction{n: int64(imageW) - 1, d: 2})
	pcY := vertOff.add(fraction{n: int64(imageH) - 1, d: 2})
	left := pcX.sub(fraction{n: width.integer() - 1, d: 2})
	top := pcY.sub(fraction{n: height.integer() - 1, d: 2})
	if !left.isInteger() || !top.isInteger() || left.n < 0 || top.n < 0 {
		return CropRect{}, resultError(ResultInvalidArgument, "clap origin is not a nonnegative integer")
	}

	rect := CropRect{
		X:      uint32(left.integer()),
		Y:      uint32(top.integer()),
		Width:  uint32(width.integer()),
		Height: uint32(height.integer()),
	}
	if uint64(rect.X)+uint64(rect.Width) > uint64(imageW) ||
		uint64(rect.Y)+uint64(rect.Height) > uint64(imageH) {
		return CropRect{}, resultError(ResultInvalidArgument, "clap rectangle is not inside the image")
	}
	if !validCropAlignment(rect, format) {
		return CropRect{}, resultError(ResultInvalidArgument, "clap rectangle is misaligned for %s", format)
	}
	return rect, nil
}

// CleanApertureFromCropRect is the inverse conversion. The rectangle must
// lie wholly inside the image and satisfy the subsampling alignment of
// the pixel format.
func CleanApertureFromCropRect(rect CropRect, imageW, imageH uint32, format PixelFormat) (bmff.CleanAperture, error) {
	if rect.Width == 0 || rect.Height == 0 ||
		uint64(rect.X)+uint64(rect.Width) > uint64(imageW) ||
		uint64(rect.Y)+uint64(rect.Height) > uint64(imageH) {
		return bmff.CleanAperture{}, resultError(ResultInvalidArgument, "crop rectangle is not inside the image")
	}
	if !validCropAlignment(rect, format) {
		return bmff.CleanAperture{}, resultError(ResultInvalidArgument, "crop rectangle is misaligned for %s", format)
	}
	// horizOff = (2*x + width - W) / 2, in halves so odd sums stay exact.
	horizOffN := 2*int64(rect.X) + int64(rect.Width) - int64(imageW)
	vertOffN := 2*int64(rect.Y) + int64(rect.Height) - int64(imageH)
	return bmff.CleanAperture{
		Width:    bmff.UFraction{N: rect.Width, D: 1},
		Height:   bmff.UFraction{N: rect.Height, D: 1},
		HorizOff: bmff.UFraction{N: uint32(int32(horizOffN)), D: 2},
		VertOff:  bmff.UFraction{N: uint32(int32(vertOffN)), D: 2},
	}, nil
}
