package avif

import "math"

// Scale resizes the planes of the given category in place. Only
// downscaling (or identity) is supported; upscaling a decoded image is
// the caller's business and fails with ErrNotImplemented. The nearest
// sample is taken per destination position, which is what tile
// harmonization after layered decoding needs.
func (img *Image) Scale(dstWidth, dstHeight uint32, category Category) error {
	if dstWidth == img.Width && dstHeight == img.Height {
		return nil
	}
	if dstWidth == 0 || dstHeight == 0 {
		return ErrInvalidArgument
	}
	if dstWidth > img.Width || dstHeight > img.Height {
		return ErrNotImplemented
	}
	src := &Image{}
	src.Width = img.Width
	src.Height = img.Height
	src.Depth = img.Depth
	src.YuvFormat = img.YuvFormat
	src.planes = img.planes
	src.planes16 = img.planes16
	src.RowBytes = img.RowBytes

	img.Width = dstWidth
	img.Height = dstHeight
	for i := range img.planes {
		img.planes[i] = nil
		img.planes16[i] = nil
		img.RowBytes[i] = 0
	}
	if err := img.AllocatePlanes(category); err != nil {
		return err
	}
	scaleX := float64(src.Width) / float64(dstWidth)
	scaleY := float64(src.Height) / float64(dstHeight)
	for _, plane := range category.Planes() {
		if !src.HasPlane(plane) {
			img.FreePlanes([]Plane{plane})
			continue
		}
		width := img.PlaneWidth(plane)
		height := img.PlaneHeight(plane)
		srcWidth := src.PlaneWidth(plane)
		srcHeight := src.PlaneHeight(plane)
		for y := uint32(0); y < height; y++ {
			srcY := uint32(math.Floor(float64(y) * scaleY))
			if srcY >= srcHeight {
				srcY = srcHeight - 1
			}
			if img.Depth == 8 {
				srcRow, err := src.Row(plane, srcY)
				if err != nil {
					return err
				}
				dstRow, err := img.Row(plane, y)
				if err != nil {
					return err
				}
				for x := uint32(0); x < width; x++ {
					srcX := uint32(math.Floor(float64(x) * scaleX))
					if srcX >= srcWidth {
						srcX = srcWidth - 1
					}
					dstRow[x] = srcRow[srcX]
				}
			} else {
				srcRow, err := src.Row16(plane, srcY)
				if err != nil {
					return err
				}
				dstRow, err := img.Row16(plane, y)
				if err != nil {
					return err
				}
				for x := uint32(0); x < width; x++ {
					srcX := uint32(math.Floor(float64(x) * scaleX))
					if srcX >= srcWidth {
						srcX = srcWidth - 1
					}
					dstRow[x] = srcRow[srcX]
				}
			}
		}
	}
	return nil
}

// yuvCoefficients returns the luma weights for the image's matrix
// coefficients; used to seed overlay canvas fill conversion.
func (img *Image) yuvCoefficients() (kr, kg, kb float64) {
	switch img.MatrixCoefficients {
	case MatrixCoefficientsBT601:
		return 0.299, 0.587, 0.114
	case MatrixCoefficientsBT2020NCL:
		return 0.2627, 0.6780, 0.0593
	default:
		return 0.2126, 0.7152, 0.0722 // BT.709
	}
}

// convertRGBA16ToYUVA maps a 16-bit RGBA canvas fill value into per-plane
// sample values at the image's depth.
func (img *Image) convertRGBA16ToYUVA(rgba [4]uint16) [maxPlaneCount]uint16 {
	r := float64(rgba[0]) / 65535.0
	g := float64(rgba[1]) / 65535.0
	b := float64(rgba[2]) / 65535.0
	kr, kg, kb := img.yuvCoefficients()
	y := kr*r + kg*g + kb*b
	u := (b - y) / (2.0 * (1.0 - kb))
	v := (r - y) / (2.0 * (1.0 - kr))
	maxChannel := float64(img.MaxChannel())
	uvBias := float64(uint32(1) << (img.Depth - 1))
	clamp := func(val float64) uint16 {
		if val < 0 {
			return 0
		}
		if val > maxChannel {
			return uint16(maxChannel)
		}
		return uint16(math.Round(val))
	}
	return [maxPlaneCount]uint16{
		clamp(y * maxChannel),
		clamp(u*maxChannel + uvBias),
		clamp(v*maxChannel + uvBias),
		clamp(math.Round(float64(rgba[3]) / 65535.0 * maxChannel)),
	}
}
