// Package goavif decodes and encodes AVIF images through the standard
// image package interfaces. The container machinery lives in the avif
// subpackage; this layer converts between avif.Image planes and
// image.Image values.
package goavif

import (
	"image"
	"image/color"
	"io"

	"github.com/webmproject/goavif/avif"

	_ "github.com/webmproject/goavif/aom"
	_ "github.com/webmproject/goavif/dav1d"
)

// Image is the result of DecodeAll: every frame of an animation plus its
// presentation delay in seconds.
type Image struct {
	Frames []image.Image
	Delay  []float64
	// LoopCount follows the decoder's repetition count: 0 plays once,
	// avif.RepetitionCountInfinite loops forever.
	LoopCount int
}

func newDecoder(r io.Reader) (*avif.Decoder, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	dec := avif.NewDecoder()
	dec.SetIOMemory(data)
	if err := dec.Parse(); err != nil {
		return nil, err
	}
	return dec, nil
}

// Decode reads the primary image (or the first frame of a sequence).
func Decode(r io.Reader) (image.Image, error) {
	dec, err := newDecoder(r)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	if err := dec.NextImage(); err != nil {
		return nil, err
	}
	return toImage(dec.Image())
}

// DecodeConfig reads only the image header.
func DecodeConfig(r io.Reader) (image.Config, error) {
	dec, err := newDecoder(r)
	if err != nil {
		return image.Config{}, err
	}
	defer dec.Close()
	img := dec.Image()
	model := color.Model(color.YCbCrModel)
	if img.AlphaPresent {
		model = color.NYCbCrAModel
	}
	if img.Depth > 8 {
		model = color.RGBA64Model
	}
	return image.Config{
		ColorModel: model,
		Width:      int(img.Width),
		Height:     int(img.Height),
	}, nil
}

// DecodeAll reads every frame of an image sequence.
func DecodeAll(r io.Reader) (*Image, error) {
	dec, err := newDecoder(r)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out := &Image{LoopCount: dec.RepetitionCount()}
	for i := uint32(0); i < dec.ImageCount(); i++ {
		if err := dec.NextImage(); err != nil {
			return nil, err
		}
		frame, err := toImage(dec.Image())
		if err != nil {
			return nil, err
		}
		out.Frames = append(out.Frames, frame)
		out.Delay = append(out.Delay, dec.ImageTiming().Duration)
	}
	return out, nil
}

// ExtractExif returns the raw Exif payload of the file, byte-exact. It
// can be fed to github.com/rwcarlsen/goexif/exif.Decode.
func ExtractExif(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	dec := avif.NewDecoder()
	settings := dec.Settings()
	settings.ImageContentToDecode = avif.ImageContentNone
	if err := dec.SetSettings(settings); err != nil {
		return nil, err
	}
	dec.SetIOMemory(data)
	if err := dec.Parse(); err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.Image().Exif, nil
}

func subsampleRatio(format avif.PixelFormat) image.YCbCrSubsampleRatio {
	switch format {
	case avif.PixelFormatYuv422:
		return image.YCbCrSubsampleRatio422
	case avif.PixelFormatYuv444:
		return image.YCbCrSubsampleRatio444
	default:
		return image.YCbCrSubsampleRatio420
	}
}

// toImage converts the decoder's current output into an image.Image,
// copying the planes out of the decoder-owned (or codec-borrowed)
// buffers.
func toImage(src *avif.Image) (image.Image, error) {
	if src == nil {
		return nil, avif.ErrNoContent
	}
	if src.Depth != 8 {
		return toImage16(src)
	}
	width := int(src.Width)
	height := int(src.Height)
	if src.YuvFormat == avif.PixelFormatYuv400 {
		gray := image.NewGray(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			row, err := src.Row(avif.PlaneY, uint32(y))
			if err != nil {
				return nil, err
			}
			copy(gray.Pix[y*gray.Stride:], row[:width])
		}
		return gray, nil
	}
	ratio := subsampleRatio(src.YuvFormat)
	rect := image.Rect(0, 0, width, height)
	copyPlanes := func(ycc *image.YCbCr) error {
		cWidth := int(src.PlaneWidth(avif.PlaneU))
		cHeight := int(src.PlaneHeight(avif.PlaneU))
		for y := 0; y < height; y++ {
			row, err := src.Row(avif.PlaneY, uint32(y))
			if err != nil {
				return err
			}
			copy(ycc.Y[y*ycc.YStride:], row[:width])
		}
		for y := 0; y < cHeight; y++ {
			cbRow, err := src.Row(avif.PlaneU, uint32(y))
			if err != nil {
				return err
			}
			crRow, err := src.Row(avif.PlaneV, uint32(y))
			if err != nil {
				return err
			}
			copy(ycc.Cb[y*ycc.CStride:], cbRow[:cWidth])
			copy(ycc.Cr[y*ycc.CStride:], crRow[:cWidth])
		}
		return nil
	}
	if src.HasAlpha() {
		nycc := image.NewNYCbCrA(rect, ratio)
		if err := copyPlanes(&nycc.YCbCr); err != nil {
			return nil, err
		}
		for y := 0; y < height; y++ {
			row, err := src.Row(avif.PlaneA, uint32(y))
			if err != nil {
				return nil, err
			}
			copy(nycc.A[y*nycc.AStride:], row[:width])
		}
		return nycc, nil
	}
	ycc := image.NewYCbCr(rect, ratio)
	if err := copyPlanes(ycc); err != nil {
		return nil, err
	}
	return ycc, nil
}

// toImage16 downconverts high-bit-depth output to 16-bit gray or RGBA64
// via a plain BT.601-style expansion; callers wanting exact colorimetry
// should use the avif package directly.
func toImage16(src *avif.Image) (image.Image, error) {
	width := int(src.Width)
	height := int(src.Height)
	shift := 16 - uint(src.Depth)
	if src.YuvFormat == avif.PixelFormatYuv400 && !src.HasAlpha() {
		gray := image.NewGray16(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			row, err := src.Row16(avif.PlaneY, uint32(y))
			if err != nil {
				return nil, err
			}
			for x := 0; x < width; x++ {
				v := row[x] << shift
				gray.Pix[y*gray.Stride+x*2] = uint8(v >> 8)
				gray.Pix[y*gray.Stride+x*2+1] = uint8(v)
			}
		}
		return gray, nil
	}
	out := image.NewRGBA64(image.Rect(0, 0, width, height))
	maxChannel := float64(src.MaxChannel())
	shiftX := src.YuvFormat.ChromaShiftX()
	shiftY := src.YuvFormat.ChromaShiftY()
	for y := 0; y < height; y++ {
		yRow, err := src.Row16(avif.PlaneY, uint32(y))
		if err != nil {
			return nil, err
		}
		var cbRow, crRow []uint16
		if src.YuvFormat != avif.PixelFormatYuv400 {
			if cbRow, err = src.Row16(avif.PlaneU, uint32(y)>>shiftY); err != nil {
				return nil, err
			}
			if crRow, err = src.Row16(avif.PlaneV, uint32(y)>>shiftY); err != nil {
				return nil, err
			}
		}
		var aRow []uint16
		if src.HasAlpha() {
			if aRow, err = src.Row16(avif.PlaneA, uint32(y)); err != nil {
				return nil, err
			}
		}
		for x := 0; x < width; x++ {
			yv := float64(yRow[x]) / maxChannel
			cb := 0.5
			cr := 0.5
			if cbRow != nil {
				cb = float64(cbRow[uint32(x)>>shiftX]) / maxChannel
				cr = float64(crRow[uint32(x)>>shiftX]) / maxChannel
			}
			r := yv + 1.402*(cr-0.5)
			g := yv - 0.344136*(cb-0.5) - 0.714136*(cr-0.5)
			b := yv + 1.772*(cb-0.5)
			clamp := func(v float64) uint16 {
				if v < 0 {
					return 0
				}
				if v > 1 {
					return 0xffff
				}
				return uint16(v * 0xffff)
			}
			alpha := uint16(0xffff)
			if aRow != nil {
				alpha = uint16(float64(aRow[x]) / maxChannel * 0xffff)
			}
			out.SetRGBA64(x, y, color.RGBA64{R: clamp(r), G: clamp(g), B: clamp(b), A: alpha})
		}
	}
	return out, nil
}

func decodeForRegistry(r io.Reader) (image.Image, error) { return Decode(r) }

func decodeConfigForRegistry(r io.Reader) (image.Config, error) {
	return DecodeConfig(r)
}

func init() {
	// The brand lives at byte 8; the size field before ftyp varies.
	image.RegisterFormat("avif", "????ftypavif", decodeForRegistry, decodeConfigForRegistry)
	image.RegisterFormat("avif", "????ftypavis", decodeForRegistry, decodeConfigForRegistry)
	image.RegisterFormat("avif", "????ftypmif1", decodeForRegistry, decodeConfigForRegistry)
}
