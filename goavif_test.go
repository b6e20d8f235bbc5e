package goavif_test

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webmproject/goavif"
	"github.com/webmproject/goavif/avif"
)

// A pass-through codec pair stands in for libdav1d so the image-level
// API can be exercised hermetically. Registering over the dav1d slot
// makes auto codec resolution pick it up.

const testPayloadMagic = "TPAY"

type passThroughEncoder struct{}

func (passThroughEncoder) EncodeImage(_ *avif.EncoderSettings, img *avif.Image, category avif.Category, _ bool, _ int) ([]byte, error) {
	payload := []byte(testPayloadMagic)
	payload = binary.BigEndian.AppendUint32(payload, img.Width)
	payload = binary.BigEndian.AppendUint32(payload, img.Height)
	payload = append(payload, byte(category))
	planes := []avif.Plane{avif.PlaneY, avif.PlaneU, avif.PlaneV}
	if category == avif.CategoryAlpha {
		planes = []avif.Plane{avif.PlaneA}
	}
	for _, plane := range planes {
		if !img.HasPlane(plane) {
			continue
		}
		width := img.PlaneWidth(plane)
		for y := uint32(0); y < img.PlaneHeight(plane); y++ {
			row, err := img.Row(plane, y)
			if err != nil {
				return nil, err
			}
			payload = append(payload, row[:width]...)
		}
	}
	return payload, nil
}

func (passThroughEncoder) Close() {}

type passThroughDecoder struct {
	config  *avif.DecoderConfig
	pending [][]byte
}

func (c *passThroughDecoder) Initialize(config *avif.DecoderConfig) error {
	c.config = config
	return nil
}

func (c *passThroughDecoder) Submit(payload []byte, _ uint8) error {
	if len(payload) < 13 || string(payload[:4]) != testPayloadMagic {
		return fmt.Errorf("bad test payload")
	}
	c.pending = append(c.pending, payload)
	return nil
}

func (c *passThroughDecoder) NextFrame(img *avif.Image) error {
	if len(c.pending) == 0 {
		return fmt.Errorf("no frame pending")
	}
	payload := c.pending[0]
	c.pending = c.pending[1:]
	img.Width = binary.BigEndian.Uint32(payload[4:])
	img.Height = binary.BigEndian.Uint32(payload[8:])
	img.Depth = 8
	img.YuvFormat = avif.PixelFormatYuv420
	img.YuvRange = avif.YuvRangeFull
	category := avif.Category(payload[12])
	data := payload[13:]
	if err := img.AllocatePlanes(category); err != nil {
		return err
	}
	planes := []avif.Plane{avif.PlaneY, avif.PlaneU, avif.PlaneV}
	if category == avif.CategoryAlpha {
		planes = []avif.Plane{avif.PlaneA}
	}
	offset := 0
	for _, plane := range planes {
		if !img.HasPlane(plane) {
			continue
		}
		width := int(img.PlaneWidth(plane))
		for y := uint32(0); y < img.PlaneHeight(plane); y++ {
			row, err := img.Row(plane, y)
			if err != nil {
				return err
			}
			copy(row[:width], data[offset:])
			offset += width
		}
	}
	return nil
}

func (c *passThroughDecoder) Flush() error {
	c.pending = nil
	return nil
}

func (c *passThroughDecoder) Close() {}

func init() {
	avif.RegisterCodec(avif.CodecChoiceDav1d, func() (avif.Codec, error) {
		return &passThroughDecoder{}, nil
	})
	avif.RegisterEncoderCodec(avif.CodecChoiceAom, func() (avif.EncoderCodec, error) {
		return passThroughEncoder{}, nil
	})
}

func encodeTestFile(t *testing.T, width, height uint32, withAlpha bool) []byte {
	t.Helper()
	img := avif.NewImage(width, height, 8, avif.PixelFormatYuv420)
	img.YuvRange = avif.YuvRangeFull
	img.ColorPrimaries = avif.ColorPrimariesBT709
	img.TransferCharacteristics = avif.TransferCharacteristicsSRGB
	img.MatrixCoefficients = avif.MatrixCoefficientsBT601
	require.NoError(t, img.AllocatePlanes(avif.CategoryColor))
	if withAlpha {
		img.AlphaPresent = true
		require.NoError(t, img.AllocatePlanes(avif.CategoryAlpha))
	}
	for y := uint32(0); y < height; y++ {
		row, err := img.Row(avif.PlaneY, y)
		require.NoError(t, err)
		for x := range row {
			row[x] = byte((uint32(x) + y) % 251)
		}
	}
	enc := avif.NewEncoder()
	require.NoError(t, enc.AddImage(img, 1, avif.AddImageFlagSingle))
	data, err := enc.Finish()
	require.NoError(t, err)
	return data
}

func TestDecode(t *testing.T) {
	data := encodeTestFile(t, 80, 60, false)
	img, err := goavif.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	ycc, ok := img.(*image.YCbCr)
	require.True(t, ok, "expected YCbCr, got %T", img)
	assert.Equal(t, 80, ycc.Bounds().Dx())
	assert.Equal(t, 60, ycc.Bounds().Dy())
	assert.Equal(t, image.YCbCrSubsampleRatio420, ycc.SubsampleRatio)
	// Spot-check the gradient survived the round trip.
	assert.Equal(t, byte(0), ycc.Y[0])
	assert.Equal(t, byte(5), ycc.Y[5])
}

func TestDecodeWithAlpha(t *testing.T) {
	data := encodeTestFile(t, 64, 64, true)
	img, err := goavif.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	_, ok := img.(*image.NYCbCrA)
	assert.True(t, ok, "expected NYCbCrA, got %T", img)
}

func TestDecodeConfig(t *testing.T) {
	data := encodeTestFile(t, 120, 90, false)
	config, err := goavif.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 120, config.Width)
	assert.Equal(t, 90, config.Height)
}

func TestImageRegistration(t *testing.T) {
	data := encodeTestFile(t, 64, 48, false)
	config, format, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "avif", format)
	assert.Equal(t, 64, config.Width)

	img, format, err := image.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "avif", format)
	assert.Equal(t, 48, img.Bounds().Dy())
}

func TestDecodeGarbage(t *testing.T) {
	_, err := goavif.Decode(bytes.NewReader([]byte("definitely not an avif")))
	assert.Error(t, err)
}
