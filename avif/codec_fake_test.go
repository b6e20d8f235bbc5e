package avif

import (
	"encoding/binary"
	"fmt"
)

// The fake codec round-trips planes verbatim through a private payload
// format, so the container, tile and assembly machinery can be exercised
// deterministically without an AV1 library.

const fakePayloadMagic = "GOAV"

type fakeEncoderCodec struct{}

func (fakeEncoderCodec) EncodeImage(_ *EncoderSettings, img *Image, category Category, _ bool, extraLayerCount int) ([]byte, error) {
	if extraLayerCount > 0 {
		return nil, fmt.Errorf("fake: layered encoding unsupported")
	}
	payload := []byte(fakePayloadMagic)
	payload = binary.BigEndian.AppendUint32(payload, img.Width)
	payload = binary.BigEndian.AppendUint32(payload, img.Height)
	payload = append(payload, img.Depth, byte(img.YuvFormat), byte(img.YuvRange), byte(category))
	planes := category.Planes()
	if category != CategoryAlpha && img.YuvFormat == PixelFormatYuv400 {
		planes = []Plane{PlaneY}
	}
	for _, plane := range planes {
		srcPlane := plane
		if category == CategoryAlpha {
			// Alpha travels as a monochrome stream.
			srcPlane = PlaneA
		}
		if !img.HasPlane(srcPlane) {
			continue
		}
		width := img.PlaneWidth(srcPlane)
		height := img.PlaneHeight(srcPlane)
		for y := uint32(0); y < height; y++ {
			if img.Depth == 8 {
				row, err := img.Row(srcPlane, y)
				if err != nil {
					return nil, err
				}
				payload = append(payload, row[:width]...)
			} else {
				row, err := img.Row16(srcPlane, y)
				if err != nil {
					return nil, err
				}
				for x := uint32(0); x < width; x++ {
					payload = binary.BigEndian.AppendUint16(payload, row[x])
				}
			}
		}
	}
	return payload, nil
}

func (fakeEncoderCodec) Close() {}

type fakeCodec struct {
	config  *DecoderConfig
	pending [][]byte
}

func (c *fakeCodec) Initialize(config *DecoderConfig) error {
	c.config = config
	return nil
}

func (c *fakeCodec) Submit(payload []byte, spatialID uint8) error {
	if len(payload) < 16 || string(payload[:4]) != fakePayloadMagic {
		return fmt.Errorf("fake: bad payload")
	}
	c.pending = append(c.pending, payload)
	return nil
}

func (c *fakeCodec) NextFrame(img *Image) error {
	if len(c.pending) == 0 {
		return fmt.Errorf("fake: no frame pending")
	}
	payload := c.pending[0]
	c.pending = c.pending[1:]

	width := binary.BigEndian.Uint32(payload[4:])
	height := binary.BigEndian.Uint32(payload[8:])
	depth := payload[12]
	format := PixelFormat(payload[13])
	yuvRange := YuvRange(payload[14])
	category := Category(payload[15])
	data := payload[16:]

	img.Width = width
	img.Height = height
	img.Depth = depth
	img.YuvRange = yuvRange
	img.YuvFormat = format
	// Rebuild owned planes from the payload.
	allocCategory := CategoryColor
	if category == CategoryAlpha {
		allocCategory = CategoryAlpha
	}
	if err := img.AllocatePlanes(allocCategory); err != nil {
		return err
	}
	planes := category.Planes()
	if category != CategoryAlpha && format == PixelFormatYuv400 {
		planes = []Plane{PlaneY}
	}
	offset := 0
	for _, plane := range planes {
		dstPlane := plane
		if category == CategoryAlpha {
			dstPlane = PlaneA
		}
		if !img.HasPlane(dstPlane) {
			continue
		}
		planeWidth := int(img.PlaneWidth(dstPlane))
		planeHeight := int(img.PlaneHeight(dstPlane))
		for y := 0; y < planeHeight; y++ {
			if depth == 8 {
				row, err := img.Row(dstPlane, uint32(y))
				if err != nil {
					return err
				}
				copy(row[:planeWidth], data[offset:])
				offset += planeWidth
			} else {
				row, err := img.Row16(dstPlane, uint32(y))
				if err != nil {
					return err
				}
				for x := 0; x < planeWidth; x++ {
					row[x] = binary.BigEndian.Uint16(data[offset:])
					offset += 2
				}
			}
		}
	}
	return nil
}

func (c *fakeCodec) Flush() error {
	c.pending = nil
	return nil
}

func (c *fakeCodec) Close() {}

// The fake pair registers under the libgav1 slot, which no real binding
// in this module claims; tests select it explicitly.
func init() {
	RegisterCodec(CodecChoiceLibgav1, func() (Codec, error) {
		return &fakeCodec{}, nil
	})
	RegisterEncoderCodec(CodecChoiceLibgav1, func() (EncoderCodec, error) {
		return fakeEncoderCodec{}, nil
	})
}
