package avif

import "github.com/webmproject/goavif/avif/bmff"

// CodecConfiguration abstracts over the av1C and hvcC records attached to
// an item or a track sample description.
type CodecConfiguration interface {
	Depth() uint8
	PixelFormat() PixelFormat
	ChromaSamplePosition() ChromaSamplePosition
	IsAV1() bool
	RawData() []byte
}

type av1Configuration struct {
	raw *bmff.Av1CodecConfiguration
}

func (c av1Configuration) Depth() uint8 { return c.raw.Depth() }

func (c av1Configuration) PixelFormat() PixelFormat {
	switch {
	case c.raw.Monochrome:
		return PixelFormatYuv400
	case c.raw.ChromaSubsamplingX == 1 && c.raw.ChromaSubsamplingY == 1:
		return PixelFormatYuv420
	case c.raw.ChromaSubsamplingX == 1:
		return PixelFormatYuv422
	default:
		return PixelFormatYuv444
	}
}

func (c av1Configuration) ChromaSamplePosition() ChromaSamplePosition {
	return ChromaSamplePosition(c.raw.ChromaSamplePosition)
}

func (c av1Configuration) IsAV1() bool     { return true }
func (c av1Configuration) RawData() []byte { return c.raw.RawData }

func (c av1Configuration) equal(other CodecConfiguration) bool {
	o, ok := other.(av1Configuration)
	if !ok {
		return false
	}
	a, b := c.raw, o.raw
	return a.SeqProfile == b.SeqProfile &&
		a.SeqLevelIdx0 == b.SeqLevelIdx0 &&
		a.SeqTier0 == b.SeqTier0 &&
		a.HighBitdepth == b.HighBitdepth &&
		a.TwelveBit == b.TwelveBit &&
		a.Monochrome == b.Monochrome &&
		a.ChromaSubsamplingX == b.ChromaSubsamplingX &&
		a.ChromaSubsamplingY == b.ChromaSubsamplingY &&
		a.ChromaSamplePosition == b.ChromaSamplePosition
}

type hevcConfiguration struct {
	raw *bmff.HevcCodecConfiguration
}

func (c hevcConfiguration) Depth() uint8 { return c.raw.Bitdepth }

func (c hevcConfiguration) PixelFormat() PixelFormat {
	switch c.raw.ChromaFormat {
	case 0:
		return PixelFormatYuv400
	case 1:
		return PixelFormatYuv420
	case 2:
		return PixelFormatYuv422
	default:
		return PixelFormatYuv444
	}
}

func (c hevcConfiguration) ChromaSamplePosition() ChromaSamplePosition {
	return ChromaSamplePositionUnknown
}

func (c hevcConfiguration) IsAV1() bool     { return false }
func (c hevcConfiguration) RawData() []byte { return nil }

func codecConfigsEqual(a, b CodecConfiguration) bool {
	if av1, ok := a.(av1Configuration); ok {
		return av1.equal(b)
	}
	return a.Depth() == b.Depth() && a.PixelFormat() == b.PixelFormat() && a.IsAV1() == b.IsAV1()
}

// findCodecConfiguration returns the first av1C or hvcC among properties.
func findCodecConfiguration(properties []bmff.Property) CodecConfiguration {
	for _, p := range properties {
		switch config := p.(type) {
		case *bmff.Av1CodecConfiguration:
			return av1Configuration{raw: config}
		case *bmff.HevcCodecConfiguration:
			return hevcConfiguration{raw: config}
		}
	}
	return nil
}

// findNclx returns the unique nclx colr among properties. A second nclx
// box is a parse failure (HEIF 6.5.5.1 allows at most one per colour
// type).
func findNclx(properties []bmff.Property) (*bmff.Nclx, error) {
	var found *bmff.Nclx
	for _, p := range properties {
		colr, ok := p.(bmff.ColorInformation)
		if !ok || colr.Nclx == nil {
			continue
		}
		if found != nil {
			return nil, bmffParseFailed("multiple nclx colr boxes found")
		}
		found = colr.Nclx
	}
	return found, nil
}

// findIcc returns the unique ICC colr among properties.
func findIcc(properties []bmff.Property) ([]byte, error) {
	var found []byte
	for _, p := range properties {
		colr, ok := p.(bmff.ColorInformation)
		if !ok || colr.ICC == nil {
			continue
		}
		if found != nil {
			return nil, bmffParseFailed("multiple ICC colr boxes found")
		}
		found = colr.ICC
	}
	return found, nil
}

func findIspe(properties []bmff.Property) *bmff.ImageSpatialExtents {
	for _, p := range properties {
		if ispe, ok := p.(bmff.ImageSpatialExtents); ok {
			return &ispe
		}
	}
	return nil
}

func findPixi(properties []bmff.Property) *bmff.PixelInformation {
	for _, p := range properties {
		if pixi, ok := p.(bmff.PixelInformation); ok {
			return &pixi
		}
	}
	return nil
}

func findClap(properties []bmff.Property) *bmff.CleanAperture {
	for _, p := range properties {
		if clap, ok := p.(bmff.CleanAperture); ok {
			return &clap
		}
	}
	return nil
}

func findPasp(properties []bmff.Property) *PixelAspectRatio {
	for _, p := range properties {
		if pasp, ok := p.(bmff.PixelAspectRatio); ok {
			return &PixelAspectRatio{HSpacing: pasp.HSpacing, VSpacing: pasp.VSpacing}
		}
	}
	return nil
}

func findClli(properties []bmff.Property) *ContentLightLevelInformation {
	for _, p := range properties {
		if clli, ok := p.(bmff.ContentLightLevelInformation); ok {
			return &ContentLightLevelInformation{MaxCLL: clli.MaxCLL, MaxPALL: clli.MaxPALL}
		}
	}
	return nil
}

func findIrot(properties []bmff.Property) *uint8 {
	for _, p := range properties {
		if irot, ok := p.(bmff.ImageRotation); ok {
			angle := irot.Angle
			return &angle
		}
	}
	return nil
}

func findImir(properties []bmff.Property) *uint8 {
	for _, p := range properties {
		if imir, ok := p.(bmff.ImageMirror); ok {
			axis := imir.Axis
			return &axis
		}
	}
	return nil
}

func findA1lx(properties []bmff.Property) *bmff.AV1LayeredImageIndexing {
	for _, p := range properties {
		if a1lx, ok := p.(bmff.AV1LayeredImageIndexing); ok {
			return &a1lx
		}
	}
	return nil
}

func findLsel(properties []bmff.Property) *uint16 {
	for _, p := range properties {
		if lsel, ok := p.(bmff.LayerSelector); ok {
			id := lsel.LayerID
			return &id
		}
	}
	return nil
}

func findOperatingPoint(properties []bmff.Property) uint8 {
	for _, p := range properties {
		if a1op, ok := p.(bmff.OperatingPointSelector); ok {
			return a1op.OpIndex
		}
	}
	return 0
}

func findAuxType(properties []bmff.Property) string {
	for _, p := range properties {
		if aux, ok := p.(bmff.AuxiliaryType); ok {
			return aux.AuxType
		}
	}
	return ""
}

func isAuxiliaryTypeAlpha(auxType string) bool {
	return auxType == "urn:mpeg:mpegB:cicp:systems:auxiliary:alpha" ||
		auxType == "urn:mpeg:hevc:2015:auxid:1"
}

func nclxToImage(nclx *bmff.Nclx, img *Image) {
	img.ColorPrimaries = ColorPrimaries(nclx.ColorPrimaries)
	img.TransferCharacteristics = TransferCharacteristics(nclx.TransferCharacteristics)
	img.MatrixCoefficients = MatrixCoefficients(nclx.MatrixCoefficients)
	if nclx.FullRange {
		img.YuvRange = YuvRangeFull
	} else {
		img.YuvRange = YuvRangeLimited
	}
}

// StrictFlag selects one strict-mode validation rule.
type StrictFlag uint32

const (
	// StrictPixiRequired rejects color and alpha items without a valid
	// pixi property.
	StrictPixiRequired StrictFlag = 1 << iota
	// StrictClapValid rejects clean aperture boxes that do not convert to
	// a valid crop rectangle.
	StrictClapValid
	// StrictAlphaIspeRequired rejects alpha auxiliary items without an
	// ispe property.
	StrictAlphaIspeRequired

	// StrictAll enables every rule. It is the default.
	StrictAll = StrictPixiRequired | StrictClapValid | StrictAlphaIspeRequired
	// StrictNone disables all rules.
	StrictNone StrictFlag = 0
)

func (f StrictFlag) has(flag StrictFlag) bool { return f&flag != 0 }
