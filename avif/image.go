package avif

import "github.com/webmproject/goavif/avif/bmff"

// PixelFormat is the chroma subsampling layout of the YUV planes.
type PixelFormat int

const (
	PixelFormatNone PixelFormat = iota
	PixelFormatYuv444
	PixelFormatYuv422
	PixelFormatYuv420
	PixelFormatYuv400
)

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatYuv444:
		return "yuv444"
	case PixelFormatYuv422:
		return "yuv422"
	case PixelFormatYuv420:
		return "yuv420"
	case PixelFormatYuv400:
		return "yuv400"
	}
	return "none"
}

// ChromaShiftX is 1 when the chroma planes are half width.
func (f PixelFormat) ChromaShiftX() uint32 {
	if f == PixelFormatYuv420 || f == PixelFormatYuv422 {
		return 1
	}
	return 0
}

// ChromaShiftY is 1 when the chroma planes are half height.
func (f PixelFormat) ChromaShiftY() uint32 {
	if f == PixelFormatYuv420 {
		return 1
	}
	return 0
}

// YuvRange is the VideoFullRangeFlag of ISO/IEC 23091-2.
type YuvRange int

const (
	YuvRangeLimited YuvRange = iota
	YuvRangeFull
)

// ChromaSamplePosition per AV1 chroma_sample_position.
type ChromaSamplePosition int

const (
	ChromaSamplePositionUnknown ChromaSamplePosition = iota
	ChromaSamplePositionVertical
	ChromaSamplePositionColocated
	ChromaSamplePositionReserved
)

// CICP code points, carried as raw ISO/IEC 23091-2 values.
type (
	ColorPrimaries          uint16
	TransferCharacteristics uint16
	MatrixCoefficients      uint16
)

const (
	ColorPrimariesBT709       ColorPrimaries = 1
	ColorPrimariesUnspecified ColorPrimaries = 2
	ColorPrimariesBT601       ColorPrimaries = 6
	ColorPrimariesBT2020      ColorPrimaries = 9

	TransferCharacteristicsBT709       TransferCharacteristics = 1
	TransferCharacteristicsUnspecified TransferCharacteristics = 2
	TransferCharacteristicsSRGB        TransferCharacteristics = 13
	TransferCharacteristicsPQ          TransferCharacteristics = 16
	TransferCharacteristicsHLG         TransferCharacteristics = 18

	MatrixCoefficientsIdentity    MatrixCoefficients = 0
	MatrixCoefficientsBT709       MatrixCoefficients = 1
	MatrixCoefficientsUnspecified MatrixCoefficients = 2
	MatrixCoefficientsBT601       MatrixCoefficients = 6
	MatrixCoefficientsBT2020NCL   MatrixCoefficients = 9
)

// Plane indexes one of the four possible sample planes.
type Plane int

const (
	PlaneY Plane = iota
	PlaneU
	PlaneV
	PlaneA
)

const maxPlaneCount = 4

var (
	yuvPlanes = []Plane{PlaneY, PlaneU, PlaneV}
	aPlane    = []Plane{PlaneA}
)

// Category is the plane class a tile belongs to.
type Category int

const (
	CategoryColor Category = iota
	CategoryAlpha
	CategoryGainmap
)

var allCategories = []Category{CategoryColor, CategoryAlpha, CategoryGainmap}

// Planes returns the destination planes written by tiles of this
// category.
func (c Category) Planes() []Plane {
	if c == CategoryAlpha {
		return aPlane
	}
	return yuvPlanes
}

// ProgressiveState describes whether a progressively-layered image was
// found and whether layer-by-layer output is enabled.
type ProgressiveState int

const (
	ProgressiveStateUnavailable ProgressiveState = iota
	ProgressiveStateAvailable
	ProgressiveStateActive
)

func (p ProgressiveState) String() string {
	switch p {
	case ProgressiveStateAvailable:
		return "available"
	case ProgressiveStateActive:
		return "active"
	}
	return "unavailable"
}

// Repetition counts for image sequences.
const (
	RepetitionCountInfinite = -1
	RepetitionCountUnknown  = -2
)

// ImageTiming is the presentation timing of one frame of a sequence.
type ImageTiming struct {
	Timescale            uint64
	PTS                  float64
	PTSInTimescales      uint64
	Duration             float64
	DurationInTimescales uint64
}

// ContentLightLevelInformation mirrors the clli property.
type ContentLightLevelInformation struct {
	MaxCLL  uint16
	MaxPALL uint16
}

// PixelAspectRatio mirrors the pasp property.
type PixelAspectRatio struct {
	HSpacing uint32
	VSpacing uint32
}

// Image is the in-memory pixel-plane image shared by the decoder and the
// encoder. Planes are stored as []byte for 8-bit depths and []uint16
// otherwise; rows are addressed through Row and Row16.
type Image struct {
	Width  uint32
	Height uint32
	Depth  uint8 // 8, 10, 12 or 16

	YuvFormat            PixelFormat
	YuvRange             YuvRange
	ChromaSamplePosition ChromaSamplePosition

	AlphaPresent       bool
	AlphaPremultiplied bool

	// RowBytes is the stride per plane, in bytes.
	RowBytes [maxPlaneCount]uint32
	planes   [maxPlaneCount][]byte
	planes16 [maxPlaneCount][]uint16
	// owns records, per plane, whether the backing buffer belongs to this
	// image or is borrowed from a codec's last-decoded frame. A borrowed
	// plane must not be used after the decoder advances or resets.
	owns [maxPlaneCount]bool

	ColorPrimaries          ColorPrimaries
	TransferCharacteristics TransferCharacteristics
	MatrixCoefficients      MatrixCoefficients

	CLLI      *ContentLightLevelInformation
	Pasp      *PixelAspectRatio
	Clap      *bmff.CleanAperture
	IrotAngle *uint8
	ImirAxis  *uint8

	Exif []byte
	ICC  []byte
	XMP  []byte

	ImageSequenceTrackPresent bool
	ProgressiveState          ProgressiveState
}

// NewImage returns an image header with the given geometry; planes stay
// unallocated until AllocatePlanes.
func NewImage(width, height uint32, depth uint8, format PixelFormat) *Image {
	return &Image{Width: width, Height: height, Depth: depth, YuvFormat: format}
}

func isSupportedDepth(depth uint8) bool {
	return depth == 8 || depth == 10 || depth == 12 || depth == 16
}

func (img *Image) depthValid() bool { return isSupportedDepth(img.Depth) }

// MaxChannel is the largest representable sample value at this depth.
func (img *Image) MaxChannel() uint16 {
	if !img.depthValid() {
		return 0
	}
	return uint16((1 << img.Depth) - 1)
}

func (img *Image) pixelSize() uint32 {
	if img.Depth == 8 {
		return 1
	}
	return 2
}

// PlaneWidth is the sample count of one row of the given plane.
func (img *Image) PlaneWidth(plane Plane) uint32 {
	switch plane {
	case PlaneY, PlaneA:
		return img.Width
	default:
		if img.YuvFormat == PixelFormatNone || img.YuvFormat == PixelFormatYuv400 {
			return 0
		}
		return (img.Width + img.YuvFormat.ChromaShiftX()) >> img.YuvFormat.ChromaShiftX()
	}
}

// PlaneHeight is the row count of the given plane.
func (img *Image) PlaneHeight(plane Plane) uint32 {
	switch plane {
	case PlaneY, PlaneA:
		return img.Height
	default:
		if img.YuvFormat == PixelFormatNone || img.YuvFormat == PixelFormatYuv400 {
			return 0
		}
		return (img.Height + img.YuvFormat.ChromaShiftY()) >> img.YuvFormat.ChromaShiftY()
	}
}

// HasPlane reports whether the plane is allocated or borrowed.
func (img *Image) HasPlane(plane Plane) bool {
	if img.RowBytes[plane] == 0 {
		return false
	}
	return img.planes[plane] != nil || img.planes16[plane] != nil
}

// HasAlpha reports whether an alpha plane is populated.
func (img *Image) HasAlpha() bool { return img.HasPlane(PlaneA) }

// ImageOwnsPlane reports the ownership flag of a plane (see §3.3 of the
// data model: borrowed planes expire when the decoder advances).
func (img *Image) ImageOwnsPlane(plane Plane) bool { return img.owns[plane] }

// Row returns one full stride of an 8-bit plane.
func (img *Image) Row(plane Plane, y uint32) ([]byte, error) {
	if !img.HasPlane(plane) || img.Depth != 8 {
		return nil, ErrNoContent
	}
	stride := img.RowBytes[plane]
	start := uint64(y) * uint64(stride)
	buf := img.planes[plane]
	if start >= uint64(len(buf)) {
		return nil, ErrInvalidArgument
	}
	// A borrowed view's final row may be shorter than the stride.
	end := start + uint64(stride)
	if end > uint64(len(buf)) {
		end = uint64(len(buf))
	}
	return buf[start:end], nil
}

// Row16 returns one full stride of a high-bit-depth plane.
func (img *Image) Row16(plane Plane, y uint32) ([]uint16, error) {
	if !img.HasPlane(plane) || img.Depth == 8 {
		return nil, ErrNoContent
	}
	stride := img.RowBytes[plane] / 2
	start := uint64(y) * uint64(stride)
	buf := img.planes16[plane]
	if start >= uint64(len(buf)) {
		return nil, ErrInvalidArgument
	}
	end := start + uint64(stride)
	if end > uint64(len(buf)) {
		end = uint64(len(buf))
	}
	return buf[start:end], nil
}

// SetPlaneBorrowed installs a borrowed plane (a view into a codec-owned
// buffer). The image does not free it.
func (img *Image) SetPlaneBorrowed(plane Plane, data []byte, data16 []uint16, rowBytes uint32) {
	img.planes[plane] = data
	img.planes16[plane] = data16
	img.RowBytes[plane] = rowBytes
	img.owns[plane] = false
}

// AllocatePlanes allocates owned, zero-filled planes for the category.
// The alpha plane is filled opaque.
func (img *Image) AllocatePlanes(category Category) error {
	defaults := [maxPlaneCount]uint16{0, 0, 0, img.MaxChannel()}
	return img.AllocatePlanesWithDefaultValues(category, defaults)
}

// AllocatePlanesWithDefaultValues allocates owned planes filled with the
// given per-plane sample value.
func (img *Image) AllocatePlanesWithDefaultValues(category Category, defaults [maxPlaneCount]uint16) error {
	if !img.depthValid() {
		return ErrUnsupportedDepth
	}
	if img.Width == 0 || img.Height == 0 {
		return ErrInvalidArgument
	}
	for _, plane := range category.Planes() {
		width := img.PlaneWidth(plane)
		height := img.PlaneHeight(plane)
		if width == 0 || height == 0 {
			continue
		}
		size := uint64(width) * uint64(height)
		if size > uint64(int(^uint(0)>>1)) {
			return ErrOutOfMemory
		}
		if img.Depth == 8 {
			buf := make([]byte, size)
			if defaults[plane] != 0 {
				fill := byte(defaults[plane])
				for i := range buf {
					buf[i] = fill
				}
			}
			img.planes[plane] = buf
			img.planes16[plane] = nil
		} else {
			buf := make([]uint16, size)
			if defaults[plane] != 0 {
				for i := range buf {
					buf[i] = defaults[plane]
				}
			}
			img.planes16[plane] = buf
			img.planes[plane] = nil
		}
		img.RowBytes[plane] = width * img.pixelSize()
		img.owns[plane] = true
	}
	return nil
}

// FreePlanes drops the given planes. Borrowed planes are merely detached.
func (img *Image) FreePlanes(planes []Plane) {
	for _, plane := range planes {
		img.planes[plane] = nil
		img.planes16[plane] = nil
		img.RowBytes[plane] = 0
		img.owns[plane] = false
	}
}

// stealOrCopyPlanesFrom adopts src's planes for the category. Borrowed
// planes stay borrowed; owned planes move wholesale (src keeps a view).
func (img *Image) stealOrCopyPlanesFrom(src *Image, category Category) {
	for _, plane := range category.Planes() {
		img.planes[plane] = src.planes[plane]
		img.planes16[plane] = src.planes16[plane]
		img.RowBytes[plane] = src.RowBytes[plane]
		img.owns[plane] = src.owns[plane]
	}
}

// CopyPropertiesFrom adopts format and colorimetry from src, with depth
// and pixel format overridden by the codec configuration (the bitstream
// header wins over the container for those two).
func (img *Image) CopyPropertiesFrom(src *Image, config CodecConfiguration) {
	img.YuvFormat = src.YuvFormat
	img.Depth = src.Depth
	img.ChromaSamplePosition = src.ChromaSamplePosition
	img.YuvRange = src.YuvRange
	img.ColorPrimaries = src.ColorPrimaries
	img.TransferCharacteristics = src.TransferCharacteristics
	img.MatrixCoefficients = src.MatrixCoefficients
	if config != nil {
		img.Depth = config.Depth()
		img.YuvFormat = config.PixelFormat()
	}
}

func (img *Image) hasSameGeometry(other *Image) bool {
	return img.Width == other.Width && img.Height == other.Height && img.Depth == other.Depth
}

func (img *Image) hasSameCICP(other *Image) bool {
	return img.Depth == other.Depth &&
		img.YuvFormat == other.YuvFormat &&
		img.YuvRange == other.YuvRange &&
		img.ChromaSamplePosition == other.ChromaSamplePosition &&
		img.ColorPrimaries == other.ColorPrimaries &&
		img.TransferCharacteristics == other.TransferCharacteristics &&
		img.MatrixCoefficients == other.MatrixCoefficients
}

func (img *Image) hasSamePropertiesAndCICP(other *Image) bool {
	return img.hasSameGeometry(other) && img.hasSameCICP(other)
}

// View returns a read-only subimage whose planes are borrowed views into
// this image's buffers. The rectangle must lie inside the image and meet
// the subsampling alignment of the pixel format. The view must not
// outlive the backing image's planes.
func (img *Image) View(rect CropRect) (*Image, error) {
	if rect.Width == 0 || rect.Height == 0 ||
		uint64(rect.X)+uint64(rect.Width) > uint64(img.Width) ||
		uint64(rect.Y)+uint64(rect.Height) > uint64(img.Height) {
		return nil, ErrInvalidArgument
	}
	if !validCropAlignment(rect, img.YuvFormat) {
		return nil, ErrInvalidArgument
	}
	view := &Image{
		Width:                   rect.Width,
		Height:                  rect.Height,
		Depth:                   img.Depth,
		YuvFormat:               img.YuvFormat,
		YuvRange:                img.YuvRange,
		ChromaSamplePosition:    img.ChromaSamplePosition,
		AlphaPresent:            img.AlphaPresent,
		AlphaPremultiplied:      img.AlphaPremultiplied,
		ColorPrimaries:          img.ColorPrimaries,
		TransferCharacteristics: img.TransferCharacteristics,
		MatrixCoefficients:      img.MatrixCoefficients,
	}
	for plane := PlaneY; plane <= PlaneA; plane++ {
		if !img.HasPlane(plane) {
			continue
		}
		x := uint64(rect.X)
		y := uint64(rect.Y)
		if plane == PlaneU || plane == PlaneV {
			x >>= img.YuvFormat.ChromaShiftX()
			y >>= img.YuvFormat.ChromaShiftY()
		}
		stride := uint64(img.RowBytes[plane])
		if img.Depth == 8 {
			start := y*stride + x
			view.planes[plane] = img.planes[plane][start:]
		} else {
			start := y*(stride/2) + x
			view.planes16[plane] = img.planes16[plane][start:]
		}
		view.RowBytes[plane] = img.RowBytes[plane]
		view.owns[plane] = false
	}
	return view, nil
}

// SetExif installs the Exif payload, byte-exact.
func (img *Image) SetExif(data []byte) { img.Exif = append([]byte(nil), data...) }

// SetXMP installs the XMP payload, byte-exact.
func (img *Image) SetXMP(data []byte) { img.XMP = append([]byte(nil), data...) }

// SetICC installs the ICC profile, byte-exact.
func (img *Image) SetICC(data []byte) { img.ICC = append([]byte(nil), data...) }

// alphaToFullRange converts a limited-range alpha plane to full range in
// place. Alpha is defined as full range; codecs may hand back limited.
func (img *Image) alphaToFullRange() error {
	if !img.HasPlane(PlaneA) || img.YuvRange == YuvRangeFull {
		img.YuvRange = YuvRangeFull
		return nil
	}
	depth := int32(img.Depth)
	minV := int32(16) << (depth - 8)
	maxV := int32(235) << (depth - 8)
	full := int32(1)<<depth - 1
	scale := func(v int32) int32 {
		out := (v - minV) * full / (maxV - minV)
		if out < 0 {
			return 0
		}
		if out > full {
			return full
		}
		return out
	}
	height := img.PlaneHeight(PlaneA)
	for y := uint32(0); y < height; y++ {
		if img.Depth == 8 {
			row, err := img.Row(PlaneA, y)
			if err != nil {
				return err
			}
			for i, v := range row[:img.PlaneWidth(PlaneA)] {
				row[i] = byte(scale(int32(v)))
			}
		} else {
			row, err := img.Row16(PlaneA, y)
			if err != nil {
				return err
			}
			for i, v := range row[:img.PlaneWidth(PlaneA)] {
				row[i] = uint16(scale(int32(v)))
			}
		}
	}
	img.YuvRange = YuvRangeFull
	return nil
}

// CopyFrom deep-copies the planes of the given categories plus all header
// fields from src.
func (img *Image) CopyFrom(src *Image, categories ...Category) error {
	*img = Image{
		Width:                     src.Width,
		Height:                    src.Height,
		Depth:                     src.Depth,
		YuvFormat:                 src.YuvFormat,
		YuvRange:                  src.YuvRange,
		ChromaSamplePosition:      src.ChromaSamplePosition,
		AlphaPresent:              src.AlphaPresent,
		AlphaPremultiplied:        src.AlphaPremultiplied,
		ColorPrimaries:            src.ColorPrimaries,
		TransferCharacteristics:   src.TransferCharacteristics,
		MatrixCoefficients:        src.MatrixCoefficients,
		CLLI:                      src.CLLI,
		Pasp:                      src.Pasp,
		Clap:                      src.Clap,
		IrotAngle:                 src.IrotAngle,
		ImirAxis:                  src.ImirAxis,
		ImageSequenceTrackPresent: src.ImageSequenceTrackPresent,
		ProgressiveState:          src.ProgressiveState,
	}
	img.SetExif(src.Exif)
	img.SetICC(src.ICC)
	img.SetXMP(src.XMP)
	for _, category := range categories {
		if err := img.AllocatePlanes(category); err != nil {
			return err
		}
		for _, plane := range category.Planes() {
			if !src.HasPlane(plane) {
				img.FreePlanes([]Plane{plane})
				continue
			}
			height := img.PlaneHeight(plane)
			width := img.PlaneWidth(plane)
			for y := uint32(0); y < height; y++ {
				if img.Depth == 8 {
					srcRow, err := src.Row(plane, y)
					if err != nil {
						return err
					}
					dstRow, err := img.Row(plane, y)
					if err != nil {
						return err
					}
					copy(dstRow[:width], srcRow[:width])
				} else {
					srcRow, err := src.Row16(plane, y)
					if err != nil {
						return err
					}
					dstRow, err := img.Row16(plane, y)
					if err != nil {
						return err
					}
					copy(dstRow[:width], srcRow[:width])
				}
			}
		}
	}
	return nil
}
