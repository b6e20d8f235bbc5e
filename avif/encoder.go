package avif

import "github.com/webmproject/goavif/avif/bmff"

// ScalingMode is the encoder-side frame scaling hint, a pair of
// rationals applied horizontally and vertically.
type ScalingMode struct {
	Horizontal bmff.UFraction
	Vertical   bmff.UFraction
}

func defaultScalingMode() ScalingMode {
	return ScalingMode{
		Horizontal: bmff.UFraction{N: 1, D: 1},
		Vertical:   bmff.UFraction{N: 1, D: 1},
	}
}

// EncoderSettings configures the encoder path. Fields may only change
// between frames where noted; most are fixed after the first AddImage.
type EncoderSettings struct {
	CodecChoice CodecChoice
	// Speed trades effort for quality, 0 (slowest) to 10 (fastest).
	Speed int
	// Quality knobs, 0..100. 100 is lossless where the codec supports it.
	Quality        int
	QualityAlpha   int
	QualityGainMap int
	// Quantizer bounds, 0..63, overriding Quality when set.
	MinQuantizer      int
	MaxQuantizer      int
	MinQuantizerAlpha int
	MaxQuantizerAlpha int
	// Tiling, log2 of the tile grid per axis, 0..6.
	TileRowsLog2 int
	TileColsLog2 int
	AutoTiling   bool
	ScalingMode  ScalingMode
	// KeyframeInterval forces a keyframe every n samples; 0 disables.
	KeyframeInterval int
	Timescale        uint64
	RepetitionCount  int
	// ExtraLayerCount enables progressive output with that many extra
	// layers.
	ExtraLayerCount int
	MaxThreads      int
}

// DefaultEncoderSettings mirrors the library defaults.
func DefaultEncoderSettings() EncoderSettings {
	return EncoderSettings{
		Speed:             6,
		Quality:           60,
		QualityAlpha:      100,
		QualityGainMap:    60,
		MaxQuantizer:      63,
		MaxQuantizerAlpha: 63,
		ScalingMode:       defaultScalingMode(),
		Timescale:         1,
		MaxThreads:        1,
	}
}

func (s *EncoderSettings) validate() error {
	if s.Speed < 0 || s.Speed > 10 {
		return resultError(ResultInvalidArgument, "speed %d out of range", s.Speed)
	}
	for _, q := range []int{s.Quality, s.QualityAlpha, s.QualityGainMap} {
		if q < 0 || q > 100 {
			return resultError(ResultInvalidArgument, "quality %d out of range", q)
		}
	}
	for _, q := range []int{s.MinQuantizer, s.MaxQuantizer, s.MinQuantizerAlpha, s.MaxQuantizerAlpha} {
		if q < 0 || q > 63 {
			return resultError(ResultInvalidArgument, "quantizer %d out of range", q)
		}
	}
	if s.TileRowsLog2 < 0 || s.TileRowsLog2 > 6 || s.TileColsLog2 < 0 || s.TileColsLog2 > 6 {
		return resultError(ResultInvalidArgument, "tile log2 out of range")
	}
	if s.ScalingMode.Horizontal.D == 0 || s.ScalingMode.Vertical.D == 0 {
		return resultError(ResultInvalidArgument, "scaling mode has a zero denominator")
	}
	if s.Timescale == 0 {
		return resultError(ResultInvalidArgument, "timescale must be nonzero")
	}
	return nil
}

// AddImageFlags modify one AddImage call.
type AddImageFlags uint32

const (
	// AddImageFlagForceKeyframe makes this sample a sync sample.
	AddImageFlagForceKeyframe AddImageFlags = 1 << iota
	// AddImageFlagSingle declares the only frame of a still image, which
	// lets the muxer skip the sequence structures.
	AddImageFlagSingle
)

type encoderSample struct {
	payload []byte
	sync    bool
	// durationInTimescales of this sample on the track timeline.
	duration uint64
}

type encoderItem struct {
	id       uint16
	itemType string
	category Category

	width  uint32
	height uint32

	samples     []encoderSample
	gridPayload []byte

	dimgToID uint16 // this item is a cell of that derived item
	auxlToID uint16 // this item is an auxiliary of that item
	cdscToID uint16 // this item describes that item (Exif/XMP)
	premedBy uint16
	cellIdx  int
	hidden   bool

	contentType string

	av1C []byte

	// patch positions for iloc extent offsets, filled during muxing.
	extentOffsetPositions []int
	mdatOffsets           []uint32
}

// Encoder accepts images or grids and serializes AV1 payloads into an
// AVIF container. The zero value is not usable; call NewEncoder.
type Encoder struct {
	settings EncoderSettings

	items       []*encoderItem
	primaryID   uint16
	frameCount  int
	firstImage  *Image
	gridCols    int
	gridRows    int
	singleImage bool

	colorCodec    EncoderCodec
	alphaCodec    EncoderCodec
	totalDuration uint64
	stcoPatches   []stcoPatch

	diag Diagnostics
}

// NewEncoder returns an encoder with default settings.
func NewEncoder() *Encoder {
	return &Encoder{settings: DefaultEncoderSettings()}
}

// SetSettings replaces the configuration; it fails once frames have been
// added.
func (e *Encoder) SetSettings(settings EncoderSettings) error {
	if e.frameCount > 0 {
		return ErrCannotChangeSetting
	}
	e.settings = settings
	return nil
}

func (e *Encoder) Settings() EncoderSettings { return e.settings }

// Diag exposes encoder diagnostics.
func (e *Encoder) Diag() *Diagnostics { return &e.diag }

func (e *Encoder) nextItemID() uint16 { return uint16(len(e.items) + 1) }

func (e *Encoder) ensureCodecs(needAlpha bool) error {
	var err error
	if e.colorCodec == nil {
		if e.colorCodec, err = resolveEncoderCodec(e.settings.CodecChoice); err != nil {
			return err
		}
	}
	if needAlpha && e.alphaCodec == nil {
		if e.alphaCodec, err = resolveEncoderCodec(e.settings.CodecChoice); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) checkImage(img *Image) error {
	if img == nil || img.Width == 0 || img.Height == 0 {
		return ErrNoContent
	}
	if !isSupportedDepth(img.Depth) {
		return ErrUnsupportedDepth
	}
	if img.YuvFormat == PixelFormatNone {
		return ErrNoYuvFormatSelected
	}
	if !img.HasPlane(PlaneY) {
		return ErrNoContent
	}
	return nil
}

// AddImage appends one frame. For still images pass
// AddImageFlagSingle; for sequences call repeatedly with each frame's
// duration in timescale units.
func (e *Encoder) AddImage(img *Image, durationInTimescales uint64, flags AddImageFlags) error {
	if err := e.settings.validate(); err != nil {
		return err
	}
	if err := e.checkImage(img); err != nil {
		return err
	}
	if e.gridCols > 0 {
		return ErrIncompatibleImage
	}
	if e.singleImage {
		return resultError(ResultInvalidArgument, "cannot add frames after a single-image add")
	}
	if e.frameCount > 0 && !e.firstImage.hasSameCICP(img) {
		return ErrIncompatibleImage
	}
	if err := e.ensureCodecs(img.HasAlpha()); err != nil {
		return err
	}
	if e.frameCount == 0 {
		e.firstImage = img
		color := &encoderItem{
			id:       e.nextItemID(),
			itemType: "av01",
			category: CategoryColor,
			width:    img.Width,
			height:   img.Height,
			av1C:     buildAv1CRecord(img),
		}
		e.items = append(e.items, color)
		e.primaryID = color.id
		if img.HasAlpha() {
			alpha := &encoderItem{
				id:       e.nextItemID(),
				itemType: "av01",
				category: CategoryAlpha,
				width:    img.Width,
				height:   img.Height,
				auxlToID: color.id,
				av1C:     buildAlphaAv1CRecord(img),
			}
			if img.AlphaPremultiplied {
				e.items[0].premedBy = alpha.id
			}
			e.items = append(e.items, alpha)
		}
		e.addMetadataItems(img, color.id)
	}
	sync := e.frameCount == 0 || flags&AddImageFlagForceKeyframe != 0
	if e.settings.KeyframeInterval > 0 && e.frameCount%e.settings.KeyframeInterval == 0 {
		sync = true
	}
	for _, item := range e.items {
		if item.itemType != "av01" {
			continue
		}
		codec := e.colorCodec
		if item.category == CategoryAlpha {
			codec = e.alphaCodec
			if codec == nil {
				continue
			}
		}
		payload, err := codec.EncodeImage(&e.settings, img, item.category, sync, e.settings.ExtraLayerCount)
		if err != nil {
			return encodeFailure(item.category)
		}
		item.samples = append(item.samples, encoderSample{
			payload:  payload,
			sync:     sync,
			duration: durationInTimescales,
		})
	}
	e.totalDuration += durationInTimescales
	e.frameCount++
	if flags&AddImageFlagSingle != 0 {
		e.singleImage = true
	}
	return nil
}

// AddImageGrid encodes a grid of cell images as a single logical image.
// Every cell must agree on depth, format and colorimetry, and all but
// the last column and row must share dimensions.
func (e *Encoder) AddImageGrid(cells []*Image, gridCols, gridRows int, flags AddImageFlags) error {
	if err := e.settings.validate(); err != nil {
		return err
	}
	if gridCols <= 0 || gridRows <= 0 || gridCols > 256 || gridRows > 256 {
		return ErrInvalidImageGrid
	}
	if len(cells) != gridCols*gridRows {
		return ErrInvalidImageGrid
	}
	if e.frameCount > 0 {
		return ErrIncompatibleImage
	}
	if flags&AddImageFlagSingle == 0 {
		// Grids are only defined for still images here.
		return ErrNotImplemented
	}
	first := cells[0]
	if err := e.checkImage(first); err != nil {
		return err
	}
	var outputWidth, outputHeight uint32
	for i, cell := range cells {
		if err := e.checkImage(cell); err != nil {
			return err
		}
		if !cell.hasSameCICP(first) {
			return ErrIncompatibleImage
		}
		row := i / gridCols
		col := i % gridCols
		lastCol := col == gridCols-1
		lastRow := row == gridRows-1
		if (!lastCol && cell.Width != first.Width) || (!lastRow && cell.Height != first.Height) {
			return ErrIncompatibleImage
		}
		if lastCol && cell.Width > first.Width {
			return ErrIncompatibleImage
		}
		if lastRow && cell.Height > first.Height {
			return ErrIncompatibleImage
		}
		if row == 0 {
			outputWidth += cell.Width
		}
		if col == 0 {
			outputHeight += cell.Height
		}
	}
	if gridCols > 1 || gridRows > 1 {
		// MIAF alignment: subsampled chroma requires even interior cells.
		if (first.YuvFormat == PixelFormatYuv420 || first.YuvFormat == PixelFormatYuv422) &&
			first.Width%2 != 0 {
			return ErrInvalidImageGrid
		}
		if first.YuvFormat == PixelFormatYuv420 && first.Height%2 != 0 {
			return ErrInvalidImageGrid
		}
	}
	if err := e.ensureCodecs(first.HasAlpha()); err != nil {
		return err
	}
	e.firstImage = first
	e.gridCols = gridCols
	e.gridRows = gridRows
	e.singleImage = true

	encodeCells := func(category Category, gridItemType string) (uint16, error) {
		cellIDs := make([]uint16, 0, len(cells))
		codec := e.colorCodec
		buildRecord := buildAv1CRecord
		if category == CategoryAlpha {
			codec = e.alphaCodec
			buildRecord = buildAlphaAv1CRecord
		}
		for i, cell := range cells {
			payload, err := codec.EncodeImage(&e.settings, cell, category, true, 0)
			if err != nil {
				return 0, encodeFailure(category)
			}
			item := &encoderItem{
				id:       e.nextItemID(),
				itemType: "av01",
				category: category,
				width:    cell.Width,
				height:   cell.Height,
				cellIdx:  i,
				hidden:   true,
				av1C:     buildRecord(cell),
			}
			item.samples = append(item.samples, encoderSample{payload: payload, sync: true})
			e.items = append(e.items, item)
			cellIDs = append(cellIDs, item.id)
		}
		grid := &encoderItem{
			id:          e.nextItemID(),
			itemType:    gridItemType,
			category:    category,
			width:       outputWidth,
			height:      outputHeight,
			gridPayload: buildGridPayload(gridRows, gridCols, outputWidth, outputHeight),
			av1C:        buildRecord(cells[0]),
		}
		e.items = append(e.items, grid)
		for i, cellID := range cellIDs {
			e.items[cellID-1].dimgToID = grid.id
			e.items[cellID-1].cellIdx = i
		}
		return grid.id, nil
	}

	colorGridID, err := encodeCells(CategoryColor, "grid")
	if err != nil {
		return err
	}
	e.primaryID = colorGridID
	if first.HasAlpha() {
		alphaGridID, err := encodeCells(CategoryAlpha, "grid")
		if err != nil {
			return err
		}
		e.items[alphaGridID-1].auxlToID = colorGridID
	}
	e.frameCount = 1
	return nil
}

// addMetadataItems emits Exif and XMP payloads as cdsc-linked metadata
// items. The Exif payload is prefixed with a zero tiff header offset.
func (e *Encoder) addMetadataItems(img *Image, primaryID uint16) {
	if len(img.Exif) > 0 {
		payload := make([]byte, 0, len(img.Exif)+4)
		payload = append(payload, 0, 0, 0, 0)
		payload = append(payload, img.Exif...)
		exif := &encoderItem{
			id:       e.nextItemID(),
			itemType: "Exif",
			cdscToID: primaryID,
		}
		exif.samples = append(exif.samples, encoderSample{payload: payload})
		e.items = append(e.items, exif)
	}
	if len(img.XMP) > 0 {
		xmp := &encoderItem{
			id:          e.nextItemID(),
			itemType:    "mime",
			contentType: "application/rdf+xml",
			cdscToID:    primaryID,
		}
		xmp.samples = append(xmp.samples, encoderSample{payload: append([]byte(nil), img.XMP...)})
		e.items = append(e.items, xmp)
	}
}

func encodeFailure(category Category) error {
	switch category {
	case CategoryAlpha:
		return ErrEncodeAlphaFailed
	case CategoryGainmap:
		return ErrEncodeGainMapFailed
	default:
		return ErrEncodeColorFailed
	}
}

// Close releases the codec instances.
func (e *Encoder) Close() {
	if e.colorCodec != nil {
		e.colorCodec.Close()
		e.colorCodec = nil
	}
	if e.alphaCodec != nil {
		e.alphaCodec.Close()
		e.alphaCodec = nil
	}
}

// buildGridPayload serializes the ImageGrid derivation payload.
func buildGridPayload(rows, cols int, width, height uint32) []byte {
	w := &boxWriter{}
	w.writeU8(0) // version
	flags := uint8(0)
	if width > 0xffff || height > 0xffff {
		flags = 1
	}
	w.writeU8(flags)
	w.writeU8(uint8(rows - 1))
	w.writeU8(uint8(cols - 1))
	if flags&1 == 1 {
		w.writeU32(width)
		w.writeU32(height)
	} else {
		w.writeU16(uint16(width))
		w.writeU16(uint16(height))
	}
	return w.bytes()
}

// buildAv1CRecord derives the av1C record bytes from the image format.
func buildAv1CRecord(img *Image) []byte {
	return av1CRecord(img, false)
}

// buildAlphaAv1CRecord is the monochrome variant for alpha payloads.
func buildAlphaAv1CRecord(img *Image) []byte {
	return av1CRecord(img, true)
}

func av1CRecord(img *Image, monochrome bool) []byte {
	var seqProfile uint8
	format := img.YuvFormat
	if monochrome {
		format = PixelFormatYuv400
	}
	switch {
	case img.Depth == 12 || format == PixelFormatYuv422:
		seqProfile = 2
	case format == PixelFormatYuv444:
		seqProfile = 1
	default:
		seqProfile = 0
	}
	highBitdepth := img.Depth > 8
	twelveBit := img.Depth == 12
	var subX, subY uint8
	switch format {
	case PixelFormatYuv420, PixelFormatYuv400:
		subX, subY = 1, 1
	case PixelFormatYuv422:
		subX, subY = 1, 0
	}
	b0 := byte(0x80 | 1) // marker + version
	b1 := seqProfile<<5 | 31&0x1f
	var b2 byte
	if highBitdepth {
		b2 |= 1 << 6
	}
	if twelveBit {
		b2 |= 1 << 5
	}
	if monochrome || format == PixelFormatYuv400 {
		b2 |= 1 << 4
	}
	b2 |= subX << 3
	b2 |= subY << 2
	b2 |= byte(img.ChromaSamplePosition) & 0x3
	return []byte{b0, b1, b2, 0}
}
