package avif

import (
	"errors"

	"github.com/webmproject/goavif/avif/bmff"
)

// Source selects where frames come from when a file carries both a
// primary item and an image sequence track.
type Source int

const (
	SourceAuto Source = iota
	SourcePrimaryItem
	SourceTracks
)

// ImageContentType selects which plane classes are decoded. Content not
// selected is still parsed for metadata.
type ImageContentType int

const (
	ImageContentNone ImageContentType = iota
	ImageContentColorAndAlpha
	ImageContentGainMap
	ImageContentAll
)

func (c ImageContentType) categories() []Category {
	switch c {
	case ImageContentColorAndAlpha:
		return []Category{CategoryColor, CategoryAlpha}
	case ImageContentGainMap:
		return []Category{CategoryGainmap}
	case ImageContentAll:
		return allCategories
	}
	return nil
}

func (c ImageContentType) gainmap() bool {
	return c == ImageContentGainMap || c == ImageContentAll
}

// Default decode limits.
const (
	DefaultImageSizeLimit      = 16384 * 16384
	DefaultImageDimensionLimit = 32768
	DefaultImageCountLimit     = 12 * 3600 * 60
)

// Settings is the decoder configuration. It may only change before Parse
// (or after Reset).
type Settings struct {
	Source               Source
	IgnoreExif           bool
	IgnoreXMP            bool
	StrictFlags          StrictFlag
	AllowProgressive     bool
	AllowIncremental     bool
	AllowSampleTransform bool
	ImageContentToDecode ImageContentType
	CodecChoice          CodecChoice

	// ImageSizeLimit caps width*height; 0 disables the check.
	ImageSizeLimit uint32
	// ImageDimensionLimit caps each axis; 0 disables the check.
	ImageDimensionLimit uint32
	// ImageCountLimit caps the frame count of sequences; 0 disables.
	ImageCountLimit uint32
	// MaxThreads bounds the tile decode fan-out; 0 or 1 is
	// single-threaded.
	MaxThreads int
}

// DefaultSettings mirrors the library defaults: strict validation, color
// and alpha content, auto codec, conservative limits.
func DefaultSettings() Settings {
	return Settings{
		StrictFlags:          StrictAll,
		ImageContentToDecode: ImageContentColorAndAlpha,
		ImageSizeLimit:       DefaultImageSizeLimit,
		ImageDimensionLimit:  DefaultImageDimensionLimit,
		ImageCountLimit:      DefaultImageCountLimit,
		MaxThreads:           1,
	}
}

// decodingItem addresses one decode slot: the main color/alpha pair, the
// extra sample-transform inputs, or the gain map.
type decodingItem struct {
	category Category
	itemIdx  int // 0 is the main image; 1..maxExtraInputs are sato inputs
}

const decodingItemCount = (1+maxExtraInputs)*2 + 1

var allDecodingItems = [decodingItemCount]decodingItem{
	{CategoryColor, 0}, {CategoryColor, 1}, {CategoryColor, 2}, {CategoryColor, 3},
	{CategoryAlpha, 0}, {CategoryAlpha, 1}, {CategoryAlpha, 2}, {CategoryAlpha, 3},
	{CategoryGainmap, 0},
}

func (d decodingItem) index() int {
	switch d.category {
	case CategoryColor:
		return d.itemIdx
	case CategoryAlpha:
		return 1 + maxExtraInputs + d.itemIdx
	default:
		return (1 + maxExtraInputs) * 2
	}
}

var (
	decodingItemColor   = decodingItem{CategoryColor, 0}
	decodingItemAlpha   = decodingItem{CategoryAlpha, 0}
	decodingItemGainmap = decodingItem{CategoryGainmap, 0}
)

func decodingItemsFor(categories []Category) []decodingItem {
	var out []decodingItem
	for _, item := range allDecodingItems {
		for _, category := range categories {
			if item.category == category {
				out = append(out, item)
				break
			}
		}
	}
	return out
}

type parseState int

const (
	parseStateNone parseState = iota
	parseStateAwaitingSequenceHeader
	parseStateComplete
)

// IOStats reports the coded payload sizes discovered at parse time.
type IOStats struct {
	ColorOBUSize uint64
	AlphaOBUSize uint64
}

// Decoder is the public decode state machine:
//
//	Created -> Configured -> Parsed -> {FrameReady}* -> (Reset -> Configured)
//
// A Decoder is driven from a single goroutine; internally tile decoding
// may fan out to MaxThreads workers.
type Decoder struct {
	settings Settings

	imageCount           uint32
	imageIndex           int
	imageTiming          ImageTiming
	timescale            uint64
	durationInTimescales uint64
	duration             float64
	repetitionCount      int
	gainmap              *GainMap
	gainmapPresent       bool
	image                *Image
	extraInputs          [maxExtraInputs]*Image
	source               Source
	tileInfo             [decodingItemCount]TileInfo
	tiles                [decodingItemCount][]*Tile
	items                map[uint32]*Item
	tracks               []*trackModel
	rd                   IO
	codecs               []Codec
	colorTrack           *trackModel
	state                parseState
	ioStats              IOStats
	diag                 Diagnostics
}

// NewDecoder returns a decoder with default settings and no IO attached.
func NewDecoder() *Decoder {
	return &Decoder{
		settings:   DefaultSettings(),
		imageIndex: -1,
		image:      &Image{},
		gainmap:    newGainMap(),
	}
}

// SetSettings replaces the configuration. It fails with
// ErrCannotChangeSetting once Parse has run; Reset unlocks it again.
func (d *Decoder) SetSettings(settings Settings) error {
	if d.state != parseStateNone {
		return ErrCannotChangeSetting
	}
	d.settings = settings
	return nil
}

// Settings returns the active configuration.
func (d *Decoder) Settings() Settings { return d.settings }

// SetIOMemory decodes from an in-memory buffer, borrowed for the
// decoder's lifetime.
func (d *Decoder) SetIOMemory(data []byte) {
	d.SetIO(&MemoryIO{Data: data})
}

// SetIOFile decodes from a file on disk.
func (d *Decoder) SetIOFile(filename string) error {
	rd, err := NewFileIO(filename)
	if err != nil {
		return err
	}
	d.SetIO(rd)
	return nil
}

// SetIO installs a custom byte source.
func (d *Decoder) SetIO(rd IO) {
	d.rd = rd
	d.state = parseStateNone
}

// Image returns the output image. Its header fields are valid after
// Parse; its planes after a successful NextImage/NthImage.
func (d *Decoder) Image() *Image {
	if d.state == parseStateComplete {
		return d.image
	}
	return nil
}

func (d *Decoder) ImageCount() uint32 { return d.imageCount }

// ImageIndex is the index of the last decoded frame, or -1.
func (d *Decoder) ImageIndex() int { return d.imageIndex }

func (d *Decoder) ImageTiming() ImageTiming { return d.imageTiming }

func (d *Decoder) Timescale() uint64 { return d.timescale }

func (d *Decoder) Duration() float64 { return d.duration }

func (d *Decoder) DurationInTimescales() uint64 { return d.durationInTimescales }

// RepetitionCount is the animation loop count: 0 plays once,
// RepetitionCountInfinite loops forever, RepetitionCountUnknown when the
// edit list does not say.
func (d *Decoder) RepetitionCount() int { return d.repetitionCount }

func (d *Decoder) GainMap() *GainMap { return d.gainmap }

func (d *Decoder) GainMapPresent() bool { return d.gainmapPresent }

func (d *Decoder) IOStats() IOStats { return d.ioStats }

// Diag exposes the diagnostics buffer (fatal supplement plus warnings).
func (d *Decoder) Diag() *Diagnostics { return &d.diag }

func (d *Decoder) parsingComplete() bool { return d.state == parseStateComplete }

// Reset discards all per-file and per-frame state but keeps the
// configuration and the IO, returning the decoder to the Configured
// state.
func (d *Decoder) Reset() {
	for _, codec := range d.codecs {
		codec.Close()
	}
	d.imageCount = 0
	d.imageIndex = -1
	d.imageTiming = ImageTiming{}
	d.timescale = 0
	d.durationInTimescales = 0
	d.duration = 0
	d.repetitionCount = 0
	d.gainmap = newGainMap()
	d.gainmapPresent = false
	d.image = &Image{}
	d.extraInputs = [maxExtraInputs]*Image{}
	d.source = SourceAuto
	d.tileInfo = [decodingItemCount]TileInfo{}
	d.tiles = [decodingItemCount][]*Tile{}
	d.items = nil
	d.tracks = nil
	d.codecs = nil
	d.colorTrack = nil
	d.state = parseStateNone
	d.ioStats = IOStats{}
	d.diag.reset()
}

// Close releases codec instances and, when the IO is closable, the
// underlying file.
func (d *Decoder) Close() {
	for _, codec := range d.codecs {
		codec.Close()
	}
	d.codecs = nil
	if closer, ok := d.rd.(interface{ Close() error }); ok {
		closer.Close()
	}
}

func (d *Decoder) mapBmffError(err error) error {
	if err == nil {
		return nil
	}
	var avifErr *Error
	if errors.As(err, &avifErr) {
		return avifErr
	}
	if errors.Is(err, bmff.ErrTruncated) {
		return ErrTruncatedData
	}
	if errors.Is(err, bmff.ErrUnsupportedBrand) {
		return ErrInvalidFtyp
	}
	d.diag.set("%v", err)
	return bmffParseFailed("%v", err)
}

// Parse reads the header-sufficient prefix of the file, builds the item
// and track graphs, validates them, and populates the output image's
// header fields. It does not decode pixels.
func (d *Decoder) Parse() error {
	if d.parsingComplete() {
		// Parse was called again: start over on the same IO.
		d.state = parseStateNone
	}
	if d.rd == nil {
		return ErrIONotSet
	}
	if d.state == parseStateNone {
		d.Reset()
		if err := d.parseContainer(); err != nil {
			return err
		}
	}
	// If no colr box carried CICP, harvest it from the sequence header.
	if d.state == parseStateAwaitingSequenceHeader {
		if err := d.harvestCICPFromSequenceHeader(); err != nil {
			return err
		}
	}
	d.state = parseStateComplete
	return nil
}

func (d *Decoder) parseContainer() error {
	file, err := bmff.Parse(d.rd)
	if err != nil {
		return d.mapBmffError(err)
	}
	for _, raw := range file.Tracks {
		track := &trackModel{raw: raw}
		d.tracks = append(d.tracks, track)
		if raw.IsVideoHandler() &&
			!track.checkLimits(d.settings.ImageSizeLimit, d.settings.ImageDimensionLimit) {
			return bmffParseFailed("track dimensions too large")
		}
	}
	if len(d.tracks) > 0 {
		d.image.ImageSequenceTrackPresent = true
	}
	if file.Meta != nil {
		if d.items, err = constructItems(file.Meta); err != nil {
			return err
		}
	} else {
		d.items = map[uint32]*Item{}
	}
	if file.Ftyp.HasTmap() {
		hasTmapItem := false
		for _, item := range d.items {
			if item.ItemType == "tmap" {
				hasTmapItem = true
				break
			}
		}
		if !hasTmapItem {
			return bmffParseFailed("tmap brand present but no tmap item found")
		}
	}
	for _, id := range sortedItemIDs(d.items) {
		err := d.items[id].harvestIspe(
			d.settings.StrictFlags.has(StrictAlphaIspeRequired),
			d.settings.ImageSizeLimit,
			d.settings.ImageDimensionLimit,
		)
		if err != nil {
			return err
		}
	}

	// Source selection: AUTO follows the major brand, then track
	// presence.
	switch d.settings.Source {
	case SourceTracks:
		d.source = SourceTracks
	case SourcePrimaryItem:
		d.source = SourcePrimaryItem
	default:
		switch file.Ftyp.MajorBrand {
		case "avis":
			d.source = SourceTracks
		case "avif":
			d.source = SourcePrimaryItem
		default:
			if len(d.tracks) == 0 {
				d.source = SourcePrimaryItem
			} else {
				d.source = SourceTracks
			}
		}
	}

	var colorProperties []bmff.Property
	var alphaProperties []bmff.Property
	var gainmapProperties []bmff.Property
	isSampleTransform := false

	if d.source == SourceTracks {
		props, alphaProps, err := d.parseTracks()
		if err != nil {
			return err
		}
		colorProperties = props
		alphaProperties = alphaProps
	} else {
		props, alphaProps, gainmapProps, sato, err := d.parsePrimaryItem(file)
		if err != nil {
			return err
		}
		colorProperties = props
		alphaProperties = alphaProps
		gainmapProperties = gainmapProps
		isSampleTransform = sato
	}

	// Every sample must have a nonzero size, and the main image's coded
	// sizes feed the IO stats.
	for _, item := range allDecodingItems {
		for _, tile := range d.tiles[item.index()] {
			for _, sample := range tile.Input.Samples {
				if sample.Size == 0 {
					return bmffParseFailed("sample has invalid size")
				}
				if item.itemIdx <= 1 {
					switch item.category {
					case CategoryColor:
						d.ioStats.ColorOBUSize += sample.Size
					case CategoryAlpha:
						d.ioStats.AlphaOBUSize += sample.Size
					}
				}
			}
		}
	}

	// colr handling: nclx drives matrix/range semantics; ICC rides along
	// as metadata (at most one box of each colour type).
	cicpSet := false
	nclx, err := findNclx(colorProperties)
	if err != nil {
		return err
	}
	if nclx != nil {
		nclxToImage(nclx, d.image)
		cicpSet = true
	}
	icc, err := findIcc(colorProperties)
	if err != nil {
		return err
	}
	if icc != nil {
		d.image.SetICC(icc)
	}
	d.image.CLLI = findClli(colorProperties)
	d.image.Pasp = findPasp(colorProperties)
	d.image.Clap = findClap(colorProperties)
	d.image.IrotAngle = findIrot(colorProperties)
	d.image.ImirAxis = findImir(colorProperties)

	if alphaProperties != nil {
		// Transformative properties attached to the alpha item must match
		// the color item's; absence is tolerated for compatibility with
		// older encoders.
		alphaClap := findClap(alphaProperties)
		alphaIrot := findIrot(alphaProperties)
		alphaImir := findImir(alphaProperties)
		if alphaClap != nil || alphaIrot != nil || alphaImir != nil {
			if !cleanAperturesEqual(d.image.Clap, alphaClap) ||
				!uint8PtrsEqual(d.image.IrotAngle, alphaIrot) ||
				!uint8PtrsEqual(d.image.ImirAxis, alphaImir) {
				return ErrNotImplemented
			}
		}
	}
	if gainmapProperties != nil {
		// The base and gain map items must agree on pasp/clap/irot/imir.
		if !paspsEqual(d.image.Pasp, findPasp(gainmapProperties)) ||
			!cleanAperturesEqual(d.image.Clap, findClap(gainmapProperties)) ||
			!uint8PtrsEqual(d.image.IrotAngle, findIrot(gainmapProperties)) ||
			!uint8PtrsEqual(d.image.ImirAxis, findImir(gainmapProperties)) {
			return ErrDecodeGainMapFailed
		}
	}

	config := findCodecConfiguration(colorProperties)
	if config == nil {
		return bmffParseFailed("missing codec configuration property")
	}
	d.image.Depth = config.Depth()
	if isSampleTransform {
		// The sample transform output depth comes from pixi, not from the
		// inputs' codec config.
		if pixi := findPixi(colorProperties); pixi != nil {
			d.image.Depth = pixi.Planes[0].Depth
		}
	}
	d.image.YuvFormat = config.PixelFormat()
	d.image.ChromaSamplePosition = config.ChromaSamplePosition()

	if d.settings.StrictFlags.has(StrictClapValid) && d.image.Clap != nil {
		_, err := CropRectFromCleanAperture(d.image.Clap, d.image.Width, d.image.Height, d.image.YuvFormat)
		if err != nil {
			return bmffParseFailed("invalid clap property: %v", err)
		}
	}

	if cicpSet {
		d.state = parseStateComplete
		return nil
	}
	d.state = parseStateAwaitingSequenceHeader
	return nil
}

func cleanAperturesEqual(a, b *bmff.CleanAperture) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func uint8PtrsEqual(a, b *uint8) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func paspsEqual(a, b *PixelAspectRatio) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

// parseTracks wires the color and alpha tracks into tiles and harvests
// sequence-level timing.
func (d *Decoder) parseTracks() (colorProps, alphaProps []bmff.Property, err error) {
	var colorTrack *trackModel
	for _, track := range d.tracks {
		if track.isColor() {
			colorTrack = track
			break
		}
	}
	if colorTrack == nil {
		return nil, nil, ErrNoContent
	}
	d.colorTrack = colorTrack
	if colorTrack.raw.Meta != nil {
		trackItems, err := constructItems(colorTrack.raw.Meta)
		if err != nil {
			return nil, nil, err
		}
		if err := d.searchExifXmpMetadata(trackItems, 0); err != nil {
			return nil, nil, err
		}
	}
	colorProps = colorTrack.av1Properties()
	if colorProps == nil {
		return nil, nil, ErrBmffParseFailed
	}

	colorTile, err := createTileFromTrack(colorTrack, d.settings.ImageCountLimit, d.rd.SizeHint(), CategoryColor)
	if err != nil {
		return nil, nil, err
	}
	d.tiles[decodingItemColor.index()] = []*Tile{colorTile}
	d.tileInfo[decodingItemColor.index()].TileCount = 1

	for _, track := range d.tracks {
		if track.isAux(colorTrack.raw.ID) && track.isAuxiliaryAlpha() {
			alphaTile, err := createTileFromTrack(track, d.settings.ImageCountLimit, d.rd.SizeHint(), CategoryAlpha)
			if err != nil {
				return nil, nil, err
			}
			d.tiles[decodingItemAlpha.index()] = []*Tile{alphaTile}
			d.tileInfo[decodingItemAlpha.index()].TileCount = 1
			d.image.AlphaPresent = true
			d.image.AlphaPremultiplied = colorTrack.raw.PremByID == track.raw.ID
			alphaProps = track.av1Properties()
			break
		}
	}

	d.imageIndex = -1
	d.imageCount = uint32(len(colorTile.Input.Samples))
	// All plane classes must agree on the frame count.
	for _, tiles := range d.tiles {
		if len(tiles) > 0 && uint32(len(tiles[0].Input.Samples)) != d.imageCount {
			return nil, nil, bmffParseFailed("not all tracks have the same number of samples")
		}
	}

	d.timescale = uint64(colorTrack.raw.MediaTimescale)
	d.durationInTimescales = colorTrack.raw.MediaDuration
	if d.timescale != 0 {
		d.duration = float64(d.durationInTimescales) / float64(d.timescale)
	}
	if d.repetitionCount, err = colorTrack.repetitionCount(); err != nil {
		return nil, nil, err
	}
	d.image.Width = colorTrack.raw.Width
	d.image.Height = colorTrack.raw.Height
	return colorProps, alphaProps, nil
}

// parsePrimaryItem resolves the primary item (through tmap and sato
// derivations), the alpha auxiliary, and the gain map, then plans tiles
// for each.
func (d *Decoder) parsePrimaryItem(file *bmff.File) (colorProps, alphaProps, gainmapProps []bmff.Property, isSampleTransform bool, err error) {
	if file.Meta == nil || file.Meta.PrimaryItemID == 0 {
		return nil, nil, nil, false, ErrMissingImageItem
	}
	var itemIDs [decodingItemCount]uint32

	primaryItemID, err := d.findAndParseItem(file.Meta.PrimaryItemID, decodingItemColor, file)
	if err != nil {
		return nil, nil, nil, false, err
	}
	itemIDs[decodingItemColor.index()] = primaryItemID

	primaryItem := d.items[primaryItemID]
	if primaryItem.isToneMappedItem() {
		// validateSourceItems guarantees two inputs: (base, gain map).
		baseItemID := primaryItem.SourceItemIDs[0]
		gainmapID := primaryItem.SourceItemIDs[1]
		itemIDs[decodingItemColor.index()] = baseItemID
		if err := d.readAndParseItem(baseItemID, decodingItemColor); err != nil {
			return nil, nil, nil, false, err
		}
		if err := d.readAndParseItem(gainmapID, decodingItemGainmap); err != nil {
			return nil, nil, nil, false, err
		}
		if err := d.harvestGainmapProperties(gainmapID, primaryItemID, baseItemID); err != nil {
			return nil, nil, nil, false, err
		}
		d.gainmap.Metadata = d.tileInfo[decodingItemColor.index()].GainMapMetadata
		d.gainmapPresent = true
		if d.settings.ImageContentToDecode.gainmap() {
			itemIDs[decodingItemGainmap.index()] = gainmapID
		}
	}

	alphaPresent := false
	alphaPremultiplied := false
	if d.items[primaryItemID].isSampleTransformItem() {
		sourceIDs := d.items[primaryItemID].SourceItemIDs
		for idx, sourceID := range sourceIDs {
			colorSlot := decodingItem{CategoryColor, idx + 1}
			itemIDs[colorSlot.index()] = sourceID
			if err := d.readAndParseItem(sourceID, colorSlot); err != nil {
				return nil, nil, nil, false, err
			}
			alphaItemID, err := d.findAlphaItem(sourceID)
			if err != nil {
				return nil, nil, nil, false, err
			}
			if alphaItemID != 0 {
				alphaSlot := decodingItem{CategoryAlpha, idx + 1}
				if !d.items[alphaItemID].madeUp {
					if err := d.readAndParseItem(alphaItemID, alphaSlot); err != nil {
						return nil, nil, nil, false, err
					}
				}
				itemIDs[alphaSlot.index()] = alphaItemID
				isPremultiplied := d.items[sourceID].PremByID == alphaItemID
				if idx > 0 && !alphaPresent {
					return nil, nil, nil, false, invalidImageGrid("sato inputs must either all have alpha or none")
				}
				if alphaPresent && alphaPremultiplied != isPremultiplied {
					return nil, nil, nil, false, invalidImageGrid("sato input alpha premultiplication differs")
				}
				alphaPresent = true
				alphaPremultiplied = isPremultiplied
			} else if alphaPresent {
				return nil, nil, nil, false, invalidImageGrid("sato inputs must either all have alpha or none")
			}
			source := d.items[sourceID]
			sourceConfig := source.codecConfig()
			if sourceConfig == nil {
				return nil, nil, nil, false, ErrBmffParseFailed
			}
			d.extraInputs[idx] = &Image{
				Width:                source.Width,
				Height:               source.Height,
				Depth:                sourceConfig.Depth(),
				YuvFormat:            sourceConfig.PixelFormat(),
				ChromaSamplePosition: sourceConfig.ChromaSamplePosition(),
			}
		}
		isSampleTransform = true
	}

	if err := d.searchExifXmpMetadata(d.items, itemIDs[decodingItemColor.index()]); err != nil {
		return nil, nil, nil, false, err
	}

	alphaItemID, err := d.findAlphaItem(itemIDs[decodingItemColor.index()])
	if err != nil {
		return nil, nil, nil, false, err
	}
	if alphaItemID != 0 {
		if !d.items[alphaItemID].madeUp {
			if err := d.readAndParseItem(alphaItemID, decodingItemAlpha); err != nil {
				return nil, nil, nil, false, err
			}
		}
		itemIDs[decodingItemAlpha.index()] = alphaItemID
		alphaPresent = true
		alphaPremultiplied = d.items[itemIDs[decodingItemColor.index()]].PremByID == alphaItemID
	}

	d.imageIndex = -1
	d.imageCount = 1
	d.timescale = 1
	d.duration = 1
	d.durationInTimescales = 1
	d.imageTiming = ImageTiming{
		Timescale:            1,
		Duration:             1,
		DurationInTimescales: 1,
	}

	for _, slot := range allDecodingItems {
		itemID := itemIDs[slot.index()]
		if itemID == 0 {
			continue
		}
		item := d.items[itemID]
		if slot.category == CategoryAlpha && item.Width == 0 && item.Height == 0 {
			// NON-STANDARD: alpha item with no ispe adopts the color
			// item's geometry (only reachable with the strict rule off).
			colorItem := d.items[itemIDs[decodingItemColor.index()]]
			item.Width = colorItem.Width
			item.Height = colorItem.Height
		}
		tiles, err := d.generateTiles(itemID, slot)
		if err != nil {
			return nil, nil, nil, false, err
		}
		d.tiles[slot.index()] = tiles
		// Synthesized alpha items carry no pixi; sample transforms must
		// signal their depth explicitly.
		pixiRequired := d.settings.StrictFlags.has(StrictPixiRequired) && !item.madeUp ||
			item.isSampleTransformItem()
		if err := item.validateProperties(d.items, pixiRequired); err != nil {
			return nil, nil, nil, false, err
		}
	}

	colorItem := d.items[itemIDs[decodingItemColor.index()]]
	d.image.Width = colorItem.Width
	d.image.Height = colorItem.Height
	d.image.AlphaPresent = alphaPresent
	d.image.AlphaPremultiplied = alphaPremultiplied

	if colorItem.Progressive {
		d.image.ProgressiveState = ProgressiveStateAvailable
		samples := d.tiles[decodingItemColor.index()][0].Input.Samples
		if len(samples) > 1 {
			d.image.ProgressiveState = ProgressiveStateActive
			d.imageCount = uint32(len(samples))
		}
	}

	if gainmapID := itemIDs[decodingItemGainmap.index()]; gainmapID != 0 {
		gainmapItem := d.items[gainmapID]
		gainmapConfig := gainmapItem.codecConfig()
		if gainmapConfig == nil {
			return nil, nil, nil, false, ErrBmffParseFailed
		}
		d.gainmap.Image.Width = gainmapItem.Width
		d.gainmap.Image.Height = gainmapItem.Height
		d.gainmap.Image.Depth = gainmapConfig.Depth()
		d.gainmap.Image.YuvFormat = gainmapConfig.PixelFormat()
		d.gainmap.Image.ChromaSamplePosition = gainmapConfig.ChromaSamplePosition()
		gainmapProps = gainmapItem.Properties
	}

	colorProps = colorItem.Properties
	if alphaID := itemIDs[decodingItemAlpha.index()]; alphaID != 0 {
		alphaProps = d.items[alphaID].Properties
	}
	return colorProps, alphaProps, gainmapProps, isSampleTransform, nil
}

// findAndParseItem resolves itemID through the altr entity group if one
// names it, picking the first alternative that parses.
func (d *Decoder) findAndParseItem(itemID uint32, slot decodingItem, file *bmff.File) (uint32, error) {
	itemIDs := []uint32{itemID}
	if file.Meta != nil {
		for _, group := range file.Meta.Grpl {
			if group.GroupingType != "altr" {
				continue
			}
			for _, id := range group.EntityIDs {
				if id == itemID {
					itemIDs = group.EntityIDs
					break
				}
			}
		}
	}
	for _, id := range itemIDs {
		item, ok := d.items[id]
		if !ok {
			continue
		}
		if item.shouldSkip() ||
			!item.isImageItem() ||
			(item.isToneMappedItem() && !file.Ftyp.HasTmap()) ||
			(item.isSampleTransformItem() && !d.settings.AllowSampleTransform) {
			continue
		}
		err := d.readAndParseItem(id, slot)
		if err == nil {
			return id, nil
		}
		if errors.Is(err, ErrNotImplemented) {
			continue
		}
		return 0, err
	}
	return 0, ErrNoContent
}

// readAndParseItem populates the derived payload (grid/iovl/tmap/sato)
// of itemID and validates its dimg inputs.
func (d *Decoder) readAndParseItem(itemID uint32, slot decodingItem) error {
	if itemID == 0 {
		return nil
	}
	if err := d.populateSourceItemIDs(itemID); err != nil {
		return err
	}
	item := d.items[itemID]
	info := &d.tileInfo[slot.index()]
	switch {
	case item.isGridItem():
		if err := d.parseGridPayload(item, &info.Grid); err != nil {
			return err
		}
	case item.isOverlayItem():
		if err := d.parseOverlayPayload(item, &info.Overlay); err != nil {
			return err
		}
	case item.isToneMappedItem():
		payload, err := item.payload(d.rd)
		if err != nil {
			return err
		}
		if info.GainMapMetadata, err = parseTmap(bmff.NewStream(payload)); err != nil {
			return err
		}
	case item.isSampleTransformItem():
		payload, err := item.payload(d.rd)
		if err != nil {
			return err
		}
		if info.SampleTransform, err = parseSato(bmff.NewStream(payload), len(item.SourceItemIDs)); err != nil {
			return err
		}
	}
	return d.validateSourceItems(itemID, info)
}

func (d *Decoder) parseGridPayload(item *Item, grid *Grid) error {
	payload, err := item.payload(d.rd)
	if err != nil {
		return err
	}
	s := bmff.NewStream(payload)
	// unsigned int(8) version = 0;
	version, err := s.ReadU8()
	if err != nil {
		return ErrBmffParseFailed
	}
	if version != 0 {
		return ErrNotImplemented
	}
	// unsigned int(8) flags;
	flags, err := s.ReadU8()
	if err != nil {
		return ErrBmffParseFailed
	}
	// unsigned int(8) rows_minus_one; unsigned int(8) columns_minus_one;
	rows, err := s.ReadU8()
	if err != nil {
		return ErrBmffParseFailed
	}
	columns, err := s.ReadU8()
	if err != nil {
		return ErrBmffParseFailed
	}
	grid.Rows = uint32(rows) + 1
	grid.Columns = uint32(columns) + 1
	if flags&1 == 1 {
		// unsigned int(32) output_width/output_height;
		if grid.Width, err = s.ReadU32(); err != nil {
			return ErrBmffParseFailed
		}
		if grid.Height, err = s.ReadU32(); err != nil {
			return ErrBmffParseFailed
		}
	} else {
		// unsigned int(16) output_width/output_height;
		w, err := s.ReadU16()
		if err != nil {
			return ErrBmffParseFailed
		}
		h, err := s.ReadU16()
		if err != nil {
			return ErrBmffParseFailed
		}
		grid.Width = uint32(w)
		grid.Height = uint32(h)
	}
	if err := d.validateDerivedImageDimensions(grid.Width, grid.Height); err != nil {
		return err
	}
	if s.HasBytesLeft() {
		return invalidImageGrid("found unknown extra bytes in the grid box")
	}
	return nil
}

func (d *Decoder) parseOverlayPayload(item *Item, overlay *Overlay) error {
	payload, err := item.payload(d.rd)
	if err != nil {
		return err
	}
	s := bmff.NewStream(payload)
	version, err := s.ReadU8()
	if err != nil {
		return ErrBmffParseFailed
	}
	if version != 0 {
		return ErrNotImplemented
	}
	flags, err := s.ReadU8()
	if err != nil {
		return ErrBmffParseFailed
	}
	for i := 0; i < 4; i++ {
		// unsigned int(16) canvas_fill_value;
		if overlay.CanvasFillValue[i], err = s.ReadU16(); err != nil {
			return ErrBmffParseFailed
		}
	}
	large := flags&1 == 1
	readDimension := func() (uint32, error) {
		if large {
			return s.ReadU32()
		}
		v, err := s.ReadU16()
		return uint32(v), err
	}
	if overlay.Width, err = readDimension(); err != nil {
		return ErrBmffParseFailed
	}
	if overlay.Height, err = readDimension(); err != nil {
		return ErrBmffParseFailed
	}
	if err := d.validateDerivedImageDimensions(overlay.Width, overlay.Height); err != nil {
		return err
	}
	for range item.SourceItemIDs {
		if large {
			h, err := s.ReadI32()
			if err != nil {
				return ErrBmffParseFailed
			}
			v, err := s.ReadI32()
			if err != nil {
				return ErrBmffParseFailed
			}
			overlay.HorizontalOffsets = append(overlay.HorizontalOffsets, h)
			overlay.VerticalOffsets = append(overlay.VerticalOffsets, v)
		} else {
			h, err := s.ReadI16()
			if err != nil {
				return ErrBmffParseFailed
			}
			v, err := s.ReadI16()
			if err != nil {
				return ErrBmffParseFailed
			}
			overlay.HorizontalOffsets = append(overlay.HorizontalOffsets, int32(h))
			overlay.VerticalOffsets = append(overlay.VerticalOffsets, int32(v))
		}
	}
	if s.HasBytesLeft() {
		return invalidImageGrid("found unknown extra bytes in the iovl box")
	}
	return nil
}

func (d *Decoder) validateDerivedImageDimensions(width, height uint32) error {
	if width == 0 || height == 0 ||
		!checkDimensionLimits(width, height, d.settings.ImageSizeLimit, d.settings.ImageDimensionLimit) {
		return invalidImageGrid("invalid derived image dimensions")
	}
	return nil
}

// populateSourceItemIDs collects the dimg children of a derived item in
// iref order and adopts the first input's codec config (and colr, for
// grids and overlays) when the derived item lacks its own.
func (d *Decoder) populateSourceItemIDs(itemID uint32) error {
	item := d.items[itemID]
	if !item.isDerivedImageItem() {
		return nil
	}
	var sourceIDs []uint32
	var firstConfigProperty bmff.Property
	var firstIccProperty bmff.Property
	var firstNclxProperty bmff.Property
	for _, id := range sortedItemIDs(d.items) {
		if id == itemID {
			continue
		}
		dimgItem := d.items[id]
		if dimgItem.DimgForID != itemID {
			continue
		}
		if dimgItem.shouldSkip() {
			return ErrNotImplemented
		}
		if dimgItem.isImageCodecItem() {
			for _, p := range dimgItem.Properties {
				switch prop := p.(type) {
				case *bmff.Av1CodecConfiguration, *bmff.HevcCodecConfiguration:
					if firstConfigProperty == nil {
						firstConfigProperty = p
					}
				case bmff.ColorInformation:
					if prop.ICC != nil && firstIccProperty == nil {
						firstIccProperty = p
					}
					if prop.Nclx != nil && firstNclxProperty == nil {
						firstNclxProperty = p
					}
				}
			}
		}
		sourceIDs = append(sourceIDs, id)
	}
	if len(sourceIDs) == 0 {
		return nil
	}
	// iref order defines cell order: left-to-right, top-to-bottom.
	for i := 1; i < len(sourceIDs); i++ {
		for j := i; j > 0 && d.items[sourceIDs[j]].DimgIndex < d.items[sourceIDs[j-1]].DimgIndex; j-- {
			sourceIDs[j], sourceIDs[j-1] = sourceIDs[j-1], sourceIDs[j]
		}
	}
	item.SourceItemIDs = sourceIDs
	if firstConfigProperty != nil && item.codecConfig() == nil {
		// Adopt the first tile's configuration; validateProperties makes
		// sure they all match.
		item.Properties = append(item.Properties, firstConfigProperty)
	}
	if item.isGridItem() || item.isOverlayItem() {
		existingIcc, err := findIcc(item.Properties)
		if err != nil {
			return err
		}
		if firstIccProperty != nil && existingIcc == nil {
			item.Properties = append(item.Properties, firstIccProperty)
		}
		existingNclx, err := findNclx(item.Properties)
		if err != nil {
			return err
		}
		if firstNclxProperty != nil && existingNclx == nil {
			item.Properties = append(item.Properties, firstNclxProperty)
		}
	}
	return nil
}

func (d *Decoder) validateSourceItems(itemID uint32, info *TileInfo) error {
	item := d.items[itemID]
	sources := make([]*Item, 0, len(item.SourceItemIDs))
	for _, id := range item.SourceItemIDs {
		source, ok := d.items[id]
		if !ok {
			return invalidImageGrid("missing derived item")
		}
		sources = append(sources, source)
	}
	switch {
	case item.isGridItem():
		if uint32(len(sources)) != info.gridTileCount() {
			return invalidImageGrid("expected number of tiles not found")
		}
		for _, source := range sources {
			if !source.isImageCodecItem() {
				return invalidImageGrid("invalid grid items")
			}
		}
	case item.isOverlayItem():
		if len(sources) == 0 {
			return bmffParseFailed("no dimg items found for iovl")
		}
		for _, source := range sources {
			if source.isGridItem() {
				// MIAF allows overlays of grids; unsupported here.
				return ErrNotImplemented
			}
			if !source.isImageCodecItem() {
				return invalidImageGrid("invalid overlay items")
			}
		}
	case item.isToneMappedItem():
		if len(sources) != 2 {
			return invalidToneMappedImage("expected tmap to have 2 dimg items")
		}
		for _, source := range sources {
			if !source.isImageCodecItem() && !source.isGridItem() {
				return invalidImageGrid("invalid tmap items")
			}
		}
	case item.isSampleTransformItem():
		if len(sources) > 32 {
			return invalidImageGrid("expected sato to have between 0 and 32 dimg items")
		}
		if len(sources) > maxExtraInputs {
			return ErrNotImplemented
		}
		for _, source := range sources {
			if !source.isImageCodecItem() && !source.isGridItem() {
				return invalidImageGrid("invalid sato items")
			}
		}
	}
	return nil
}

// findAlphaItem locates the alpha auxiliary of colorItemID. When the
// color item is a grid whose cells each carry their own alpha auxiliary,
// a synthetic alpha grid item is made up to mirror it.
func (d *Decoder) findAlphaItem(colorItemID uint32) (uint32, error) {
	colorItem := d.items[colorItemID]
	for _, id := range sortedItemIDs(d.items) {
		item := d.items[id]
		if !item.shouldSkip() && item.AuxForID == colorItem.ID && item.isAuxiliaryAlpha() {
			return id, nil
		}
	}
	if !colorItem.isGridItem() || len(colorItem.SourceItemIDs) == 0 {
		return 0, nil
	}
	// Per-cell alpha: every color cell must have an auxl alpha item.
	alphaItemIDs := make([]uint32, 0, len(colorItem.SourceItemIDs))
	for _, cellID := range colorItem.SourceItemIDs {
		found := uint32(0)
		for _, id := range sortedItemIDs(d.items) {
			item := d.items[id]
			if item.AuxForID == cellID && item.isAuxiliaryAlpha() {
				found = id
				break
			}
		}
		if found == 0 {
			if len(alphaItemIDs) == 0 {
				return 0, nil
			}
			return 0, bmffParseFailed("some but not all grid cells have an alpha auxiliary item")
		}
		alphaItemIDs = append(alphaItemIDs, found)
	}
	// Make up an alpha grid item under an unused id.
	var alphaItemID uint32
	for id := uint32(1); id != 0; id++ {
		if _, exists := d.items[id]; !exists {
			alphaItemID = id
			break
		}
	}
	if alphaItemID == 0 {
		return 0, nil
	}
	firstCell := d.items[alphaItemIDs[0]]
	var configProperty bmff.Property
	for _, p := range firstCell.Properties {
		switch p.(type) {
		case *bmff.Av1CodecConfiguration, *bmff.HevcCodecConfiguration:
			configProperty = p
		}
	}
	if configProperty == nil {
		return 0, nil
	}
	alphaItem := &Item{
		ID:            alphaItemID,
		ItemType:      "grid",
		Width:         colorItem.Width,
		Height:        colorItem.Height,
		SourceItemIDs: alphaItemIDs,
		Properties:    []bmff.Property{configProperty},
		madeUp:        true,
	}
	// A made-up item has no payload; give it a nominal size so planning
	// does not skip it.
	for _, id := range alphaItemIDs {
		alphaItem.Size += d.items[id].Size
	}
	d.tileInfo[decodingItemAlpha.index()].Grid = d.tileInfo[decodingItemColor.index()].Grid
	d.items[alphaItemID] = alphaItem
	return alphaItemID, nil
}

func (d *Decoder) harvestGainmapProperties(gainmapID, tonemapID, colorItemID uint32) error {
	gainmapItem, ok := d.items[gainmapID]
	if !ok {
		return ErrInvalidToneMappedImage
	}
	// HEIF 6.6.2.4.1: the gain map input image is associated with an nclx
	// colr that records the encoder-side transformations.
	if nclx, err := findNclx(gainmapItem.Properties); err != nil {
		return err
	} else if nclx != nil {
		nclxToImage(nclx, d.gainmap.Image)
	}
	tonemapItem, ok := d.items[tonemapID]
	if !ok {
		return ErrInvalidToneMappedImage
	}
	if nclx, err := findNclx(tonemapItem.Properties); err != nil {
		return err
	} else if nclx != nil {
		d.gainmap.AltColorPrimaries = ColorPrimaries(nclx.ColorPrimaries)
		d.gainmap.AltTransferCharacteristics = TransferCharacteristics(nclx.TransferCharacteristics)
		d.gainmap.AltMatrixCoefficients = MatrixCoefficients(nclx.MatrixCoefficients)
		if nclx.FullRange {
			d.gainmap.AltYuvRange = YuvRangeFull
		} else {
			d.gainmap.AltYuvRange = YuvRangeLimited
		}
	}
	if icc, err := findIcc(tonemapItem.Properties); err != nil {
		return err
	} else if icc != nil {
		d.gainmap.AltICC = append([]byte(nil), icc...)
	}
	if clli := findClli(tonemapItem.Properties); clli != nil {
		d.gainmap.AltCLLI = clli
	}
	if pixi := findPixi(tonemapItem.Properties); pixi != nil {
		d.gainmap.AltPlaneCount = uint8(len(pixi.Planes))
		d.gainmap.AltPlaneDepth = pixi.Planes[0].Depth
	}
	if ispe := findIspe(tonemapItem.Properties); ispe != nil {
		colorItem, ok := d.items[colorItemID]
		if !ok {
			return ErrInvalidToneMappedImage
		}
		if ispe.Width != colorItem.Width || ispe.Height != colorItem.Height {
			return invalidToneMappedImage("tmap ispe does not match base image")
		}
	} else {
		return invalidToneMappedImage("tmap is missing mandatory ispe property")
	}
	if findPasp(tonemapItem.Properties) != nil || findClap(tonemapItem.Properties) != nil ||
		findIrot(tonemapItem.Properties) != nil || findImir(tonemapItem.Properties) != nil {
		return ErrInvalidToneMappedImage
	}
	return nil
}

func (d *Decoder) searchExifXmpMetadata(items map[uint32]*Item, colorItemID uint32) error {
	if !d.settings.IgnoreExif {
		for _, id := range sortedItemIDs(items) {
			item := items[id]
			if !item.isExif(colorItemID) {
				continue
			}
			payload, err := item.payload(d.rd)
			if err != nil {
				return err
			}
			exif, err := parseExifPayload(payload)
			if err != nil {
				return err
			}
			d.image.SetExif(exif)
		}
	}
	if !d.settings.IgnoreXMP {
		for _, id := range sortedItemIDs(items) {
			item := items[id]
			if !item.isXMP(colorItemID) {
				continue
			}
			payload, err := item.payload(d.rd)
			if err != nil {
				return err
			}
			d.image.SetXMP(payload)
		}
	}
	return nil
}

// generateTiles plans the tile list of one decode slot: one tile for a
// plain coded item, one per cell for derived items.
func (d *Decoder) generateTiles(itemID uint32, slot decodingItem) ([]*Tile, error) {
	item, ok := d.items[itemID]
	if !ok {
		return nil, ErrMissingImageItem
	}
	var tiles []*Tile
	if item.isSampleTransformItem() {
		// The output is computed, not decoded; its inputs own the tiles.
		d.tileInfo[slot.index()].TileCount = 0
		return tiles, nil
	}
	if len(item.SourceItemIDs) == 0 {
		if item.Size == 0 {
			return nil, ErrMissingImageItem
		}
		tile, err := createTileFromItem(item, d.settings.AllowProgressive, d.settings.ImageCountLimit, d.rd.SizeHint())
		if err != nil {
			return nil, err
		}
		tile.Input.Category = slot.category
		tiles = append(tiles, tile)
	} else {
		if !d.tileInfo[slot.index()].isDerivedImage() {
			return nil, invalidImageGrid("dimg items were found but image is not a derived image")
		}
		progressive := true
		for _, sourceID := range item.SourceItemIDs {
			source, ok := d.items[sourceID]
			if !ok {
				return nil, invalidImageGrid("missing derived item")
			}
			tile, err := createTileFromItem(source, d.settings.AllowProgressive, d.settings.ImageCountLimit, d.rd.SizeHint())
			if err != nil {
				return nil, err
			}
			tile.Input.Category = slot.category
			tiles = append(tiles, tile)
			progressive = progressive && source.Progressive
		}
		if slot == decodingItemColor && progressive {
			// Propagate the progressive status to the top-level item.
			item.Progressive = true
		}
	}
	d.tileInfo[slot.index()].TileCount = uint32(len(tiles))
	return tiles, nil
}

// harvestCICPFromSequenceHeader scans the first color sample's OBUs for
// the sequence header and adopts its CICP.
func (d *Decoder) harvestCICPFromSequenceHeader() error {
	tiles := d.tiles[decodingItemColor.index()]
	if len(tiles) == 0 {
		return nil
	}
	sample := &tiles[0].Input.Samples[0]
	for searchSize := uint64(64); searchSize < 4096; searchSize += 64 {
		size := searchSize
		if sample.Size < size {
			size = sample.Size
		}
		var itemBuffer []byte
		if sample.ItemID != 0 {
			item := d.items[sample.ItemID]
			if len(item.Extents) > 1 || len(item.Idat) > 0 {
				payload, err := item.payload(d.rd)
				if err != nil {
					return err
				}
				itemBuffer = payload
			}
		}
		data, err := sample.partialData(d.rd, itemBuffer, size)
		if err != nil {
			return err
		}
		header, err := parseSequenceHeaderFromOBUs(data)
		if err != nil {
			if size == sample.Size {
				d.diag.warn("no colr box and no parsable sequence header; colorimetry left unspecified")
				break
			}
			continue
		}
		d.image.ColorPrimaries = header.colorPrimaries
		d.image.TransferCharacteristics = header.transferCharacteristics
		d.image.MatrixCoefficients = header.matrixCoefficients
		d.image.YuvRange = header.yuvRange
		return nil
	}
	return nil
}
