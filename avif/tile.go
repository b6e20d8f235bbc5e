package avif

// maxAV1LayerCount is the number of spatial layers AV1 allows.
const maxAV1LayerCount = 4

// DecodeSample is one codec submission: a byte range of OBUs plus the
// layer filter to apply.
type DecodeSample struct {
	ItemID uint32 // 0 when the bytes come from a track sample
	Offset uint64
	Size   uint64
	// SpatialID selects the AV1 spatial layer, or 0xff for no filtering.
	SpatialID uint8
	Sync      bool
}

// data resolves the sample's bytes. For multi-extent items the merged
// item buffer is consulted; otherwise a direct ranged read is issued.
func (s *DecodeSample) data(rd IO, itemBuffer []byte) ([]byte, error) {
	return s.partialData(rd, itemBuffer, s.Size)
}

func (s *DecodeSample) partialData(rd IO, itemBuffer []byte, size uint64) ([]byte, error) {
	if itemBuffer != nil {
		start := s.Offset
		end := start + size
		if end > uint64(len(itemBuffer)) {
			return nil, ErrTruncatedData
		}
		return itemBuffer[start:end], nil
	}
	data, err := rd.Read(s.Offset, int(size))
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) != size {
		return nil, ErrTruncatedData
	}
	return data, nil
}

// DecodeInput is the ordered sample list feeding one codec instance.
type DecodeInput struct {
	Samples   []DecodeSample
	AllLayers bool
	Category  Category
}

// Grid is the payload of a grid derivation item.
type Grid struct {
	Rows    uint32
	Columns uint32
	Width   uint32
	Height  uint32
}

// Overlay is the payload of an iovl derivation item.
type Overlay struct {
	CanvasFillValue   [4]uint16
	Width             uint32
	Height            uint32
	HorizontalOffsets []int32
	VerticalOffsets   []int32
}

// TileInfo tracks the derivation shape and decode progress of one plane
// class.
type TileInfo struct {
	TileCount        uint32
	DecodedTileCount uint32
	Grid             Grid
	Overlay          Overlay
	GainMapMetadata  GainMapMetadata
	SampleTransform  SampleTransform
}

func (t *TileInfo) isGrid() bool { return t.Grid.Rows > 0 && t.Grid.Columns > 0 }

func (t *TileInfo) isOverlay() bool {
	return len(t.Overlay.HorizontalOffsets) > 0 && len(t.Overlay.VerticalOffsets) > 0
}

func (t *TileInfo) isSampleTransform() bool { return len(t.SampleTransform.Tokens) > 0 }

func (t *TileInfo) isDerivedImage() bool {
	return t.isGrid() || t.isOverlay() || t.isSampleTransform()
}

func (t *TileInfo) gridTileCount() uint32 {
	if t.isGrid() {
		return t.Grid.Rows * t.Grid.Columns
	}
	return 1
}

func (t *TileInfo) isFullyDecoded() bool { return t.TileCount == t.DecodedTileCount }

// decodedRowCount is the number of fully-populated destination rows, for
// incremental consumers. Grid rows become available column-count tiles at
// a time.
func (t *TileInfo) decodedRowCount(imageHeight, tileHeight uint32) uint32 {
	if t.DecodedTileCount == 0 {
		return 0
	}
	if t.DecodedTileCount == t.TileCount || !t.isGrid() {
		return imageHeight
	}
	rows := (t.DecodedTileCount / t.Grid.Columns) * tileHeight
	if rows > imageHeight {
		return imageHeight
	}
	return rows
}

// Tile is one codec-level unit of a frame: one grid cell, or the whole
// item/track sample, of one plane class.
type Tile struct {
	Width          uint32
	Height         uint32
	OperatingPoint uint8
	Image          *Image
	Input          DecodeInput
	CodecIndex     int
	CodecConfig    CodecConfiguration
}

// createTileFromItem plans the samples for a coded item, expanding a1lx
// layer indexing and the lsel layer selector.
func createTileFromItem(item *Item, allowProgressive bool, imageCountLimit uint32, sizeHint uint64) (*Tile, error) {
	if sizeHint != 0 && item.Size > sizeHint {
		return nil, bmffParseFailed("item size exceeds content size")
	}
	if sizeHint != 0 && len(item.Idat) == 0 {
		for _, extent := range item.Extents {
			if extent.Offset+extent.Size > sizeHint {
				return nil, bmffParseFailed("item extent exceeds content size")
			}
		}
	}
	config := item.codecConfig()
	if config == nil {
		return nil, bmffParseFailed("item %d is missing a codec configuration property", item.ID)
	}
	tile := &Tile{
		Width:          item.Width,
		Height:         item.Height,
		OperatingPoint: item.operatingPoint(),
		Image:          &Image{},
		CodecConfig:    config,
	}
	var layerSizes [maxAV1LayerCount]uint64
	layerCount := 0
	a1lx := findA1lx(item.Properties)
	if a1lx != nil {
		remaining := item.Size
		for i := 0; i < 3; i++ {
			layerCount++
			if a1lx.LayerSizes[i] > 0 {
				// >= because there must be room left for the last layer.
				if a1lx.LayerSizes[i] >= remaining {
					return nil, bmffParseFailed("a1lx layer index [%d] does not fit in item size", i)
				}
				layerSizes[i] = a1lx.LayerSizes[i]
				remaining -= a1lx.LayerSizes[i]
			} else {
				layerSizes[i] = remaining
				remaining = 0
				break
			}
		}
		if remaining > 0 {
			layerCount++
			layerSizes[3] = remaining
		}
	}
	lsel := findLsel(item.Properties)
	// Progressive items offer layers via a1lx without selecting one via
	// lsel.
	item.Progressive = a1lx != nil && (lsel == nil || *lsel == 0xFFFF)
	var baseItemOffset uint64
	if len(item.Extents) == 1 {
		baseItemOffset = item.Extents[0].Offset
	}
	switch {
	case lsel != nil && *lsel != 0xFFFF:
		// Layer selection: the codec decodes all layers up to the chosen
		// one and surfaces only that layer as a single frame.
		tile.Input.AllLayers = true
		var sampleSize uint64
		if layerCount > 0 {
			layerID := int(*lsel)
			if layerID >= layerCount {
				return nil, invalidImageGrid("lsel layer index not found in a1lx")
			}
			for _, size := range layerSizes[:layerID+1] {
				sampleSize += size
			}
		} else {
			sampleSize = item.Size
		}
		tile.Input.Samples = append(tile.Input.Samples, DecodeSample{
			ItemID:    item.ID,
			Offset:    baseItemOffset,
			Size:      sampleSize,
			SpatialID: uint8(*lsel),
			Sync:      true,
		})
	case item.Progressive && allowProgressive:
		// Progressive: expose every layer as its own frame.
		if imageCountLimit != 0 && uint32(layerCount) > imageCountLimit {
			return nil, bmffParseFailed("too many progressive layers")
		}
		tile.Input.AllLayers = true
		var offset uint64
		for i := 0; i < layerCount; i++ {
			tile.Input.Samples = append(tile.Input.Samples, DecodeSample{
				ItemID:    item.ID,
				Offset:    baseItemOffset + offset,
				Size:      layerSizes[i],
				SpatialID: 0xff,
				Sync:      i == 0, // Layers depend on the first layer.
			})
			offset += layerSizes[i]
		}
	default:
		// Single frame out of the whole payload.
		tile.Input.Samples = append(tile.Input.Samples, DecodeSample{
			ItemID:    item.ID,
			Offset:    baseItemOffset,
			Size:      item.Size,
			SpatialID: 0xff,
			Sync:      true,
		})
	}
	return tile, nil
}

// createTileFromTrack unrolls the sample table into per-sample byte
// ranges with keyframe flags.
func createTileFromTrack(track *trackModel, imageCountLimit uint32, sizeHint uint64, category Category) (*Tile, error) {
	properties := track.av1Properties()
	config := findCodecConfiguration(properties)
	if config == nil {
		return nil, bmffParseFailed("track %d has no codec configuration", track.raw.ID)
	}
	tile := &Tile{
		Width:       track.raw.Width,
		Height:      track.raw.Height,
		Image:       &Image{},
		CodecConfig: config,
		Input:       DecodeInput{Category: category},
	}
	table := track.raw.SampleTable

	if imageCountLimit != 0 {
		limit := imageCountLimit
		for chunkIndex := range table.ChunkOffsets {
			sampleCount := table.SampleCountFromChunk(uint32(chunkIndex))
			if sampleCount == 0 {
				return nil, bmffParseFailed("chunk with 0 samples found")
			}
			if sampleCount > limit {
				return nil, bmffParseFailed("too many samples in track")
			}
			limit -= sampleCount
		}
	}

	sampleSizeIndex := 0
	for chunkIndex, chunkOffset := range table.ChunkOffsets {
		sampleCount := table.SampleCountFromChunk(uint32(chunkIndex))
		if sampleCount == 0 {
			return nil, bmffParseFailed("chunk with 0 samples found")
		}
		sampleOffset := chunkOffset
		for i := uint32(0); i < sampleCount; i++ {
			sampleSize, err := table.SampleSize(sampleSizeIndex)
			if err != nil {
				return nil, bmffParseFailed("%v", err)
			}
			if sizeHint != 0 && sampleOffset+uint64(sampleSize) > sizeHint {
				return nil, bmffParseFailed("sample exceeds content size")
			}
			tile.Input.Samples = append(tile.Input.Samples, DecodeSample{
				ItemID:    0,
				Offset:    sampleOffset,
				Size:      uint64(sampleSize),
				SpatialID: 0xff,
				// The first sample is assumed sync in case stss is absent.
				Sync: len(tile.Input.Samples) == 0,
			})
			sampleOffset += uint64(sampleSize)
			sampleSizeIndex++
		}
	}
	for _, syncSampleNumber := range table.SyncSamples {
		// stss sample numbers are 1-based.
		if syncSampleNumber == 0 || int(syncSampleNumber) > len(tile.Input.Samples) {
			return nil, bmffParseFailed("invalid sync sample number %d", syncSampleNumber)
		}
		tile.Input.Samples[syncSampleNumber-1].Sync = true
	}
	return tile, nil
}

func (t *Tile) maxSampleSize() uint64 {
	var max uint64
	for _, sample := range t.Input.Samples {
		if sample.Size > max {
			max = sample.Size
		}
	}
	return max
}

// validateGridImageDimensions checks one decoded cell against the grid
// constraints of HEIF §6.6.2.3.1 and MIAF §7.3.11.4.2.
func validateGridImageDimensions(cell *Image, grid *Grid) error {
	if uint64(cell.Width)*uint64(grid.Columns) < uint64(grid.Width) ||
		uint64(cell.Height)*uint64(grid.Rows) < uint64(grid.Height) {
		return invalidImageGrid("grid image tiles do not completely cover the image")
	}
	if uint64(cell.Width)*uint64(grid.Columns-1) >= uint64(grid.Width) ||
		uint64(cell.Height)*uint64(grid.Rows-1) >= uint64(grid.Height) {
		return invalidImageGrid("grid image tiles in the rightmost column and bottommost row do not overlap the reconstructed image grid canvas")
	}
	// MIAF: tile width and height shall be at least 64.
	if cell.Width < 64 || cell.Height < 64 {
		return invalidImageGrid("grid image tile width (%d) or height (%d) cannot be smaller than 64", cell.Width, cell.Height)
	}
	// MIAF: with 4:2:2 the horizontal offsets and widths and the output
	// width shall be even; with 4:2:0 both dimensions shall be.
	if (cell.YuvFormat == PixelFormatYuv420 || cell.YuvFormat == PixelFormatYuv422) &&
		(grid.Width%2 != 0 || cell.Width%2 != 0) {
		return invalidImageGrid("grid width and tile width shall be even with subsampled chroma")
	}
	if cell.YuvFormat == PixelFormatYuv420 &&
		(grid.Height%2 != 0 || cell.Height%2 != 0) {
		return invalidImageGrid("grid height and tile height shall be even with 4:2:0 chroma")
	}
	return nil
}
