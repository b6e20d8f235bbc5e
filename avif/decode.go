package avif

import (
	"errors"
	"sync"

	"github.com/webmproject/goavif/avif/bmff"
)

func (d *Decoder) createCodec(slot decodingItem, tileIndex int) error {
	tile := d.tiles[slot.index()][tileIndex]
	codec, err := resolveDecoderCodec(d.settings.CodecChoice, tile.CodecConfig.IsAV1())
	if err != nil {
		return err
	}
	config := &DecoderConfig{
		OperatingPoint: tile.OperatingPoint,
		AllLayers:      tile.Input.AllLayers,
		Width:          tile.Width,
		Height:         tile.Height,
		Depth:          d.image.Depth,
		MaxThreads:     d.settings.MaxThreads,
		ImageSizeLimit: d.settings.ImageSizeLimit,
		MaxInputSize:   tile.maxSampleSize(),
		CodecConfig:    tile.CodecConfig,
		Category:       slot.category,
	}
	if err := codec.Initialize(config); err != nil {
		codec.Close()
		return err
	}
	d.codecs = append(d.codecs, codec)
	return nil
}

// createCodecs assigns codec instances: one per plane class for tracks
// (persistent across frames), otherwise one per slot, split one per tile
// column for grids so columns can decode in parallel while each instance
// stays single-threaded.
func (d *Decoder) createCodecs() error {
	if len(d.codecs) > 0 {
		return nil
	}
	for _, slot := range decodingItemsFor(d.settings.ImageContentToDecode.categories()) {
		tiles := d.tiles[slot.index()]
		if len(tiles) == 0 {
			continue
		}
		info := &d.tileInfo[slot.index()]
		columns := 1
		if d.source != SourceTracks && info.isGrid() && int(info.Grid.Columns) <= len(tiles) {
			columns = int(info.Grid.Columns)
		}
		base := len(d.codecs)
		for column := 0; column < columns; column++ {
			if err := d.createCodec(slot, column); err != nil {
				return err
			}
		}
		for tileIndex, tile := range tiles {
			tile.CodecIndex = base + tileIndex%columns
		}
	}
	return nil
}

// prepareSample merges the extents of the sample's item into a contiguous
// buffer when needed.
func (d *Decoder) prepareSample(imageIndex int, slot decodingItem, tileIndex int) error {
	tile := d.tiles[slot.index()][tileIndex]
	if len(tile.Input.Samples) <= imageIndex {
		return ErrNoImagesRemaining
	}
	sample := &tile.Input.Samples[imageIndex]
	if sample.ItemID == 0 {
		// Track sample: read directly at decode time.
		return nil
	}
	item, ok := d.items[sample.ItemID]
	if !ok {
		return ErrBmffParseFailed
	}
	if len(item.Extents) <= 1 {
		return nil
	}
	if item.dataBuffer != nil && uint64(len(item.dataBuffer)) == item.Size {
		return nil
	}
	// Multiple extents: merge into one buffer so samples can subslice.
	buf := make([]byte, 0, item.Size)
	for _, extent := range item.Extents {
		if len(item.Idat) > 0 {
			end := extent.Offset + extent.Size
			if end > uint64(len(item.Idat)) {
				return ErrTruncatedData
			}
			buf = append(buf, item.Idat[extent.Offset:end]...)
		} else {
			data, err := readExact(d.rd, extent.Offset, int(extent.Size))
			if err != nil {
				return err
			}
			buf = append(buf, data...)
		}
	}
	item.dataBuffer = buf
	return nil
}

func (d *Decoder) prepareSamples(imageIndex int) error {
	for _, slot := range decodingItemsFor(d.settings.ImageContentToDecode.categories()) {
		for tileIndex := range d.tiles[slot.index()] {
			err := d.prepareSample(imageIndex, slot, tileIndex)
			if err != nil {
				if d.settings.AllowProgressive && errors.Is(err, ErrWaitingOnIO) {
					continue
				}
				return err
			}
		}
	}
	return nil
}

// sampleItemBuffer returns the merged item buffer backing a sample, or
// nil for direct reads.
func (d *Decoder) sampleItemBuffer(sample *DecodeSample) []byte {
	if sample.ItemID == 0 {
		return nil
	}
	item := d.items[sample.ItemID]
	if item.dataBuffer != nil {
		return item.dataBuffer
	}
	if len(item.Idat) > 0 && len(item.Extents) == 1 {
		// Samples of idat items are offsets into the idat payload.
		end := item.Extents[0].Offset + item.Size
		if end <= uint64(len(item.Idat)) {
			return item.Idat[:end]
		}
	}
	return nil
}

// decodeTile runs one codec invocation and lands the output into the
// destination image.
func (d *Decoder) decodeTile(imageIndex int, slot decodingItem, tileIndex int) error {
	tiles := d.tiles[slot.index()]
	tile := tiles[tileIndex]
	sample := &tile.Input.Samples[imageIndex]
	category := slot.category

	data, err := sample.data(d.rd, d.sampleItemBuffer(sample))
	if err != nil {
		if d.settings.AllowProgressive &&
			(errors.Is(err, ErrTruncatedData) || errors.Is(err, ErrNoContent)) {
			return ErrWaitingOnIO
		}
		return err
	}
	codec := d.codecs[tile.CodecIndex]
	if err := codec.Submit(data, sample.SpatialID); err != nil {
		return decodeFailure(category)
	}
	if err := codec.NextFrame(tile.Image); err != nil {
		return decodeFailure(category)
	}

	if category == CategoryAlpha && tile.Image.YuvRange == YuvRangeLimited {
		if err := tile.Image.alphaToFullRange(); err != nil {
			return err
		}
	}
	if tile.Image.Width != tile.Width || tile.Image.Height != tile.Height {
		if err := tile.Image.Scale(tile.Width, tile.Height, category); err != nil {
			return err
		}
	}

	var dst *Image
	switch {
	case category == CategoryGainmap:
		dst = d.gainmap.Image
	case slot.itemIdx == 0:
		dst = d.image
	default:
		dst = d.extraInputs[slot.itemIdx-1]
	}

	info := &d.tileInfo[slot.index()]
	switch {
	case info.isGrid():
		if tileIndex == 0 {
			if err := validateGridImageDimensions(tile.Image, &info.Grid); err != nil {
				return err
			}
			if category != CategoryAlpha {
				dst.Width = info.Grid.Width
				dst.Height = info.Grid.Height
				dst.CopyPropertiesFrom(tile.Image, tile.CodecConfig)
			}
			if err := dst.AllocatePlanes(category); err != nil {
				return err
			}
		}
		if tileIndex > 0 && !tile.Image.hasSamePropertiesAndCICP(tiles[0].Image) {
			return invalidImageGrid("grid image contains mismatched tiles")
		}
		if err := dst.copyFromTile(tile.Image, &info.Grid, uint32(tileIndex), category); err != nil {
			return err
		}
	case info.isOverlay():
		if tileIndex == 0 {
			fill := dst.convertRGBA16ToYUVA(info.Overlay.CanvasFillValue)
			if category != CategoryAlpha {
				dst.Width = info.Overlay.Width
				dst.Height = info.Overlay.Height
				dst.CopyPropertiesFrom(tile.Image, tile.CodecConfig)
			}
			if err := dst.AllocatePlanesWithDefaultValues(category, fill); err != nil {
				return err
			}
		}
		if tileIndex > 0 && !tile.Image.hasSamePropertiesAndCICP(tiles[0].Image) {
			return invalidImageGrid("overlay image contains mismatched tiles")
		}
		if err := dst.copyAndOverlayFromTile(tile.Image, info, uint32(tileIndex), category); err != nil {
			return err
		}
	default:
		// Single tile: steal or copy the codec's planes.
		switch category {
		case CategoryColor, CategoryGainmap:
			dst.Width = tile.Image.Width
			dst.Height = tile.Image.Height
			dst.CopyPropertiesFrom(tile.Image, tile.CodecConfig)
			dst.stealOrCopyPlanesFrom(tile.Image, category)
		case CategoryAlpha:
			if !dst.hasSameGeometry(tile.Image) {
				return ErrColorAlphaSizeMismatch
			}
			dst.stealOrCopyPlanesFrom(tile.Image, category)
		}
	}
	return nil
}

func decodeFailure(category Category) error {
	switch category {
	case CategoryAlpha:
		return ErrDecodeAlphaFailed
	case CategoryGainmap:
		return ErrDecodeGainMapFailed
	default:
		return ErrDecodeColorFailed
	}
}

// decodeTiles decodes every remaining tile of the frame. When more than
// one codec instance exists and MaxThreads allows, tiles fan out to a
// bounded worker pool; tiles sharing a codec stay on one worker.
func (d *Decoder) decodeTiles(imageIndex int) error {
	type tileRef struct {
		slot      decodingItem
		tileIndex int
	}
	decodedSomething := false
	for _, slot := range decodingItemsFor(d.settings.ImageContentToDecode.categories()) {
		info := &d.tileInfo[slot.index()]
		tileCount := len(d.tiles[slot.index()])
		if tileCount == 0 {
			continue
		}
		firstUndecoded := int(info.DecodedTileCount)
		if firstUndecoded >= tileCount {
			continue
		}

		// The first tile allocates the destination; decode it inline.
		if err := d.decodeTile(imageIndex, slot, firstUndecoded); err != nil {
			if errors.Is(err, ErrWaitingOnIO) && d.settings.AllowIncremental && firstUndecoded > 0 {
				return ErrWaitingOnIO
			}
			return err
		}
		info.DecodedTileCount++
		decodedSomething = true

		remaining := make([]tileRef, 0, tileCount-firstUndecoded-1)
		for tileIndex := firstUndecoded + 1; tileIndex < tileCount; tileIndex++ {
			remaining = append(remaining, tileRef{slot, tileIndex})
		}
		if len(remaining) == 0 {
			continue
		}

		// Workers share the byte source read-only, so fan-out requires a
		// persistent IO; incremental mode needs in-order row progress.
		parallel := d.settings.MaxThreads > 1 && !d.settings.AllowIncremental && d.rd.Persistent()
		if parallel {
			// Group by codec so each instance stays single-threaded; the
			// destination rectangles are disjoint, so copies need no lock.
			groups := map[int][]tileRef{}
			for _, ref := range remaining {
				codecIndex := d.tiles[ref.slot.index()][ref.tileIndex].CodecIndex
				groups[codecIndex] = append(groups[codecIndex], ref)
			}
			if len(groups) > 1 {
				sem := make(chan struct{}, d.settings.MaxThreads)
				var wg sync.WaitGroup
				var mu sync.Mutex
				var firstErr error
				for _, group := range groups {
					group := group
					wg.Add(1)
					sem <- struct{}{}
					go func() {
						defer wg.Done()
						defer func() { <-sem }()
						for _, ref := range group {
							if err := d.decodeTile(imageIndex, ref.slot, ref.tileIndex); err != nil {
								mu.Lock()
								if firstErr == nil {
									firstErr = err
								}
								mu.Unlock()
								return
							}
						}
					}()
				}
				wg.Wait()
				if firstErr != nil {
					return firstErr
				}
				info.DecodedTileCount += uint32(len(remaining))
				continue
			}
		}
		for _, ref := range remaining {
			err := d.decodeTile(imageIndex, ref.slot, ref.tileIndex)
			if err != nil {
				if errors.Is(err, ErrWaitingOnIO) && d.settings.AllowIncremental {
					return ErrWaitingOnIO
				}
				return err
			}
			info.DecodedTileCount++
		}
	}
	if !decodedSomething {
		return ErrNoContent
	}
	return nil
}

func (d *Decoder) isCurrentFrameFullyDecoded() bool {
	if !d.parsingComplete() {
		return false
	}
	for _, slot := range decodingItemsFor(d.settings.ImageContentToDecode.categories()) {
		if !d.tileInfo[slot.index()].isFullyDecoded() {
			return false
		}
	}
	return true
}

// NextImage advances to the next frame along the chosen timeline and
// blocks until its planes are ready (or, in incremental mode, until the
// first rows are).
func (d *Decoder) NextImage() error {
	if d.rd == nil {
		return ErrIONotSet
	}
	if !d.parsingComplete() {
		return ErrNoContent
	}
	if d.isCurrentFrameFullyDecoded() {
		for i := range d.tileInfo {
			d.tileInfo[i].DecodedTileCount = 0
		}
	}
	nextImageIndex := d.imageIndex + 1
	if err := d.createCodecs(); err != nil {
		return err
	}
	if err := d.prepareSamples(nextImageIndex); err != nil {
		if !(d.settings.AllowProgressive && errors.Is(err, ErrWaitingOnIO)) {
			return err
		}
	}
	if err := d.decodeTiles(nextImageIndex); err != nil {
		return err
	}
	if d.tileInfo[decodingItemColor.index()].isSampleTransform() {
		if !d.settings.AllowSampleTransform {
			return ErrNotImplemented
		}
		inputs := make([]*Image, 0, maxExtraInputs)
		for _, input := range d.extraInputs {
			if input != nil {
				inputs = append(inputs, input)
			}
		}
		st := &d.tileInfo[decodingItemColor.index()].SampleTransform
		if err := st.apply(inputs[:st.NumInputs], d.image); err != nil {
			return err
		}
	}
	d.imageIndex = nextImageIndex
	timing, err := d.NthImageTiming(uint32(d.imageIndex))
	if err != nil {
		return err
	}
	d.imageTiming = timing
	return nil
}

// NthImage decodes frame index (0-based), seeking backwards to the
// nearest preceding keyframe when necessary.
func (d *Decoder) NthImage(index uint32) error {
	if !d.parsingComplete() {
		return ErrNoContent
	}
	if index >= d.imageCount {
		return ErrNoImagesRemaining
	}
	requested := int(index)
	if requested == d.imageIndex+1 {
		return d.NextImage()
	}
	if requested == d.imageIndex && d.isCurrentFrameFullyDecoded() {
		return nil
	}
	nearestKeyframe := int(d.NearestKeyframe(index))
	if nearestKeyframe > d.imageIndex+1 || requested <= d.imageIndex {
		// Seek: flush the codecs and restart from the keyframe.
		for _, codec := range d.codecs {
			codec.Flush()
		}
		for i := range d.tileInfo {
			d.tileInfo[i].DecodedTileCount = 0
		}
		d.imageIndex = nearestKeyframe - 1
	}
	for {
		if err := d.NextImage(); err != nil {
			return err
		}
		if requested == d.imageIndex {
			return nil
		}
	}
}

// IsKeyframe reports whether every tile's sample at index is a sync
// sample.
func (d *Decoder) IsKeyframe(index uint32) bool {
	if !d.parsingComplete() {
		return false
	}
	i := int(index)
	for s := range d.tiles {
		for _, tile := range d.tiles[s] {
			if i >= len(tile.Input.Samples) || !tile.Input.Samples[i].Sync {
				return false
			}
		}
	}
	return true
}

// NearestKeyframe returns the closest keyframe at or before index.
func (d *Decoder) NearestKeyframe(index uint32) uint32 {
	if !d.parsingComplete() {
		return 0
	}
	for ; index != 0; index-- {
		if d.IsKeyframe(index) {
			return index
		}
	}
	return 0
}

// NthImageTiming returns the presentation timing of frame n.
func (d *Decoder) NthImageTiming(n uint32) (ImageTiming, error) {
	if !d.parsingComplete() {
		return ImageTiming{}, ErrNoContent
	}
	if d.settings.ImageCountLimit != 0 && n > d.settings.ImageCountLimit {
		return ImageTiming{}, ErrNoImagesRemaining
	}
	if d.colorTrack == nil {
		return d.imageTiming, nil
	}
	if d.colorTrack.raw.SampleTable == nil {
		return d.imageTiming, nil
	}
	return d.colorTrack.imageTiming(n)
}

// NthImageMaxExtent returns the smallest byte range of the file that
// covers everything needed to decode frame index, including its
// preceding keyframe run. Useful for prefetch sizing.
func (d *Decoder) NthImageMaxExtent(index uint32) (Extent, error) {
	if !d.parsingComplete() {
		return Extent{}, ErrNoContent
	}
	var extent Extent
	startIndex := int(d.NearestKeyframe(index))
	for current := startIndex; current <= int(index); current++ {
		for s := range d.tiles {
			for _, tile := range d.tiles[s] {
				if current >= len(tile.Input.Samples) {
					return Extent{}, ErrNoImagesRemaining
				}
				sample := &tile.Input.Samples[current]
				var sampleExtent Extent
				if sample.ItemID != 0 {
					item := d.items[sample.ItemID]
					var err error
					if sampleExtent, err = item.maxExtent(sample); err != nil {
						return Extent{}, err
					}
				} else {
					sampleExtent = Extent{Offset: sample.Offset, Size: sample.Size}
				}
				extent.merge(sampleExtent)
			}
		}
	}
	return extent, nil
}

// DecodedRowCount is the number of fully-populated destination rows after
// a NextImage/NthImage that returned WaitingOnIO in incremental mode.
// It equals the image height once the frame is complete.
func (d *Decoder) DecodedRowCount() uint32 {
	minRowCount := d.image.Height
	for _, slot := range allDecodingItems {
		i := slot.index()
		if len(d.tiles[i]) == 0 {
			continue
		}
		firstTileHeight := d.tiles[i][0].Height
		var rowCount uint32
		if slot.category == CategoryGainmap && d.gainmapPresent &&
			d.settings.ImageContentToDecode.gainmap() &&
			d.gainmap.Image.Height != 0 && d.gainmap.Image.Height != d.image.Height {
			if d.tileInfo[i].isFullyDecoded() {
				rowCount = d.image.Height
			} else {
				gainmapRows := d.tileInfo[i].decodedRowCount(d.gainmap.Image.Height, firstTileHeight)
				rowCount = uint32(uint64(gainmapRows) * uint64(d.image.Height) / uint64(d.gainmap.Image.Height))
			}
		} else {
			rowCount = d.tileInfo[i].decodedRowCount(d.image.Height, firstTileHeight)
		}
		if rowCount < minRowCount {
			minRowCount = rowCount
		}
	}
	return minRowCount
}

// PeekCompatibleFileType reports whether data looks like a decodable
// file (it starts with an ftyp carrying a supported brand).
func PeekCompatibleFileType(data []byte) bool {
	return bmff.PeekCompatibleFileType(data)
}
