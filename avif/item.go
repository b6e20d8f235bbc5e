package avif

import (
	"sort"

	"github.com/webmproject/goavif/avif/bmff"
)

// Extent is a byte range of coded payload within the file or within idat.
type Extent struct {
	Offset uint64
	Size   uint64
}

// merge grows the extent to span both ranges. The ranges may be
// discontiguous; for prefetch purposes only the envelope matters.
func (e *Extent) merge(other Extent) {
	if e.Size == 0 {
		*e = other
		return
	}
	if other.Size == 0 {
		return
	}
	end1 := e.Offset + e.Size
	end2 := other.Offset + other.Size
	if other.Offset < e.Offset {
		e.Offset = other.Offset
	}
	end := end1
	if end2 > end {
		end = end2
	}
	e.Size = end - e.Offset
}

// Item is one node of the meta item graph, assembled from iinf, iloc,
// iref, ipma and idat. Items are immutable after parse.
type Item struct {
	ID          uint32
	ItemType    string
	Size        uint64
	Width       uint32
	Height      uint32
	ContentType string
	Properties  []bmff.Property
	Extents     []Extent

	ThumbnailForID uint32
	AuxForID       uint32
	DescForID      uint32
	DimgForID      uint32
	DimgIndex      uint32
	PremByID       uint32

	HasUnsupportedEssentialProperty bool
	Progressive                     bool

	Idat []byte
	// SourceItemIDs are the dimg children of a derived item, in iref
	// order: cells of a grid or inputs of an overlay/tmap/sato.
	SourceItemIDs []uint32

	dataBuffer []byte // merged extents, filled lazily
	madeUp     bool   // synthesized grid alpha item
}

func (it *Item) codecConfig() CodecConfiguration { return findCodecConfiguration(it.Properties) }

func (it *Item) pixi() *bmff.PixelInformation { return findPixi(it.Properties) }

func (it *Item) operatingPoint() uint8 { return findOperatingPoint(it.Properties) }

func (it *Item) isAuxiliaryAlpha() bool {
	return isAuxiliaryTypeAlpha(findAuxType(it.Properties)) && !it.isSampleTransformItem()
}

func (it *Item) isImageCodecItem() bool {
	return it.ItemType == "av01" || it.ItemType == "hvc1"
}

func (it *Item) isGridItem() bool { return it.ItemType == "grid" }

func (it *Item) isOverlayItem() bool { return it.ItemType == "iovl" }

func (it *Item) isToneMappedItem() bool { return it.ItemType == "tmap" }

func (it *Item) isSampleTransformItem() bool { return it.ItemType == "sato" }

func (it *Item) isDerivedImageItem() bool {
	return it.isGridItem() || it.isOverlayItem() || it.isToneMappedItem() || it.isSampleTransformItem()
}

func (it *Item) isImageItem() bool {
	return it.isImageCodecItem() || it.isDerivedImageItem()
}

// shouldSkip reports whether the item can never decode: no payload, an
// essential property nobody understands, non-image payload, or a
// thumbnail.
func (it *Item) shouldSkip() bool {
	return it.Size == 0 ||
		it.HasUnsupportedEssentialProperty ||
		!it.isImageItem() ||
		it.ThumbnailForID != 0
}

func (it *Item) isMetadata(itemType string, colorID uint32) bool {
	return it.Size != 0 &&
		!it.HasUnsupportedEssentialProperty &&
		(colorID == 0 || it.DescForID == colorID) &&
		it.ItemType == itemType
}

func (it *Item) isExif(colorID uint32) bool { return it.isMetadata("Exif", colorID) }

func (it *Item) isXMP(colorID uint32) bool {
	return it.isMetadata("mime", colorID) && it.ContentType == "application/rdf+xml"
}

// payload returns the item's full payload bytes, merging extents. Bytes
// come out of idat when construction method 1 was used, otherwise from
// io. Non-persistent io forces a copy.
func (it *Item) payload(rd IO) ([]byte, error) {
	if len(it.Idat) > 0 {
		switch len(it.Extents) {
		case 0:
			return nil, unknownError("item %d has no extent", it.ID)
		case 1:
			offset := it.Extents[0].Offset
			end := offset + it.Size
			if end > uint64(len(it.Idat)) {
				return nil, ErrTruncatedData
			}
			return it.Idat[offset:end], nil
		default:
			return nil, unknownError("idat with multiple extents is not supported")
		}
	}
	switch len(it.Extents) {
	case 0:
		return nil, unknownError("item %d has no extent", it.ID)
	case 1:
		data, err := readExact(rd, it.Extents[0].Offset, int(it.Size))
		if err != nil {
			return nil, err
		}
		if !rd.Persistent() {
			return append([]byte(nil), data...), nil
		}
		return data, nil
	default:
		if it.dataBuffer == nil {
			buf := make([]byte, 0, it.Size)
			for _, extent := range it.Extents {
				data, err := readExact(rd, extent.Offset, int(extent.Size))
				if err != nil {
					return nil, err
				}
				buf = append(buf, data...)
			}
			it.dataBuffer = buf
		}
		return it.dataBuffer, nil
	}
}

// harvestIspe pulls width/height out of the ispe property, enforcing
// presence, nonzero size and the configured limits. Alpha auxiliary
// items may omit ispe when strict mode allows it.
func (it *Item) harvestIspe(alphaIspeRequired bool, sizeLimit, dimensionLimit uint32) error {
	if it.shouldSkip() {
		return nil
	}
	ispe := findIspe(it.Properties)
	if ispe == nil {
		if it.isAuxiliaryAlpha() {
			if alphaIspeRequired {
				return bmffParseFailed("alpha auxiliary image item is missing mandatory ispe")
			}
			return nil
		}
		return bmffParseFailed("item %d is missing mandatory ispe property", it.ID)
	}
	it.Width = ispe.Width
	it.Height = ispe.Height
	if it.Width == 0 || it.Height == 0 {
		return bmffParseFailed("item %d has invalid size", it.ID)
	}
	if !checkDimensionLimits(it.Width, it.Height, sizeLimit, dimensionLimit) {
		return bmffParseFailed("item %d dimensions too large", it.ID)
	}
	return nil
}

// validateProperties applies the per-item strict-mode rules that need the
// whole item graph: codec config coherence across derived inputs, and
// pixi consistency.
func (it *Item) validateProperties(items map[uint32]*Item, pixiRequired bool) error {
	config := it.codecConfig()
	if config == nil {
		return bmffParseFailed("item %d is missing a codec configuration property", it.ID)
	}
	if it.isDerivedImageItem() {
		for _, sourceID := range it.SourceItemIDs {
			source, ok := items[sourceID]
			if !ok {
				return invalidImageGrid("missing derived item %d", sourceID)
			}
			sourceConfig := source.codecConfig()
			if sourceConfig == nil {
				return bmffParseFailed("derived input %d is missing a codec configuration", sourceID)
			}
			// MIAF Section 7.3.11.4.1: all inputs of a grid shall use the
			// same coding format and decoder configuration.
			if (it.isGridItem() || it.isOverlayItem()) && !codecConfigsEqual(config, sourceConfig) {
				return bmffParseFailed("codec config of derived items do not match")
			}
			if it.isSampleTransformItem() &&
				(config.PixelFormat() != sourceConfig.PixelFormat() ||
					source.Width != it.Width || source.Height != it.Height) {
				return bmffParseFailed("pixel format or dimensions of sato inputs do not match")
			}
		}
	}
	pixi := it.pixi()
	if pixi == nil {
		if pixiRequired {
			return bmffParseFailed("item %d is missing a pixi property", it.ID)
		}
		return nil
	}
	for _, plane := range pixi.Planes {
		// Sample transform outputs may change the depth, so only coded
		// items must agree with the codec config.
		if plane.Depth != config.Depth() && !it.isSampleTransformItem() {
			return bmffParseFailed("pixi depth does not match codec config depth")
		}
		if plane.ChannelIdc != nil && (*plane.ChannelIdc == 3 || *plane.ChannelIdc == 4) &&
			plane.SubsamplingType != nil {
			var want uint8
			switch config.PixelFormat() {
			case PixelFormatYuv444:
				want = 0
			case PixelFormatYuv422:
				want = 1
			case PixelFormatYuv420:
				want = 2
			default:
				continue
			}
			if *plane.SubsamplingType != want {
				return bmffParseFailed("pixi subsampling does not match codec config")
			}
		}
	}
	return nil
}

// maxExtent computes the envelope of the byte ranges needed for one
// sample of this item, for prefetch sizing.
func (it *Item) maxExtent(sample *DecodeSample) (Extent, error) {
	if len(it.Idat) > 0 {
		return Extent{}, nil
	}
	if sample.Size == 0 || len(it.Extents) == 0 {
		return Extent{}, ErrTruncatedData
	}
	if len(it.Extents) == 1 {
		return Extent{Offset: sample.Offset, Size: sample.Size}, nil
	}
	remainingOffset := sample.Offset
	remainingSize := sample.Size
	minOffset := ^uint64(0)
	maxOffset := uint64(0)
	for _, extent := range it.Extents {
		startOffset := extent.Offset
		size := extent.Size
		if remainingOffset != 0 {
			if remainingOffset >= size {
				remainingOffset -= size
				continue
			}
			startOffset += remainingOffset
			size -= remainingOffset
			remainingOffset = 0
		}
		used := size
		if remainingSize < used {
			used = remainingSize
		}
		end := startOffset + used
		if startOffset < minOffset {
			minOffset = startOffset
		}
		if end > maxOffset {
			maxOffset = end
		}
		remainingSize -= used
		if remainingSize == 0 {
			break
		}
	}
	if remainingSize != 0 {
		return Extent{}, ErrTruncatedData
	}
	return Extent{Offset: minOffset, Size: maxOffset - minOffset}, nil
}

func checkDimensionLimits(width, height, sizeLimit, dimensionLimit uint32) bool {
	if sizeLimit != 0 && uint64(width)*uint64(height) > uint64(sizeLimit) {
		return false
	}
	if dimensionLimit != 0 && (width > dimensionLimit || height > dimensionLimit) {
		return false
	}
	return true
}

// constructItems intersects iinf, iloc, ipma, iref and idat into the item
// graph, enforcing the structural invariants of §8.11 of ISO/IEC
// 14496-12.
func constructItems(meta *bmff.MetaBox) (map[uint32]*Item, error) {
	items := map[uint32]*Item{}
	getOrInsert := func(id uint32) *Item {
		if item, ok := items[id]; ok {
			return item
		}
		item := &Item{ID: id}
		items[id] = item
		return item
	}
	for _, info := range meta.Iinf {
		if _, exists := items[info.ItemID]; exists {
			return nil, bmffParseFailed("duplicate item id %d in iinf", info.ItemID)
		}
		items[info.ItemID] = &Item{
			ID:          info.ItemID,
			ItemType:    info.ItemType,
			ContentType: info.ContentType,
		}
	}
	for _, entry := range meta.Iloc.Items {
		item := getOrInsert(entry.ItemID)
		if len(item.Extents) > 0 {
			return nil, bmffParseFailed("item %d already has extents", entry.ItemID)
		}
		if entry.ConstructionMethod == 1 {
			item.Idat = meta.Idat
		}
		for _, extent := range entry.Extents {
			item.Extents = append(item.Extents, Extent{
				Offset: entry.BaseOffset + extent.Offset,
				Size:   extent.Size,
			})
			item.Size += extent.Size
		}
	}
	ipmaSeen := map[uint32]bool{}
	for _, association := range meta.Iprp.Associations {
		if len(association.Associations) == 0 {
			continue
		}
		if ipmaSeen[association.ItemID] {
			return nil, bmffParseFailed("item %d has duplicate ipma entry", association.ItemID)
		}
		ipmaSeen[association.ItemID] = true
		item := getOrInsert(association.ItemID)
		for _, assoc := range association.Associations {
			if assoc.PropertyIndex == 0 {
				if assoc.Essential {
					return nil, bmffParseFailed("item %d contains an illegal essential property index 0", item.ID)
				}
				continue
			}
			// The property index is 1-based into ipco.
			if int(assoc.PropertyIndex) > len(meta.Iprp.Properties) {
				return nil, bmffParseFailed("invalid property index in ipma")
			}
			property := meta.Iprp.Properties[assoc.PropertyIndex-1]
			switch property.(type) {
			case bmff.UnknownProperty:
				if assoc.Essential {
					item.HasUnsupportedEssentialProperty = true
				}
			case bmff.AV1LayeredImageIndexing:
				if assoc.Essential {
					return nil, bmffParseFailed("a1lx must not be essential")
				}
				item.Properties = append(item.Properties, property)
			case bmff.OperatingPointSelector, bmff.LayerSelector,
				bmff.CleanAperture, bmff.ImageRotation, bmff.ImageMirror:
				// MIAF Section 7.3.9: transformative properties shall be
				// marked essential.
				if !assoc.Essential {
					return nil, bmffParseFailed("required essential property not marked as essential")
				}
				item.Properties = append(item.Properties, property)
			case bmff.FreeProperty:
			default:
				item.Properties = append(item.Properties, property)
			}
		}
	}
	for _, reference := range meta.Iref {
		item := getOrInsert(reference.FromItemID)
		switch reference.ReferenceType {
		case "thmb":
			item.ThumbnailForID = reference.ToItemID
		case "auxl":
			item.AuxForID = reference.ToItemID
		case "cdsc":
			item.DescForID = reference.ToItemID
		case "prem":
			item.PremByID = reference.ToItemID
		case "dimg":
			// Derived images refer in the opposite direction.
			dimgItem := getOrInsert(reference.ToItemID)
			if dimgItem.DimgForID != 0 {
				if dimgItem.DimgForID == reference.FromItemID {
					// ISO/IEC 14496-12 Section 8.11.12.1: within a given
					// reference array a given id shall occur at most once.
					return nil, bmffParseFailed("multiple dimg references for item %d", reference.ToItemID)
				}
				// An item used by two different derived images is legal in
				// general but not supported here.
				return nil, ErrNotImplemented
			}
			dimgItem.DimgForID = reference.FromItemID
			dimgItem.DimgIndex = reference.Index
		}
	}
	return items, nil
}

// sortedItemIDs returns the item ids in ascending order for deterministic
// traversal.
func sortedItemIDs(items map[uint32]*Item) []uint32 {
	ids := make([]uint32, 0, len(items))
	for id := range items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
