package avif

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webmproject/goavif/avif/bmff"
)

func metaWithItems() *bmff.MetaBox {
	return &bmff.MetaBox{
		PrimaryItemID: 1,
		Iinf: []bmff.ItemInfo{
			{ItemID: 1, ItemType: "av01"},
			{ItemID: 2, ItemType: "Exif"},
		},
		Iloc: bmff.ItemLocationBox{
			Items: []bmff.ItemLocationEntry{
				{ItemID: 1, BaseOffset: 100, Extents: []bmff.Extent{{Offset: 0, Size: 500}, {Offset: 600, Size: 100}}},
				{ItemID: 2, Extents: []bmff.Extent{{Offset: 900, Size: 50}}},
			},
		},
	}
}

func TestConstructItems(t *testing.T) {
	items, err := constructItems(metaWithItems())
	require.NoError(t, err)
	require.Len(t, items, 2)

	item := items[1]
	assert.Equal(t, "av01", item.ItemType)
	assert.Equal(t, uint64(600), item.Size)
	require.Len(t, item.Extents, 2)
	// Base offset applies to every extent.
	assert.Equal(t, uint64(100), item.Extents[0].Offset)
	assert.Equal(t, uint64(700), item.Extents[1].Offset)
}

func TestConstructItemsRejectsDuplicateExtents(t *testing.T) {
	meta := metaWithItems()
	meta.Iloc.Items = append(meta.Iloc.Items, meta.Iloc.Items[0])
	_, err := constructItems(meta)
	assert.ErrorIs(t, err, ErrBmffParseFailed)
}

func TestConstructItemsPropertyAssociations(t *testing.T) {
	meta := metaWithItems()
	meta.Iprp.Properties = []bmff.Property{
		bmff.ImageSpatialExtents{Width: 64, Height: 64},
		bmff.UnknownProperty{BoxType: "zzzz"},
		testAv1Config(),
	}
	meta.Iprp.Associations = []bmff.ItemPropertyAssociation{{
		ItemID: 1,
		Associations: []bmff.ItemPropertyAssociationEntry{
			{PropertyIndex: 1, Essential: false},
			{PropertyIndex: 3, Essential: true},
		},
	}}
	items, err := constructItems(meta)
	require.NoError(t, err)
	item := items[1]
	assert.Len(t, item.Properties, 2)
	assert.False(t, item.HasUnsupportedEssentialProperty)
	assert.NotNil(t, item.codecConfig())

	// An essential unknown property poisons the item.
	meta.Iprp.Associations[0].Associations = append(meta.Iprp.Associations[0].Associations,
		bmff.ItemPropertyAssociationEntry{PropertyIndex: 2, Essential: true})
	items, err = constructItems(meta)
	require.NoError(t, err)
	assert.True(t, items[1].HasUnsupportedEssentialProperty)
	assert.True(t, items[1].shouldSkip())
}

func TestConstructItemsRejectsBadPropertyIndex(t *testing.T) {
	meta := metaWithItems()
	meta.Iprp.Associations = []bmff.ItemPropertyAssociation{{
		ItemID:       1,
		Associations: []bmff.ItemPropertyAssociationEntry{{PropertyIndex: 9}},
	}}
	_, err := constructItems(meta)
	assert.ErrorIs(t, err, ErrBmffParseFailed)
}

func TestConstructItemsTransformativeMustBeEssential(t *testing.T) {
	meta := metaWithItems()
	meta.Iprp.Properties = []bmff.Property{bmff.ImageRotation{Angle: 1}}
	meta.Iprp.Associations = []bmff.ItemPropertyAssociation{{
		ItemID:       1,
		Associations: []bmff.ItemPropertyAssociationEntry{{PropertyIndex: 1, Essential: false}},
	}}
	_, err := constructItems(meta)
	assert.ErrorIs(t, err, ErrBmffParseFailed)
}

func TestConstructItemsDimgOrdering(t *testing.T) {
	meta := &bmff.MetaBox{
		Iinf: []bmff.ItemInfo{
			{ItemID: 1, ItemType: "grid"},
			{ItemID: 2, ItemType: "av01"},
			{ItemID: 3, ItemType: "av01"},
		},
		Iref: []bmff.ItemReference{
			{FromItemID: 1, ToItemID: 3, ReferenceType: "dimg", Index: 0},
			{FromItemID: 1, ToItemID: 2, ReferenceType: "dimg", Index: 1},
		},
	}
	items, err := constructItems(meta)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), items[3].DimgForID)
	assert.Equal(t, uint32(0), items[3].DimgIndex)
	assert.Equal(t, uint32(1), items[2].DimgIndex)
}

func TestConstructItemsRejectsDuplicateDimg(t *testing.T) {
	meta := &bmff.MetaBox{
		Iinf: []bmff.ItemInfo{{ItemID: 1, ItemType: "grid"}, {ItemID: 2, ItemType: "av01"}},
		Iref: []bmff.ItemReference{
			{FromItemID: 1, ToItemID: 2, ReferenceType: "dimg", Index: 0},
			{FromItemID: 1, ToItemID: 2, ReferenceType: "dimg", Index: 1},
		},
	}
	_, err := constructItems(meta)
	assert.ErrorIs(t, err, ErrBmffParseFailed)
}

func TestHarvestIspe(t *testing.T) {
	item := &Item{
		ID:       1,
		ItemType: "av01",
		Size:     10,
		Properties: []bmff.Property{
			bmff.ImageSpatialExtents{Width: 100, Height: 50},
		},
	}
	require.NoError(t, item.harvestIspe(true, 0, 0))
	assert.Equal(t, uint32(100), item.Width)

	// Missing ispe on a color item always fails.
	noIspe := &Item{ID: 2, ItemType: "av01", Size: 10}
	assert.ErrorIs(t, noIspe.harvestIspe(false, 0, 0), ErrBmffParseFailed)

	// Missing ispe on an alpha auxiliary item obeys the strict flag.
	alpha := &Item{
		ID: 3, ItemType: "av01", Size: 10,
		Properties: []bmff.Property{
			bmff.AuxiliaryType{AuxType: "urn:mpeg:mpegB:cicp:systems:auxiliary:alpha"},
		},
	}
	assert.ErrorIs(t, alpha.harvestIspe(true, 0, 0), ErrBmffParseFailed)
	assert.NoError(t, alpha.harvestIspe(false, 0, 0))
}

func TestItemMaxExtent(t *testing.T) {
	item := &Item{
		ID:      1,
		Size:    150,
		Extents: []Extent{{Offset: 100, Size: 100}, {Offset: 400, Size: 50}},
	}
	sample := &DecodeSample{ItemID: 1, Offset: 0, Size: 150}
	extent, err := item.maxExtent(sample)
	require.NoError(t, err)
	assert.Equal(t, Extent{Offset: 100, Size: 350}, extent)

	// A sample covering only the first extent stays within it.
	sample = &DecodeSample{ItemID: 1, Offset: 0, Size: 80}
	extent, err = item.maxExtent(sample)
	require.NoError(t, err)
	assert.Equal(t, Extent{Offset: 100, Size: 80}, extent)

	// A sample starting inside the second extent.
	sample = &DecodeSample{ItemID: 1, Offset: 120, Size: 30}
	extent, err = item.maxExtent(sample)
	require.NoError(t, err)
	assert.Equal(t, Extent{Offset: 420, Size: 30}, extent)
}

func TestValidatePropertiesPixi(t *testing.T) {
	depth8 := uint8(8)
	item := &Item{
		ID:       1,
		ItemType: "av01",
		Size:     10,
		Properties: []bmff.Property{
			testAv1Config(),
			bmff.PixelInformation{Planes: []bmff.PlaneInformation{{Depth: depth8}, {Depth: depth8}, {Depth: depth8}}},
		},
	}
	items := map[uint32]*Item{1: item}
	require.NoError(t, item.validateProperties(items, true))

	// pixi depth disagreeing with av1C is rejected.
	item.Properties[1] = bmff.PixelInformation{Planes: []bmff.PlaneInformation{{Depth: 10}}}
	assert.ErrorIs(t, item.validateProperties(items, true), ErrBmffParseFailed)

	// Missing pixi is only fatal in strict mode.
	item.Properties = item.Properties[:1]
	assert.ErrorIs(t, item.validateProperties(items, true), ErrBmffParseFailed)
	assert.NoError(t, item.validateProperties(items, false))
}

func TestExifPayloadParsing(t *testing.T) {
	payload := append([]byte{0, 0, 0, 0, 'I', 'I', 0x2a, 0x00}, []byte("rest")...)
	exif, err := parseExifPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, payload[4:], exif)

	// A nonzero tiff header offset is tolerated.
	shifted := append([]byte{0, 0, 0, 2, 0xaa, 0xbb, 'M', 'M', 0x00, 0x2a}, []byte("rest")...)
	exif, err = parseExifPayload(shifted)
	require.NoError(t, err)
	assert.Equal(t, shifted[4:], exif)

	_, err = parseExifPayload([]byte{0, 0})
	assert.ErrorIs(t, err, ErrInvalidExifPayload)
	_, err = parseExifPayload(append([]byte{0, 0, 0, 0}, []byte("XXXXXX")...))
	assert.ErrorIs(t, err, ErrInvalidExifPayload)
}
