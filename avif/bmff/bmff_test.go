package bmff

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSource struct{ data []byte }

func (m *memSource) Read(offset uint64, maxSize int) ([]byte, error) {
	if offset > uint64(len(m.data)) {
		return nil, nil
	}
	end := offset + uint64(maxSize)
	if end > uint64(len(m.data)) {
		end = uint64(len(m.data))
	}
	return m.data[offset:end], nil
}

func (m *memSource) SizeHint() uint64 { return uint64(len(m.data)) }
func (m *memSource) Persistent() bool { return true }

func box(boxType string, body []byte) []byte {
	out := binary.BigEndian.AppendUint32(nil, uint32(8+len(body)))
	out = append(out, boxType...)
	return append(out, body...)
}

func fullBox(boxType string, version uint8, flags uint32, body []byte) []byte {
	header := []byte{version, byte(flags >> 16), byte(flags >> 8), byte(flags)}
	return box(boxType, append(header, body...))
}

func ftypBody(major string, compatible ...string) []byte {
	body := []byte(major)
	body = append(body, 0, 0, 0, 0)
	for _, brand := range compatible {
		body = append(body, brand...)
	}
	return body
}

func hdlrBody(handler string) []byte {
	body := binary.BigEndian.AppendUint32(nil, 0) // pre_defined
	body = append(body, handler...)
	body = append(body, make([]byte, 12)...) // reserved
	body = append(body, 0)                   // empty name
	return body
}

func pitmBody(id uint16) []byte {
	return binary.BigEndian.AppendUint16(nil, id)
}

func minimalMeta() []byte {
	var children []byte
	children = append(children, fullBox("hdlr", 0, 0, hdlrBody("pict"))...)
	children = append(children, fullBox("pitm", 0, 0, pitmBody(1))...)
	return fullBox("meta", 0, 0, children)
}

func TestParseHeader(t *testing.T) {
	s := NewStream(box("ftyp", []byte("avifxxxx")))
	header, err := ParseHeader(s, true)
	require.NoError(t, err)
	assert.Equal(t, "ftyp", header.Type)
	assert.Equal(t, 8, header.Size)
	assert.Equal(t, 8, header.HeaderSize)
}

func TestParseHeaderLargeSize(t *testing.T) {
	data := binary.BigEndian.AppendUint32(nil, 1)
	data = append(data, "mdat"...)
	data = binary.BigEndian.AppendUint64(data, 24)
	data = append(data, make([]byte, 8)...)
	header, err := ParseHeader(NewStream(data), true)
	require.NoError(t, err)
	assert.Equal(t, "mdat", header.Type)
	assert.Equal(t, 8, header.Size)
	assert.Equal(t, 16, header.HeaderSize)
}

func TestParseHeaderSizeZeroOnlyTopLevel(t *testing.T) {
	data := binary.BigEndian.AppendUint32(nil, 0)
	data = append(data, "mdat"...)
	header, err := ParseHeader(NewStream(data), true)
	require.NoError(t, err)
	assert.True(t, header.UntilEOF)

	_, err = ParseHeader(NewStream(data), false)
	assert.Error(t, err)
}

func TestParseHeaderExceedsParent(t *testing.T) {
	data := binary.BigEndian.AppendUint32(nil, 100)
	data = append(data, "iloc"...)
	_, err := ParseHeader(NewStream(data), false)
	assert.Error(t, err)
}

func TestParseRequiresFtypFirst(t *testing.T) {
	data := minimalMeta()
	data = append(data, box("ftyp", ftypBody("avif", "avif"))...)
	_, err := Parse(&memSource{data: data})
	assert.ErrorIs(t, err, ErrUnsupportedBrand)
}

func TestParseRejectsUnknownBrands(t *testing.T) {
	data := box("ftyp", ftypBody("mp42", "isom"))
	_, err := Parse(&memSource{data: data})
	assert.ErrorIs(t, err, ErrUnsupportedBrand)
}

func TestParseMinimalStillFile(t *testing.T) {
	data := box("ftyp", ftypBody("avif", "avif", "mif1"))
	data = append(data, minimalMeta()...)
	file, err := Parse(&memSource{data: data})
	require.NoError(t, err)
	assert.Equal(t, "avif", file.Ftyp.MajorBrand)
	assert.True(t, file.Ftyp.HasBrand("mif1"))
	require.NotNil(t, file.Meta)
	assert.Equal(t, uint32(1), file.Meta.PrimaryItemID)
}

func TestParseSkipsUnknownTopLevelBoxes(t *testing.T) {
	data := box("ftyp", ftypBody("avif", "avif"))
	data = append(data, box("free", make([]byte, 32))...)
	data = append(data, minimalMeta()...)
	file, err := Parse(&memSource{data: data})
	require.NoError(t, err)
	require.NotNil(t, file.Meta)
}

func TestParseDuplicateMeta(t *testing.T) {
	// The parser stops at the first meta when the brands are satisfied, so
	// force the duplicate before it by using an avis brand that also needs
	// a moov box.
	data := box("ftyp", ftypBody("avis", "avis", "avif"))
	data = append(data, minimalMeta()...)
	data = append(data, minimalMeta()...)
	_, err := Parse(&memSource{data: data})
	assert.Error(t, err)
}

func TestParseMetaRequiresPictHandler(t *testing.T) {
	var children []byte
	children = append(children, fullBox("hdlr", 0, 0, hdlrBody("vide"))...)
	data := box("ftyp", ftypBody("avif", "avif"))
	data = append(data, fullBox("meta", 0, 0, children)...)
	_, err := Parse(&memSource{data: data})
	assert.Error(t, err)
}

func TestParseMetaRejectsDuplicateChildren(t *testing.T) {
	var children []byte
	children = append(children, fullBox("hdlr", 0, 0, hdlrBody("pict"))...)
	children = append(children, fullBox("pitm", 0, 0, pitmBody(1))...)
	children = append(children, fullBox("pitm", 0, 0, pitmBody(2))...)
	data := box("ftyp", ftypBody("avif", "avif"))
	data = append(data, fullBox("meta", 0, 0, children)...)
	_, err := Parse(&memSource{data: data})
	assert.Error(t, err)
}

func TestParseTruncatedMeta(t *testing.T) {
	data := box("ftyp", ftypBody("avif", "avif"))
	meta := minimalMeta()
	data = append(data, meta[:len(meta)-3]...)
	_, err := Parse(&memSource{data: data})
	assert.Error(t, err)
}

func TestParseIpcoUnknownPropertiesKeepIndices(t *testing.T) {
	// Property indices are 1-based positions in ipco, so unknown boxes
	// must still occupy a slot.
	var ipcoChildren []byte
	ipcoChildren = append(ipcoChildren, box("zzzz", []byte{1, 2, 3})...)
	ispeBody := binary.BigEndian.AppendUint32(nil, 64)
	ispeBody = binary.BigEndian.AppendUint32(ispeBody, 48)
	ipcoChildren = append(ipcoChildren, fullBox("ispe", 0, 0, ispeBody)...)
	properties, err := parseIpco(NewStream(box("ipco", ipcoChildren)[8:]), false)
	require.NoError(t, err)
	require.Len(t, properties, 2)
	_, isUnknown := properties[0].(UnknownProperty)
	assert.True(t, isUnknown)
	ispe, isIspe := properties[1].(ImageSpatialExtents)
	require.True(t, isIspe)
	assert.Equal(t, uint32(64), ispe.Width)
	assert.Equal(t, uint32(48), ispe.Height)
}

func TestParseRecursionDepthCapped(t *testing.T) {
	// minf nests through parseMinf, which checks the depth counter.
	track := &Track{}
	err := parseMinf(NewStream(nil), track, maxRecursionDepth+1)
	assert.Error(t, err)
}

func TestPeekCompatibleFileTypeBadData(t *testing.T) {
	assert.False(t, PeekCompatibleFileType(nil))
	assert.False(t, PeekCompatibleFileType([]byte("1234")))
	assert.False(t, PeekCompatibleFileType(box("moov", nil)))
}
