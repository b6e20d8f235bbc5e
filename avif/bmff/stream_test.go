package bmff

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamIntegerReads(t *testing.T) {
	s := NewStream([]byte{
		0x01,
		0x02, 0x03,
		0x04, 0x05, 0x06,
		0x07, 0x08, 0x09, 0x0a,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x0b,
	})
	v8, err := s.ReadU8()
	require.NoError(t, err)
	assert.Equal(t, uint8(1), v8)
	v16, err := s.ReadU16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0203), v16)
	v24, err := s.ReadU24()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x040506), v24)
	v32, err := s.ReadU32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0708090a), v32)
	v64, err := s.ReadU64()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0b), v64)
	assert.False(t, s.HasBytesLeft())
	_, err = s.ReadU8()
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestStreamReadUxx(t *testing.T) {
	s := NewStream([]byte{0xaa, 0xbb, 0xcc, 0xdd})
	v, err := s.ReadUxx(0)
	require.NoError(t, err)
	assert.Zero(t, v)
	v, err = s.ReadUxx(4)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xaabbccdd), v)
	_, err = s.ReadUxx(5)
	assert.Error(t, err)
}

func TestStreamBits(t *testing.T) {
	s := NewStream([]byte{0b1010_1100, 0b0101_0011})
	b, err := s.ReadBits(3)
	require.NoError(t, err)
	assert.Equal(t, uint8(0b101), b)
	flag, err := s.ReadBool()
	require.NoError(t, err)
	assert.False(t, flag)
	b, err = s.ReadBits(4)
	require.NoError(t, err)
	assert.Equal(t, uint8(0b1100), b)
	// Byte boundary crossed via ReadBits16.
	wide, err := s.ReadBits16(8)
	require.NoError(t, err)
	assert.Equal(t, uint16(0b0101_0011), wide)
}

func TestStreamMisalignedByteRead(t *testing.T) {
	s := NewStream([]byte{0xff, 0x00})
	_, err := s.ReadBits(3)
	require.NoError(t, err)
	_, err = s.ReadU8()
	assert.Error(t, err)
}

func TestStreamCString(t *testing.T) {
	s := NewStream([]byte{'p', 'i', 'c', 't', 0, 'x'})
	got, err := s.ReadCString()
	require.NoError(t, err)
	assert.Equal(t, "pict", got)
	assert.Equal(t, 1, s.BytesLeft())

	unterminated := NewStream([]byte{'a', 'b', 'c'})
	_, err = unterminated.ReadCString()
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestStreamSubStream(t *testing.T) {
	s := NewStream([]byte{1, 2, 3, 4, 5})
	sub, err := s.SubStream(3)
	require.NoError(t, err)
	assert.Equal(t, 3, sub.BytesLeft())
	// The body cannot read past its declared length.
	_, err = sub.GetSlice(4)
	assert.ErrorIs(t, err, ErrTruncated)
	// The parent advanced past the range.
	assert.Equal(t, 2, s.BytesLeft())
}

func TestStreamUUID(t *testing.T) {
	want := uuid.MustParse("6e707062-2d35-3535-3030-000000000000")
	s := NewStream(want[:])
	got, err := s.ReadUUID()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStreamFractions(t *testing.T) {
	s := NewStream([]byte{
		0x00, 0x00, 0x00, 0x60, 0x00, 0x00, 0x00, 0x01,
		0xff, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x02,
	})
	uf, err := s.ReadUFraction()
	require.NoError(t, err)
	assert.Equal(t, UFraction{N: 96, D: 1}, uf)
	f, err := s.ReadFraction()
	require.NoError(t, err)
	assert.Equal(t, Fraction{N: -1, D: 2}, f)
}

func TestVersionAndFlags(t *testing.T) {
	s := NewStream([]byte{0x02, 0x00, 0x00, 0x01})
	vf, err := s.ReadVersionAndFlags()
	require.NoError(t, err)
	assert.Equal(t, uint8(2), vf.Version)
	assert.Equal(t, uint32(1), vf.Flags)

	s = NewStream([]byte{0x01, 0x00, 0x00, 0x00})
	_, err = s.ReadAndEnforceVersion(0)
	assert.Error(t, err)
}
