// Package bmff reads ISO BMFF boxes, as used by AVIF and HEIF.
//
// This is not a generic BMFF reader: only the boxes needed to realize an
// AVIF item/track graph have explicit parsers. Unknown non-container boxes
// are skipped.
package bmff

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrTruncated is returned whenever a read would go past the end of the
// stream or the enclosing box body.
var ErrTruncated = errors.New("bmff: truncated data")

func parseErr(format string, args ...interface{}) error {
	return fmt.Errorf("bmff: "+format, args...)
}

// maxCStringLength guards null-terminated string reads against adversarial
// unterminated payloads.
const maxCStringLength = 1024

// Stream is a forward-only cursor over a borrowed byte slice. Every read
// is bounds-checked; going past the end fails with ErrTruncated. Bit-level
// reads operate on one partially-consumed byte at a time and must leave
// the cursor byte-aligned before any byte-level read.
type Stream struct {
	data []byte
	pos  int

	// Bit reader state over data[pos-1]; valid while bitsLeft > 0.
	bitBuf   byte
	bitsLeft uint8
}

// NewStream wraps data without copying it.
func NewStream(data []byte) *Stream {
	return &Stream{data: data}
}

// Offset is the number of bytes consumed so far.
func (s *Stream) Offset() int { return s.pos }

func (s *Stream) BytesLeft() int { return len(s.data) - s.pos }

func (s *Stream) HasBytesLeft() bool { return s.BytesLeft() > 0 }

func (s *Stream) checkMisaligned() error {
	if s.bitsLeft != 0 {
		return parseErr("byte read on bit-misaligned stream")
	}
	return nil
}

// GetSlice returns the next size bytes without copying and advances.
func (s *Stream) GetSlice(size int) ([]byte, error) {
	if err := s.checkMisaligned(); err != nil {
		return nil, err
	}
	if size < 0 || size > s.BytesLeft() {
		return nil, ErrTruncated
	}
	out := s.data[s.pos : s.pos+size]
	s.pos += size
	return out, nil
}

// GetVec returns a copy of the next size bytes.
func (s *Stream) GetVec(size int) ([]byte, error) {
	slice, err := s.GetSlice(size)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, slice)
	return out, nil
}

// Peek returns the remaining bytes without advancing.
func (s *Stream) Peek() []byte { return s.data[s.pos:] }

func (s *Stream) Skip(size int) error {
	_, err := s.GetSlice(size)
	return err
}

func (s *Stream) ReadU8() (uint8, error) {
	b, err := s.GetSlice(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (s *Stream) ReadU16() (uint16, error) {
	b, err := s.GetSlice(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (s *Stream) ReadU24() (uint32, error) {
	b, err := s.GetSlice(3)
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), nil
}

func (s *Stream) ReadU32() (uint32, error) {
	b, err := s.GetSlice(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (s *Stream) ReadU64() (uint64, error) {
	b, err := s.GetSlice(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (s *Stream) ReadI8() (int8, error) {
	v, err := s.ReadU8()
	return int8(v), err
}

func (s *Stream) ReadI16() (int16, error) {
	v, err := s.ReadU16()
	return int16(v), err
}

func (s *Stream) ReadI32() (int32, error) {
	v, err := s.ReadU32()
	return int32(v), err
}

func (s *Stream) ReadI64() (int64, error) {
	v, err := s.ReadU64()
	return int64(v), err
}

// ReadUxx reads a big-endian unsigned integer that is bytes wide. Only
// widths of 0, 1, 2, 3, 4 and 8 occur in ISOBMFF; 0 reads nothing.
func (s *Stream) ReadUxx(bytes uint8) (uint64, error) {
	switch bytes {
	case 0:
		return 0, nil
	case 1:
		v, err := s.ReadU8()
		return uint64(v), err
	case 2:
		v, err := s.ReadU16()
		return uint64(v), err
	case 3:
		v, err := s.ReadU24()
		return uint64(v), err
	case 4:
		v, err := s.ReadU32()
		return uint64(v), err
	case 8:
		return s.ReadU64()
	default:
		return 0, parseErr("unsupported integer width %d", bytes)
	}
}

// ReadString reads size raw bytes as a string (box and brand four-ccs).
func (s *Stream) ReadString(size int) (string, error) {
	b, err := s.GetSlice(size)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadCString reads a null-terminated UTF-8 string, excluding the
// terminator. Unterminated strings and strings longer than
// maxCStringLength fail.
func (s *Stream) ReadCString() (string, error) {
	if err := s.checkMisaligned(); err != nil {
		return "", err
	}
	limit := s.BytesLeft()
	if limit > maxCStringLength {
		limit = maxCStringLength
	}
	for i := 0; i < limit; i++ {
		if s.data[s.pos+i] == 0 {
			out := string(s.data[s.pos : s.pos+i])
			s.pos += i + 1
			return out, nil
		}
	}
	if s.BytesLeft() > maxCStringLength {
		return "", parseErr("unterminated string exceeds %d bytes", maxCStringLength)
	}
	return "", ErrTruncated
}

// ReadUUID reads a 16-byte extended type.
func (s *Stream) ReadUUID() (uuid.UUID, error) {
	b, err := s.GetSlice(16)
	if err != nil {
		return uuid.UUID{}, err
	}
	return uuid.FromBytes(b)
}

// ReadBits reads n bits (n <= 8) most-significant first.
func (s *Stream) ReadBits(n uint8) (uint8, error) {
	if n == 0 || n > 8 {
		return 0, parseErr("invalid bit read size %d", n)
	}
	if s.bitsLeft == 0 {
		b, err := s.ReadU8()
		if err != nil {
			return 0, err
		}
		s.bitBuf = b
		s.bitsLeft = 8
	}
	if n > s.bitsLeft {
		return 0, parseErr("bit read of %d crosses byte boundary", n)
	}
	shift := s.bitsLeft - n
	mask := byte(1<<n) - 1
	s.bitsLeft -= n
	return (s.bitBuf >> shift) & mask, nil
}

// ReadBits16 reads n bits (n <= 16) most-significant first, allowing the
// read to span a byte boundary.
func (s *Stream) ReadBits16(n uint8) (uint16, error) {
	var out uint16
	for n > 0 {
		chunk := n
		if s.bitsLeft > 0 && chunk > s.bitsLeft {
			chunk = s.bitsLeft
		} else if chunk > 8 {
			chunk = 8
		}
		bits, err := s.ReadBits(chunk)
		if err != nil {
			return 0, err
		}
		out = out<<chunk | uint16(bits)
		n -= chunk
	}
	return out, nil
}

func (s *Stream) ReadBool() (bool, error) {
	bit, err := s.ReadBits(1)
	return bit == 1, err
}

func (s *Stream) SkipBits(n uint8) error {
	for n > 0 {
		chunk := n
		if chunk > 8 {
			chunk = 8
		}
		if s.bitsLeft > 0 && chunk > s.bitsLeft {
			chunk = s.bitsLeft
		}
		if _, err := s.ReadBits(chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// UFraction is an unsigned rational (numerator over denominator) read as
// two consecutive 32-bit integers.
type UFraction struct {
	N uint32
	D uint32
}

// Fraction is a signed rational: int32 numerator over uint32 denominator.
type Fraction struct {
	N int32
	D uint32
}

func (s *Stream) ReadUFraction() (UFraction, error) {
	n, err := s.ReadU32()
	if err != nil {
		return UFraction{}, err
	}
	d, err := s.ReadU32()
	if err != nil {
		return UFraction{}, err
	}
	return UFraction{N: n, D: d}, nil
}

func (s *Stream) ReadFraction() (Fraction, error) {
	n, err := s.ReadI32()
	if err != nil {
		return Fraction{}, err
	}
	d, err := s.ReadU32()
	if err != nil {
		return Fraction{}, err
	}
	return Fraction{N: n, D: d}, nil
}

// ReadFixed1616 reads a 16.16 fixed-point value and returns the integer
// part (used for tkhd width/height).
func (s *Stream) ReadFixed1616() (uint32, error) {
	v, err := s.ReadU32()
	return v >> 16, err
}

// SubStream returns a Stream over the next size bytes of this stream so a
// box body cannot read past its declared length. The parent advances past
// the range.
func (s *Stream) SubStream(size int) (*Stream, error) {
	body, err := s.GetSlice(size)
	if err != nil {
		return nil, err
	}
	return NewStream(body), nil
}

// RestSubStream returns a Stream over everything left in this stream.
func (s *Stream) RestSubStream() (*Stream, error) {
	return s.SubStream(s.BytesLeft())
}

// VersionAndFlags is the leading 4 bytes of a FullBox.
type VersionAndFlags struct {
	Version uint8
	Flags   uint32
}

func (s *Stream) ReadVersionAndFlags() (VersionAndFlags, error) {
	version, err := s.ReadU8()
	if err != nil {
		return VersionAndFlags{}, err
	}
	flags, err := s.ReadU24()
	if err != nil {
		return VersionAndFlags{}, err
	}
	return VersionAndFlags{Version: version, Flags: flags}, nil
}

// ReadAndEnforceVersion reads a FullBox header and fails unless the
// version matches.
func (s *Stream) ReadAndEnforceVersion(version uint8) (VersionAndFlags, error) {
	vf, err := s.ReadVersionAndFlags()
	if err != nil {
		return VersionAndFlags{}, err
	}
	if vf.Version != version {
		return VersionAndFlags{}, parseErr("expected version %d, got %d", version, vf.Version)
	}
	return vf, nil
}
