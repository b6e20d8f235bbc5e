package avif

import "encoding/binary"

// parseExifPayload validates an Exif item payload and strips the leading
// tiff header offset field. The payload starts with a 4-byte offset to
// the TIFF header, which must land on a byte-order mark.
func parseExifPayload(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrInvalidExifPayload
	}
	offset := binary.BigEndian.Uint32(data)
	rest := data[4:]
	if uint64(offset)+4 > uint64(len(rest)) {
		return nil, ErrInvalidExifPayload
	}
	tiff := rest[offset:]
	littleEndian := tiff[0] == 'I' && tiff[1] == 'I' && tiff[2] == 0x2a && tiff[3] == 0x00
	bigEndian := tiff[0] == 'M' && tiff[1] == 'M' && tiff[2] == 0x00 && tiff[3] == 0x2a
	if !littleEndian && !bigEndian {
		return nil, ErrInvalidExifPayload
	}
	return rest, nil
}
