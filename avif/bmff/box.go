package bmff

// BoxHeader is the parsed leading size/type of a box. Size is the body
// length in bytes, header excluded. A box with size 0 extends to the end
// of the file and is only legal at the top level.
type BoxHeader struct {
	Type       string
	Size       int
	UntilEOF   bool
	HeaderSize int
}

// maxRecursionDepth caps container nesting so adversarial files cannot
// blow the stack.
const maxRecursionDepth = 32

// ParseHeader reads one box header from the stream. Section 4.2.2 of
// ISO/IEC 14496-12.
func ParseHeader(s *Stream, topLevel bool) (BoxHeader, error) {
	startOffset := s.Offset()
	// unsigned int(32) size;
	size32, err := s.ReadU32()
	if err != nil {
		return BoxHeader{}, err
	}
	size := uint64(size32)
	// unsigned int(32) type = boxtype;
	boxType, err := s.ReadString(4)
	if err != nil {
		return BoxHeader{}, err
	}
	if size == 1 {
		// unsigned int(64) largesize;
		if size, err = s.ReadU64(); err != nil {
			return BoxHeader{}, err
		}
	}
	if boxType == "uuid" {
		// unsigned int(8) usertype[16] = extended_type;
		if _, err := s.ReadUUID(); err != nil {
			return BoxHeader{}, err
		}
	}
	headerSize := s.Offset() - startOffset
	if size == 0 {
		// Section 4.2.2: a box with size 0 must be top-level and last;
		// its payload extends to the end of the file.
		if !topLevel {
			return BoxHeader{}, parseErr("non-top-level box %q with size 0", boxType)
		}
		return BoxHeader{Type: boxType, UntilEOF: true, HeaderSize: headerSize}, nil
	}
	if size < uint64(headerSize) {
		return BoxHeader{}, parseErr("box %q header size %d exceeds declared size %d", boxType, headerSize, size)
	}
	bodySize := size - uint64(headerSize)
	if bodySize > uint64(int(^uint(0)>>1)) {
		return BoxHeader{}, parseErr("box %q too large", boxType)
	}
	if !topLevel && int(bodySize) > s.BytesLeft() {
		return BoxHeader{}, parseErr("box %q size %d exceeds parent remainder %d", boxType, bodySize, s.BytesLeft())
	}
	return BoxHeader{Type: boxType, Size: int(bodySize), HeaderSize: headerSize}, nil
}

func checkDepth(depth int) error {
	if depth > maxRecursionDepth {
		return parseErr("box nesting deeper than %d", maxRecursionDepth)
	}
	return nil
}
