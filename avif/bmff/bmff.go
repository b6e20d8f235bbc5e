package bmff

import "errors"

// ByteSource supplies ranges of the encoded file. It is satisfied by the
// IO implementations of the avif package.
type ByteSource interface {
	Read(offset uint64, maxSize int) ([]byte, error)
	SizeHint() uint64
	Persistent() bool
}

// ErrUnsupportedBrand is returned when the ftyp brand set does not
// identify the file as one this module can decode.
var ErrUnsupportedBrand = errors.New("bmff: unsupported brand")

type FileTypeBox struct {
	MajorBrand       string
	MinorVersion     string
	CompatibleBrands []string
}

// HasBrand reports whether brand is the major brand or one of the
// compatible brands. Section 4.3.1 of ISO/IEC 14496-12 asks that the
// major brand be repeated in the compatible brands, but not all muxers do.
func (f *FileTypeBox) HasBrand(brand string) bool {
	if f.MajorBrand == brand {
		return true
	}
	for _, b := range f.CompatibleBrands {
		if b == brand {
			return true
		}
	}
	return false
}

func (f *FileTypeBox) hasBrandAny(brands ...string) bool {
	for _, b := range brands {
		if f.HasBrand(b) {
			return true
		}
	}
	return false
}

// IsSupported reports whether the brand set identifies a decodable file.
func (f *FileTypeBox) IsSupported() bool {
	return f.hasBrandAny("avif", "avis", "mif1", "miaf")
}

// NeedsMeta reports whether a top-level meta box is required.
func (f *FileTypeBox) NeedsMeta() bool {
	return f.hasBrandAny("avif", "mif1")
}

// NeedsMoov reports whether a moov box is required.
func (f *FileTypeBox) NeedsMoov() bool {
	return f.hasBrandAny("avis")
}

// HasTmap reports whether the tmap brand advertises a tone-mapped
// (gain map) derived image item.
func (f *FileTypeBox) HasTmap() bool {
	return f.HasBrand("tmap")
}

// File is the result of walking the top-level box sequence: just enough
// of the container to build the item and track graphs.
type File struct {
	Ftyp   FileTypeBox
	Meta   *MetaBox
	Tracks []*Track
}

func parseFtyp(s *Stream) (FileTypeBox, error) {
	// Section 4.3.2 of ISO/IEC 14496-12.
	var ftyp FileTypeBox
	var err error
	// unsigned int(32) major_brand;
	if ftyp.MajorBrand, err = s.ReadString(4); err != nil {
		return ftyp, err
	}
	// unsigned int(32) minor_version;
	if ftyp.MinorVersion, err = s.ReadString(4); err != nil {
		return ftyp, err
	}
	if s.BytesLeft()%4 != 0 {
		return ftyp, parseErr("Box[ftyp] compatible brands section is not divisible by 4")
	}
	// unsigned int(32) compatible_brands[]; to end of the box.
	for s.HasBytesLeft() {
		brand, err := s.ReadString(4)
		if err != nil {
			return ftyp, err
		}
		ftyp.CompatibleBrands = append(ftyp.CompatibleBrands, brand)
	}
	return ftyp, nil
}

// parseTruncatedFtyp populates as many brands as the available bytes
// allow. Used by PeekCompatibleFileType on partial prefixes.
func parseTruncatedFtyp(s *Stream) FileTypeBox {
	var ftyp FileTypeBox
	var err error
	if ftyp.MajorBrand, err = s.ReadString(4); err != nil {
		return ftyp
	}
	if ftyp.MinorVersion, err = s.ReadString(4); err != nil {
		return ftyp
	}
	for s.BytesLeft() >= 4 {
		brand, err := s.ReadString(4)
		if err != nil {
			break
		}
		ftyp.CompatibleBrands = append(ftyp.CompatibleBrands, brand)
	}
	return ftyp
}

func sourceReadExact(src ByteSource, offset uint64, size int) ([]byte, error) {
	data, err := src.Read(offset, size)
	if err != nil {
		return nil, err
	}
	if len(data) < size {
		return nil, ErrTruncated
	}
	return data[:size], nil
}

// Parse walks the top-level box sequence of src. It stops as soon as
// enough information (ftyp plus the meta and/or moov the brands require)
// has been read, so mdat payloads are never touched here.
func Parse(src ByteSource) (*File, error) {
	file := &File{}
	ftypSeen := false
	metaSeen := false
	moovSeen := false
	var parseOffset uint64
	for {
		// Read just enough for the longest valid box header
		// (size + type + largesize + uuid = 32 bytes).
		headerData, err := src.Read(parseOffset, 32)
		if err != nil {
			return nil, err
		}
		if len(headerData) == 0 {
			// End of stream.
			break
		}
		headerStream := NewStream(headerData)
		header, err := ParseHeader(headerStream, true)
		if err != nil {
			return nil, err
		}
		parseOffset += uint64(header.HeaderSize)

		switch header.Type {
		case "ftyp", "meta", "moov":
			if !ftypSeen && header.Type != "ftyp" {
				// Section 6.3.4 of ISO/IEC 14496-12: the FileTypeBox shall
				// occur before any variable-length box.
				return nil, ErrUnsupportedBrand
			}
			var boxData []byte
			if header.UntilEOF {
				boxData, err = src.Read(parseOffset, int(^uint(0)>>1))
			} else {
				boxData, err = sourceReadExact(src, parseOffset, header.Size)
			}
			if err != nil {
				return nil, err
			}
			boxStream := NewStream(boxData)
			switch header.Type {
			case "ftyp":
				if ftypSeen {
					return nil, parseErr("duplicate ftyp box")
				}
				ftypSeen = true
				if file.Ftyp, err = parseFtyp(boxStream); err != nil {
					return nil, err
				}
				if !file.Ftyp.IsSupported() {
					return nil, ErrUnsupportedBrand
				}
			case "meta":
				if metaSeen {
					return nil, parseErr("duplicate top-level meta box")
				}
				metaSeen = true
				if file.Meta, err = ParseMeta(boxStream); err != nil {
					return nil, err
				}
			case "moov":
				if moovSeen {
					return nil, parseErr("duplicate moov box")
				}
				moovSeen = true
				if file.Tracks, err = ParseMoov(boxStream); err != nil {
					return nil, err
				}
			}
			if ftypSeen {
				enough := true
				if file.Ftyp.NeedsMeta() && file.Meta == nil {
					enough = false
				}
				if file.Ftyp.NeedsMoov() && file.Tracks == nil {
					enough = false
				}
				if enough {
					return file, nil
				}
			}
		}
		if header.UntilEOF {
			// Nothing can follow a box that runs to the end of the file.
			break
		}
		parseOffset += uint64(header.Size)
	}
	if !ftypSeen {
		return nil, ErrUnsupportedBrand
	}
	if (file.Ftyp.NeedsMeta() && file.Meta == nil) || (file.Ftyp.NeedsMoov() && file.Tracks == nil) {
		return nil, ErrTruncated
	}
	return file, nil
}

// PeekCompatibleFileType reports whether data starts with an ftyp box
// whose brand set this module supports. It tolerates an ftyp truncated
// after at least one readable brand.
func PeekCompatibleFileType(data []byte) bool {
	s := NewStream(data)
	header, err := ParseHeader(s, true)
	if err != nil || header.Type != "ftyp" || header.UntilEOF {
		return false
	}
	if header.Size > s.BytesLeft() {
		ftyp := parseTruncatedFtyp(s)
		return ftyp.IsSupported()
	}
	sub, err := s.SubStream(header.Size)
	if err != nil {
		return false
	}
	ftyp, err := parseFtyp(sub)
	if err != nil {
		return false
	}
	return ftyp.IsSupported()
}
