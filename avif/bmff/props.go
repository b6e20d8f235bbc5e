package bmff

// Property is a typed payload parsed out of an ipco entry (or out of a
// VisualSampleEntry for tracks). Items reference properties by 1-based
// index into the ipco child sequence, so parsers must emit exactly one
// Property per child box, recognized or not.
type Property interface {
	isProperty()
}

type ImageSpatialExtents struct {
	Width  uint32
	Height uint32
}

// PlaneInformation is one channel entry of a pixi property. The extended
// fields come from ISO/IEC 23008-12 DAM 2 and are nil when the box is the
// original single-byte-per-channel form.
type PlaneInformation struct {
	Depth           uint8
	ChannelIdc      *uint8
	SubsamplingType *uint8 // 0: 4:4:4, 1: 4:2:2, 2: 4:2:0
}

type PixelInformation struct {
	Planes []PlaneInformation
}

type AlphaInformation struct {
	IsPremultiplied bool
}

// Av1CodecConfiguration is the av1C record. RawData carries the full box
// body byte-exact for muxing and for codecs that want the config OBUs.
type Av1CodecConfiguration struct {
	SeqProfile           uint8
	SeqLevelIdx0         uint8
	SeqTier0             uint8
	HighBitdepth         bool
	TwelveBit            bool
	Monochrome           bool
	ChromaSubsamplingX   uint8
	ChromaSubsamplingY   uint8
	ChromaSamplePosition uint8
	RawData              []byte
}

// Depth is the coded bit depth implied by the bitdepth flags.
func (c *Av1CodecConfiguration) Depth() uint8 {
	switch {
	case c.TwelveBit:
		return 12
	case c.HighBitdepth:
		return 10
	default:
		return 8
	}
}

// HevcCodecConfiguration is the subset of hvcC needed to describe an HEVC
// coded item. Decode support is up to the registered codecs.
type HevcCodecConfiguration struct {
	Bitdepth      uint8
	ChromaFormat  uint8 // 0: 4:0:0, 1: 4:2:0, 2: 4:2:2, 3: 4:4:4
	NalLengthSize uint8
	Vps, Sps, Pps []byte
}

func (c *HevcCodecConfiguration) Depth() uint8 { return c.Bitdepth }

type Nclx struct {
	ColorPrimaries          uint16
	TransferCharacteristics uint16
	MatrixCoefficients      uint16
	FullRange               bool
}

// ColorInformation is a colr box: exactly one of ICC or Nclx is set, or
// neither for an unrecognized colour type.
type ColorInformation struct {
	ColorType string
	ICC       []byte
	Nclx      *Nclx
}

type PixelAspectRatio struct {
	HSpacing uint32
	VSpacing uint32
}

type AuxiliaryType struct {
	AuxType string
}

type CleanAperture struct {
	Width    UFraction
	Height   UFraction
	HorizOff UFraction
	VertOff  UFraction
}

type ImageRotation struct {
	Angle uint8 // multiples of 90 degrees, counter-clockwise
}

type ImageMirror struct {
	Axis uint8 // 0: vertical (top-bottom swap), 1: horizontal
}

type OperatingPointSelector struct {
	OpIndex uint8
}

type LayerSelector struct {
	LayerID uint16
}

type AV1LayeredImageIndexing struct {
	LayerSizes [3]uint64
}

type ContentLightLevelInformation struct {
	MaxCLL  uint16
	MaxPALL uint16
}

// UnknownProperty stands in for a box this parser does not recognize. An
// item that marks one essential cannot be decoded.
type UnknownProperty struct {
	BoxType string
}

// FreeProperty is filler ('free'/'skip') that holds an ipco index without
// carrying meaning.
type FreeProperty struct{}

func (ImageSpatialExtents) isProperty()          {}
func (PixelInformation) isProperty()             {}
func (AlphaInformation) isProperty()             {}
func (*Av1CodecConfiguration) isProperty()       {}
func (*HevcCodecConfiguration) isProperty()      {}
func (ColorInformation) isProperty()             {}
func (PixelAspectRatio) isProperty()             {}
func (AuxiliaryType) isProperty()                {}
func (CleanAperture) isProperty()                {}
func (ImageRotation) isProperty()                {}
func (ImageMirror) isProperty()                  {}
func (OperatingPointSelector) isProperty()       {}
func (LayerSelector) isProperty()                {}
func (AV1LayeredImageIndexing) isProperty()      {}
func (ContentLightLevelInformation) isProperty() {}
func (UnknownProperty) isProperty()              {}
func (FreeProperty) isProperty()                 {}

func parseIspe(s *Stream) (Property, error) {
	// Section 6.5.3.2 of ISO/IEC 23008-12.
	if _, err := s.ReadAndEnforceVersion(0); err != nil {
		return nil, err
	}
	// unsigned int(32) image_width;
	width, err := s.ReadU32()
	if err != nil {
		return nil, err
	}
	// unsigned int(32) image_height;
	height, err := s.ReadU32()
	if err != nil {
		return nil, err
	}
	return ImageSpatialExtents{Width: width, Height: height}, nil
}

func parsePixi(s *Stream) (Property, error) {
	// Section 6.5.6.2 of ISO/IEC 23008-12.
	vf, err := s.ReadAndEnforceVersion(0)
	if err != nil {
		return nil, err
	}
	// unsigned int (8) num_channels;
	numChannels, err := s.ReadU8()
	if err != nil {
		return nil, err
	}
	if numChannels == 0 || numChannels > 4 {
		return nil, parseErr("invalid plane count %d in pixi", numChannels)
	}
	pixi := PixelInformation{Planes: make([]PlaneInformation, 0, numChannels)}
	for i := 0; i < int(numChannels); i++ {
		// unsigned int (8) bits_per_channel;
		depth, err := s.ReadU8()
		if err != nil {
			return nil, err
		}
		if i > 0 && depth != pixi.Planes[0].Depth {
			return nil, parseErr("pixi planes have differing depths")
		}
		pixi.Planes = append(pixi.Planes, PlaneInformation{Depth: depth})
	}
	if vf.Flags&1 != 0 {
		// Extended pixi, ISO/IEC 23008-12 DAM 2.
		for i := 0; i < int(numChannels); i++ {
			// unsigned int(3) channel_idc;
			idc, err := s.ReadBits(3)
			if err != nil {
				return nil, err
			}
			pixi.Planes[i].ChannelIdc = &idc
			// unsigned int(1) reserved = 0;
			if err := s.SkipBits(1); err != nil {
				return nil, err
			}
			// unsigned int(2) component_format; only unsigned integers.
			format, err := s.ReadBits(2)
			if err != nil {
				return nil, err
			}
			if format != 0 {
				return nil, parseErr("unsupported pixi component format %d", format)
			}
			subsamplingFlag, err := s.ReadBool()
			if err != nil {
				return nil, err
			}
			channelLabelFlag, err := s.ReadBool()
			if err != nil {
				return nil, err
			}
			if subsamplingFlag {
				// unsigned int(4) subsampling_type;
				st, err := s.ReadBits(4)
				if err != nil {
					return nil, err
				}
				if st > 2 {
					return nil, parseErr("unsupported pixi subsampling type %d", st)
				}
				pixi.Planes[i].SubsamplingType = &st
				// unsigned int(4) subsampling_location; carried but not
				// worth failing a decode over.
				if err := s.SkipBits(4); err != nil {
					return nil, err
				}
			}
			if channelLabelFlag {
				// utf8string channel_label;
				if _, err := s.ReadCString(); err != nil {
					return nil, err
				}
			}
		}
	}
	switch pixi.Planes[0].Depth {
	case 8, 10, 12, 16:
	default:
		return nil, parseErr("unsupported pixi depth %d", pixi.Planes[0].Depth)
	}
	return pixi, nil
}

func parseAlpi(s *Stream) (Property, error) {
	// Section 12.1.11.2 of ISO/IEC 14496-12 8th ed DAM 2.
	vf, err := s.ReadAndEnforceVersion(0)
	if err != nil {
		return nil, err
	}
	var premultiplied bool
	switch vf.Flags & 0x3 {
	case 0:
		premultiplied = false
	case 1:
		premultiplied = true
	default:
		return nil, parseErr("unsupported premultiplication_mode in alpi")
	}
	// unsigned int (16) opaque_value;
	// unsigned int (16) transparent_value;
	if err := s.Skip(4); err != nil {
		return nil, err
	}
	return AlphaInformation{IsPremultiplied: premultiplied}, nil
}

func parseAv1C(s *Stream) (Property, error) {
	// https://aomediacodec.github.io/av1-isobmff/v1.2.0.html#av1codecconfigurationbox-syntax
	raw, err := s.GetVec(s.BytesLeft())
	if err != nil {
		return nil, err
	}
	s = NewStream(raw)
	// unsigned int (1) marker = 1;
	marker, err := s.ReadBits(1)
	if err != nil {
		return nil, err
	}
	if marker != 1 {
		return nil, parseErr("invalid marker (%d) in av1C", marker)
	}
	// unsigned int (7) version = 1;
	version, err := s.ReadBits(7)
	if err != nil {
		return nil, err
	}
	if version != 1 {
		return nil, parseErr("invalid version (%d) in av1C", version)
	}
	c := &Av1CodecConfiguration{RawData: raw}
	// unsigned int(3) seq_profile;
	if c.SeqProfile, err = s.ReadBits(3); err != nil {
		return nil, err
	}
	// unsigned int(5) seq_level_idx_0;
	if c.SeqLevelIdx0, err = s.ReadBits(5); err != nil {
		return nil, err
	}
	// unsigned int(1) seq_tier_0;
	if c.SeqTier0, err = s.ReadBits(1); err != nil {
		return nil, err
	}
	// unsigned int(1) high_bitdepth;
	if c.HighBitdepth, err = s.ReadBool(); err != nil {
		return nil, err
	}
	// unsigned int(1) twelve_bit;
	if c.TwelveBit, err = s.ReadBool(); err != nil {
		return nil, err
	}
	// unsigned int(1) monochrome;
	if c.Monochrome, err = s.ReadBool(); err != nil {
		return nil, err
	}
	// unsigned int(1) chroma_subsampling_x;
	if c.ChromaSubsamplingX, err = s.ReadBits(1); err != nil {
		return nil, err
	}
	// unsigned int(1) chroma_subsampling_y;
	if c.ChromaSubsamplingY, err = s.ReadBits(1); err != nil {
		return nil, err
	}
	// unsigned int(2) chroma_sample_position;
	if c.ChromaSamplePosition, err = s.ReadBits(2); err != nil {
		return nil, err
	}
	// unsigned int(3) reserved = 0;
	reserved, err := s.ReadBits(3)
	if err != nil {
		return nil, err
	}
	if reserved != 0 {
		return nil, parseErr("invalid reserved bits in av1C")
	}
	// unsigned int(1) initial_presentation_delay_present;
	delayPresent, err := s.ReadBits(1)
	if err != nil {
		return nil, err
	}
	// unsigned int(4) initial_presentation_delay_minus_one / reserved;
	delayBits, err := s.ReadBits(4)
	if err != nil {
		return nil, err
	}
	if delayPresent == 0 && delayBits != 0 {
		return nil, parseErr("invalid reserved bits in av1C")
	}
	// unsigned int(8) configOBUs[]; kept in RawData only.
	return c, nil
}

func parseHvcC(s *Stream) (Property, error) {
	// Section 8.3.3.1.2 of ISO/IEC 14496-15.
	configurationVersion, err := s.ReadU8()
	if err != nil {
		return nil, err
	}
	if configurationVersion != 0 && configurationVersion != 1 {
		return nil, parseErr("unknown configurationVersion (%d) in hvcC", configurationVersion)
	}
	// general_profile_space .. parallelismType: 120 bits of profile and
	// constraint metadata that do not affect decode routing.
	if err := s.SkipBits(2 + 1 + 5); err != nil {
		return nil, err
	}
	if err := s.Skip(4 + 6 + 1); err != nil { // compat flags, constraints, level
		return nil, err
	}
	if err := s.SkipBits(4 + 12 + 6 + 2 + 6); err != nil {
		return nil, err
	}
	c := &HevcCodecConfiguration{}
	// unsigned int(2) chroma_format_idc;
	if c.ChromaFormat, err = s.ReadBits(2); err != nil {
		return nil, err
	}
	if err := s.SkipBits(5); err != nil {
		return nil, err
	}
	// unsigned int(3) bit_depth_luma_minus8;
	lumaMinus8, err := s.ReadBits(3)
	if err != nil {
		return nil, err
	}
	c.Bitdepth = lumaMinus8 + 8
	// bit_depth_chroma, avgFrameRate, constantFrameRate, numTemporalLayers,
	// temporalIdNested.
	if err := s.SkipBits(5 + 3); err != nil {
		return nil, err
	}
	if err := s.Skip(2); err != nil {
		return nil, err
	}
	if err := s.SkipBits(2 + 3 + 1); err != nil {
		return nil, err
	}
	// unsigned int(2) lengthSizeMinusOne;
	lengthMinusOne, err := s.ReadBits(2)
	if err != nil {
		return nil, err
	}
	c.NalLengthSize = lengthMinusOne + 1
	// unsigned int(8) numOfArrays;
	numArrays, err := s.ReadU8()
	if err != nil {
		return nil, err
	}
	for i := 0; i < int(numArrays); i++ {
		if err := s.Skip(1); err != nil { // completeness + NAL_unit_type
			return nil, err
		}
		numNalus, err := s.ReadU16()
		if err != nil {
			return nil, err
		}
		for j := 0; j < int(numNalus); j++ {
			nalLen, err := s.ReadU16()
			if err != nil {
				return nil, err
			}
			nal, err := s.GetVec(int(nalLen))
			if err != nil {
				return nil, err
			}
			if len(nal) == 0 {
				continue
			}
			switch (nal[0] >> 1) & 0x3f {
			case 32:
				c.Vps = nal
			case 33:
				c.Sps = nal
			case 34:
				c.Pps = nal
			}
		}
	}
	return c, nil
}

func parseColr(s *Stream) (Property, error) {
	// Section 12.1.5.2 of ISO/IEC 14496-12.
	// unsigned int(32) colour_type;
	colorType, err := s.ReadString(4)
	if err != nil {
		return nil, err
	}
	switch colorType {
	case "rICC", "prof":
		if s.BytesLeft() == 0 {
			// An ICC profile header alone is 128 bytes; empty is invalid.
			return nil, parseErr("colr box contains 0 bytes of %s", colorType)
		}
		icc, err := s.GetVec(s.BytesLeft())
		if err != nil {
			return nil, err
		}
		return ColorInformation{ColorType: colorType, ICC: icc}, nil
	case "nclx":
		nclx := &Nclx{}
		// unsigned int(16) colour_primaries;
		if nclx.ColorPrimaries, err = s.ReadU16(); err != nil {
			return nil, err
		}
		// unsigned int(16) transfer_characteristics;
		if nclx.TransferCharacteristics, err = s.ReadU16(); err != nil {
			return nil, err
		}
		// unsigned int(16) matrix_coefficients;
		if nclx.MatrixCoefficients, err = s.ReadU16(); err != nil {
			return nil, err
		}
		// unsigned int(1) full_range_flag;
		if nclx.FullRange, err = s.ReadBool(); err != nil {
			return nil, err
		}
		// unsigned int(7) reserved = 0;
		reserved, err := s.ReadBits(7)
		if err != nil {
			return nil, err
		}
		if reserved != 0 {
			return nil, parseErr("colr box contains invalid reserved bits")
		}
		return ColorInformation{ColorType: colorType, Nclx: nclx}, nil
	}
	return ColorInformation{ColorType: colorType}, nil
}

func parsePasp(s *Stream) (Property, error) {
	// Section 12.1.4.2 of ISO/IEC 14496-12.
	h, err := s.ReadU32()
	if err != nil {
		return nil, err
	}
	v, err := s.ReadU32()
	if err != nil {
		return nil, err
	}
	return PixelAspectRatio{HSpacing: h, VSpacing: v}, nil
}

func parseAuxC(s *Stream) (Property, error) {
	// Section 6.5.8.2 of ISO/IEC 23008-12.
	if _, err := s.ReadAndEnforceVersion(0); err != nil {
		return nil, err
	}
	// string aux_type; aux_subtype bytes after it depend on aux_type.
	auxType, err := s.ReadCString()
	if err != nil {
		return nil, err
	}
	return AuxiliaryType{AuxType: auxType}, nil
}

func parseClap(s *Stream) (Property, error) {
	// Section 12.1.4.2 of ISO/IEC 14496-12.
	var clap CleanAperture
	var err error
	if clap.Width, err = s.ReadUFraction(); err != nil {
		return nil, err
	}
	if clap.Height, err = s.ReadUFraction(); err != nil {
		return nil, err
	}
	if clap.HorizOff, err = s.ReadUFraction(); err != nil {
		return nil, err
	}
	if clap.VertOff, err = s.ReadUFraction(); err != nil {
		return nil, err
	}
	return clap, nil
}

func parseIrot(s *Stream) (Property, error) {
	// Section 6.5.10.2 of ISO/IEC 23008-12.
	// unsigned int (6) reserved = 0;
	reserved, err := s.ReadBits(6)
	if err != nil {
		return nil, err
	}
	if reserved != 0 {
		return nil, parseErr("invalid reserved bits in irot")
	}
	// unsigned int (2) angle;
	angle, err := s.ReadBits(2)
	if err != nil {
		return nil, err
	}
	return ImageRotation{Angle: angle}, nil
}

func parseImir(s *Stream) (Property, error) {
	// Section 6.5.12.1 of ISO/IEC 23008-12.
	// unsigned int(7) reserved = 0;
	reserved, err := s.ReadBits(7)
	if err != nil {
		return nil, err
	}
	if reserved != 0 {
		return nil, parseErr("invalid reserved bits in imir")
	}
	// unsigned int(1) axis;
	axis, err := s.ReadBits(1)
	if err != nil {
		return nil, err
	}
	return ImageMirror{Axis: axis}, nil
}

func parseA1op(s *Stream) (Property, error) {
	// unsigned int(8) op_index;
	opIndex, err := s.ReadU8()
	if err != nil {
		return nil, err
	}
	// 31 is AV1's maximum operating point (operating_points_cnt_minus_1).
	if opIndex > 31 {
		return nil, parseErr("invalid op_index (%d) in a1op", opIndex)
	}
	return OperatingPointSelector{OpIndex: opIndex}, nil
}

func parseLsel(s *Stream) (Property, error) {
	// Section 6.5.11.1 of ISO/IEC 23008-12.
	// unsigned int(16) layer_id;
	layerID, err := s.ReadU16()
	if err != nil {
		return nil, err
	}
	// The layer_id shall be between 0 and 3, or the special value 0xFFFF.
	if layerID != 0xFFFF && layerID >= 4 {
		return nil, parseErr("invalid layer_id (%d) in lsel", layerID)
	}
	return LayerSelector{LayerID: layerID}, nil
}

func parseA1lx(s *Stream) (Property, error) {
	// unsigned int(7) reserved = 0;
	reserved, err := s.ReadBits(7)
	if err != nil {
		return nil, err
	}
	if reserved != 0 {
		return nil, parseErr("invalid reserved bits in a1lx")
	}
	// unsigned int(1) large_size;
	largeSize, err := s.ReadBool()
	if err != nil {
		return nil, err
	}
	var p AV1LayeredImageIndexing
	for i := range p.LayerSizes {
		if largeSize {
			v, err := s.ReadU32()
			if err != nil {
				return nil, err
			}
			p.LayerSizes[i] = uint64(v)
		} else {
			v, err := s.ReadU16()
			if err != nil {
				return nil, err
			}
			p.LayerSizes[i] = uint64(v)
		}
	}
	return p, nil
}

func parseClli(s *Stream) (Property, error) {
	// Section 12.1.6.2 of ISO/IEC 14496-12.
	maxCLL, err := s.ReadU16()
	if err != nil {
		return nil, err
	}
	maxPALL, err := s.ReadU16()
	if err != nil {
		return nil, err
	}
	return ContentLightLevelInformation{MaxCLL: maxCLL, MaxPALL: maxPALL}, nil
}

// parseIpco parses the property container. isTrack selects between auxC
// (items) and auxi (tracks) for the auxiliary type box.
func parseIpco(s *Stream, isTrack bool) ([]Property, error) {
	// Section 8.11.14.2 of ISO/IEC 14496-12.
	var properties []Property
	for s.HasBytesLeft() {
		header, err := ParseHeader(s, false)
		if err != nil {
			return nil, err
		}
		sub, err := s.SubStream(header.Size)
		if err != nil {
			return nil, err
		}
		var prop Property
		switch header.Type {
		case "ispe":
			prop, err = parseIspe(sub)
		case "pixi":
			prop, err = parsePixi(sub)
		case "alpi":
			prop, err = parseAlpi(sub)
		case "av1C":
			prop, err = parseAv1C(sub)
		case "hvcC":
			prop, err = parseHvcC(sub)
		case "colr":
			prop, err = parseColr(sub)
		case "pasp":
			prop, err = parsePasp(sub)
		case "clap":
			prop, err = parseClap(sub)
		case "irot":
			prop, err = parseIrot(sub)
		case "imir":
			prop, err = parseImir(sub)
		case "a1op":
			prop, err = parseA1op(sub)
		case "lsel":
			prop, err = parseLsel(sub)
		case "a1lx":
			prop, err = parseA1lx(sub)
		case "clli":
			prop, err = parseClli(sub)
		case "auxC":
			if isTrack {
				prop = UnknownProperty{BoxType: header.Type}
			} else {
				prop, err = parseAuxC(sub)
			}
		case "auxi":
			if isTrack {
				prop, err = parseAuxC(sub)
			} else {
				prop = UnknownProperty{BoxType: header.Type}
			}
		case "free", "skip":
			prop = FreeProperty{}
		default:
			prop = UnknownProperty{BoxType: header.Type}
		}
		if err != nil {
			return nil, err
		}
		properties = append(properties, prop)
	}
	return properties, nil
}
