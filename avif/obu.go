package avif

// Minimal AV1 OBU walking: just enough of the sequence header to harvest
// CICP and range when the container carries no colr box.

type obuBitReader struct {
	data   []byte
	bitPos int
}

func (r *obuBitReader) bitsLeft() int { return len(r.data)*8 - r.bitPos }

func (r *obuBitReader) readBit() (uint32, error) {
	if r.bitsLeft() < 1 {
		return 0, ErrBmffParseFailed
	}
	byteIndex := r.bitPos >> 3
	shift := 7 - (r.bitPos & 7)
	r.bitPos++
	return uint32(r.data[byteIndex]>>shift) & 1, nil
}

func (r *obuBitReader) readBits(n int) (uint32, error) {
	if n > 32 {
		return 0, ErrBmffParseFailed
	}
	var out uint32
	for i := 0; i < n; i++ {
		bit, err := r.readBit()
		if err != nil {
			return 0, err
		}
		out = out<<1 | bit
	}
	return out, nil
}

func (r *obuBitReader) readBool() (bool, error) {
	bit, err := r.readBit()
	return bit == 1, err
}

func (r *obuBitReader) skipBits(n int) error {
	if r.bitsLeft() < n {
		return ErrBmffParseFailed
	}
	r.bitPos += n
	return nil
}

// skipUvlc skips a variable-length code (Section 4.10.3 of the AV1 spec).
func (r *obuBitReader) skipUvlc() error {
	leadingZeros := 0
	for {
		done, err := r.readBool()
		if err != nil {
			return err
		}
		if done {
			break
		}
		leadingZeros++
		if leadingZeros > 32 {
			return ErrBmffParseFailed
		}
	}
	if leadingZeros < 32 {
		return r.skipBits(leadingZeros)
	}
	return nil
}

// readUleb128 reads an unsigned LEB128 value (Section 4.10.5).
func (r *obuBitReader) readUleb128() (uint32, error) {
	var value uint64
	for i := 0; i < 8; i++ {
		b, err := r.readBits(8)
		if err != nil {
			return 0, err
		}
		value |= uint64(b&0x7f) << (i * 7)
		if b&0x80 == 0 {
			if value > 0xffffffff {
				return 0, ErrBmffParseFailed
			}
			return uint32(value), nil
		}
	}
	return 0, ErrBmffParseFailed
}

func (r *obuBitReader) byteAlign() {
	if r.bitPos&7 != 0 {
		r.bitPos = (r.bitPos | 7) + 1
	}
}

// av1SequenceHeader is the subset of the sequence header needed for
// colorimetry harvesting.
type av1SequenceHeader struct {
	reducedStillPictureHeader bool
	seqProfile                uint8
	bitDepth                  uint8
	monochrome                bool
	yuvFormat                 PixelFormat

	colorPrimaries          ColorPrimaries
	transferCharacteristics TransferCharacteristics
	matrixCoefficients      MatrixCoefficients
	yuvRange                YuvRange
}

func (h *av1SequenceHeader) parseProfile(r *obuBitReader) error {
	profile, err := r.readBits(3)
	if err != nil {
		return err
	}
	if profile > 2 {
		return bmffParseFailed("invalid seq_profile")
	}
	h.seqProfile = uint8(profile)
	stillPicture, err := r.readBool()
	if err != nil {
		return err
	}
	if h.reducedStillPictureHeader, err = r.readBool(); err != nil {
		return err
	}
	if h.reducedStillPictureHeader && !stillPicture {
		return bmffParseFailed("invalid reduced_still_picture_header")
	}
	if h.reducedStillPictureHeader {
		// seq_level_idx[0]
		return r.skipBits(5)
	}
	bufferDelayLength := 0
	decoderModelInfoPresent := false
	timingInfoPresent, err := r.readBool()
	if err != nil {
		return err
	}
	if timingInfoPresent {
		// num_units_in_display_tick, time_scale.
		if err := r.skipBits(64); err != nil {
			return err
		}
		equalPictureInterval, err := r.readBool()
		if err != nil {
			return err
		}
		if equalPictureInterval {
			if err := r.skipUvlc(); err != nil {
				return err
			}
		}
		if decoderModelInfoPresent, err = r.readBool(); err != nil {
			return err
		}
		if decoderModelInfoPresent {
			bufferDelayLengthMinus1, err := r.readBits(5)
			if err != nil {
				return err
			}
			bufferDelayLength = int(bufferDelayLengthMinus1) + 1
			if err := r.skipBits(32 + 5 + 5); err != nil {
				return err
			}
		}
	}
	initialDisplayDelayPresent, err := r.readBool()
	if err != nil {
		return err
	}
	operatingPointsCntMinus1, err := r.readBits(5)
	if err != nil {
		return err
	}
	for i := uint32(0); i <= operatingPointsCntMinus1; i++ {
		// operating_point_idc
		if err := r.skipBits(12); err != nil {
			return err
		}
		seqLevelIdx, err := r.readBits(5)
		if err != nil {
			return err
		}
		if seqLevelIdx > 7 {
			// seq_tier
			if err := r.skipBits(1); err != nil {
				return err
			}
		}
		if decoderModelInfoPresent {
			present, err := r.readBool()
			if err != nil {
				return err
			}
			if present {
				if err := r.skipBits(2*bufferDelayLength + 1); err != nil {
					return err
				}
			}
		}
		if initialDisplayDelayPresent {
			present, err := r.readBool()
			if err != nil {
				return err
			}
			if present {
				if err := r.skipBits(4); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (h *av1SequenceHeader) parseFrameMaxDimensions(r *obuBitReader) error {
	widthBitsMinus1, err := r.readBits(4)
	if err != nil {
		return err
	}
	heightBitsMinus1, err := r.readBits(4)
	if err != nil {
		return err
	}
	if _, err := r.readBits(int(widthBitsMinus1) + 1); err != nil {
		return err
	}
	if _, err := r.readBits(int(heightBitsMinus1) + 1); err != nil {
		return err
	}
	if !h.reducedStillPictureHeader {
		frameIDNumbersPresent, err := r.readBool()
		if err != nil {
			return err
		}
		if frameIDNumbersPresent {
			if err := r.skipBits(4 + 3); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *av1SequenceHeader) parseEnabledFeatures(r *obuBitReader) error {
	// use_128x128_superblock, enable_filter_intra, enable_intra_edge_filter.
	if err := r.skipBits(3); err != nil {
		return err
	}
	if h.reducedStillPictureHeader {
		return nil
	}
	// enable_interintra_compound, enable_masked_compound,
	// enable_warped_motion, enable_dual_filter.
	if err := r.skipBits(4); err != nil {
		return err
	}
	enableOrderHint, err := r.readBool()
	if err != nil {
		return err
	}
	if enableOrderHint {
		if err := r.skipBits(2); err != nil {
			return err
		}
	}
	chooseScreenContentTools, err := r.readBool()
	if err != nil {
		return err
	}
	forceScreenContentTools := uint32(2)
	if !chooseScreenContentTools {
		if forceScreenContentTools, err = r.readBits(1); err != nil {
			return err
		}
	}
	if forceScreenContentTools > 0 {
		chooseIntegerMv, err := r.readBool()
		if err != nil {
			return err
		}
		if !chooseIntegerMv {
			if err := r.skipBits(1); err != nil {
				return err
			}
		}
	}
	if enableOrderHint {
		if err := r.skipBits(3); err != nil {
			return err
		}
	}
	return nil
}

func (h *av1SequenceHeader) parseColorConfig(r *obuBitReader) error {
	highBitdepth, err := r.readBool()
	if err != nil {
		return err
	}
	if h.seqProfile == 2 && highBitdepth {
		twelveBit, err := r.readBool()
		if err != nil {
			return err
		}
		if twelveBit {
			h.bitDepth = 12
		} else {
			h.bitDepth = 10
		}
	} else if highBitdepth {
		h.bitDepth = 10
	} else {
		h.bitDepth = 8
	}
	if h.seqProfile != 1 {
		if h.monochrome, err = r.readBool(); err != nil {
			return err
		}
	}
	colorDescriptionPresent, err := r.readBool()
	if err != nil {
		return err
	}
	if colorDescriptionPresent {
		cp, err := r.readBits(8)
		if err != nil {
			return err
		}
		tc, err := r.readBits(8)
		if err != nil {
			return err
		}
		mc, err := r.readBits(8)
		if err != nil {
			return err
		}
		h.colorPrimaries = ColorPrimaries(cp)
		h.transferCharacteristics = TransferCharacteristics(tc)
		h.matrixCoefficients = MatrixCoefficients(mc)
	} else {
		h.colorPrimaries = ColorPrimariesUnspecified
		h.transferCharacteristics = TransferCharacteristicsUnspecified
		h.matrixCoefficients = MatrixCoefficientsUnspecified
	}
	if h.monochrome {
		fullRange, err := r.readBool()
		if err != nil {
			return err
		}
		if fullRange {
			h.yuvRange = YuvRangeFull
		} else {
			h.yuvRange = YuvRangeLimited
		}
		h.yuvFormat = PixelFormatYuv400
		return nil
	}
	if h.colorPrimaries == ColorPrimariesBT709 &&
		h.transferCharacteristics == TransferCharacteristicsSRGB &&
		h.matrixCoefficients == MatrixCoefficientsIdentity {
		h.yuvRange = YuvRangeFull
		h.yuvFormat = PixelFormatYuv444
		return r.skipBits(1) // separate_uv_delta_q
	}
	fullRange, err := r.readBool()
	if err != nil {
		return err
	}
	if fullRange {
		h.yuvRange = YuvRangeFull
	} else {
		h.yuvRange = YuvRangeLimited
	}
	subsamplingX := uint32(0)
	subsamplingY := uint32(0)
	switch h.seqProfile {
	case 0:
		subsamplingX, subsamplingY = 1, 1
		h.yuvFormat = PixelFormatYuv420
	case 1:
		h.yuvFormat = PixelFormatYuv444
	case 2:
		if h.bitDepth == 12 {
			if subsamplingX, err = r.readBits(1); err != nil {
				return err
			}
			if subsamplingX == 1 {
				if subsamplingY, err = r.readBits(1); err != nil {
					return err
				}
			}
		} else {
			subsamplingX = 1
		}
		switch {
		case subsamplingX == 1 && subsamplingY == 1:
			h.yuvFormat = PixelFormatYuv420
		case subsamplingX == 1:
			h.yuvFormat = PixelFormatYuv422
		default:
			h.yuvFormat = PixelFormatYuv444
		}
	}
	if subsamplingX == 1 && subsamplingY == 1 {
		// chroma_sample_position
		if err := r.skipBits(2); err != nil {
			return err
		}
	}
	return r.skipBits(1) // separate_uv_delta_q
}

const obuTypeSequenceHeader = 1

// parseSequenceHeaderFromOBUs scans an OBU stream for the sequence header
// and parses it.
func parseSequenceHeaderFromOBUs(data []byte) (*av1SequenceHeader, error) {
	r := &obuBitReader{data: data}
	for r.bitsLeft() >= 8 {
		// Section 5.3.2: obu_header.
		forbidden, err := r.readBit()
		if err != nil {
			return nil, err
		}
		if forbidden != 0 {
			return nil, bmffParseFailed("invalid obu_forbidden_bit")
		}
		obuType, err := r.readBits(4)
		if err != nil {
			return nil, err
		}
		extensionFlag, err := r.readBool()
		if err != nil {
			return nil, err
		}
		hasSizeField, err := r.readBool()
		if err != nil {
			return nil, err
		}
		if err := r.skipBits(1); err != nil { // obu_reserved_1bit
			return nil, err
		}
		if extensionFlag {
			if err := r.skipBits(8); err != nil {
				return nil, err
			}
		}
		var size uint32
		if hasSizeField {
			if size, err = r.readUleb128(); err != nil {
				return nil, err
			}
		} else {
			size = uint32(r.bitsLeft() / 8)
		}
		if obuType != obuTypeSequenceHeader {
			if err := r.skipBits(int(size) * 8); err != nil {
				return nil, err
			}
			continue
		}
		header := &av1SequenceHeader{}
		if err := header.parseProfile(r); err != nil {
			return nil, err
		}
		if err := header.parseFrameMaxDimensions(r); err != nil {
			return nil, err
		}
		if err := header.parseEnabledFeatures(r); err != nil {
			return nil, err
		}
		// enable_superres, enable_cdef, enable_restoration.
		if err := r.skipBits(3); err != nil {
			return nil, err
		}
		if err := header.parseColorConfig(r); err != nil {
			return nil, err
		}
		return header, nil
	}
	return nil, bmffParseFailed("could not parse sequence header")
}
