package avif

import "github.com/webmproject/goavif/avif/bmff"

// GainMapMetadata carries the tone-mapping rationals of a tmap derived
// image item. Single-channel metadata is replicated across all three
// channels at parse time.
type GainMapMetadata struct {
	Min             [3]bmff.Fraction
	Max             [3]bmff.Fraction
	Gamma           [3]bmff.UFraction
	BaseOffset      [3]bmff.Fraction
	AlternateOffset [3]bmff.Fraction

	BaseHdrHeadroom      bmff.UFraction
	AlternateHdrHeadroom bmff.UFraction
	UseBaseColorSpace    bool
}

func (m *GainMapMetadata) validate() error {
	for i := 0; i < 3; i++ {
		if m.Min[i].D == 0 || m.Max[i].D == 0 || m.Gamma[i].D == 0 ||
			m.BaseOffset[i].D == 0 || m.AlternateOffset[i].D == 0 {
			return invalidToneMappedImage("gain map metadata contains a zero denominator")
		}
		if m.Gamma[i].N == 0 {
			return invalidToneMappedImage("gain map gamma is zero")
		}
		// max >= min, compared as cross products.
		if int64(m.Max[i].N)*int64(m.Min[i].D) < int64(m.Min[i].N)*int64(m.Max[i].D) {
			return invalidToneMappedImage("gain map max is smaller than min")
		}
	}
	if m.BaseHdrHeadroom.D == 0 || m.AlternateHdrHeadroom.D == 0 {
		return invalidToneMappedImage("gain map headroom contains a zero denominator")
	}
	return nil
}

// GainMap is the auxiliary gain-map image plus the colorimetry of the
// alternate rendition.
type GainMap struct {
	Image    *Image
	Metadata GainMapMetadata

	AltICC                     []byte
	AltColorPrimaries          ColorPrimaries
	AltTransferCharacteristics TransferCharacteristics
	AltMatrixCoefficients      MatrixCoefficients
	AltYuvRange                YuvRange
	AltCLLI                    *ContentLightLevelInformation
	AltPlaneCount              uint8
	AltPlaneDepth              uint8
}

func newGainMap() *GainMap {
	return &GainMap{Image: &Image{}}
}

// parseTmap reads the tmap payload (experimental gain map metadata
// serialization).
func parseTmap(s *bmff.Stream) (GainMapMetadata, error) {
	var m GainMapMetadata
	// unsigned int(8) version = 0;
	version, err := s.ReadU8()
	if err != nil {
		return m, ErrBmffParseFailed
	}
	if version != 0 {
		return m, ErrNotImplemented
	}
	// unsigned int(16) minimum_version;
	minimumVersion, err := s.ReadU16()
	if err != nil {
		return m, ErrBmffParseFailed
	}
	const supportedVersion = 0
	if minimumVersion > supportedVersion {
		return m, ErrNotImplemented
	}
	// unsigned int(16) writer_version;
	writerVersion, err := s.ReadU16()
	if err != nil {
		return m, ErrBmffParseFailed
	}
	// unsigned int(1) is_multichannel;
	isMultichannel, err := s.ReadBool()
	if err != nil {
		return m, ErrBmffParseFailed
	}
	channelCount := 1
	if isMultichannel {
		channelCount = 3
	}
	// unsigned int(1) use_base_colour_space;
	if m.UseBaseColorSpace, err = s.ReadBool(); err != nil {
		return m, ErrBmffParseFailed
	}
	// unsigned int(6) reserved;
	if err := s.SkipBits(6); err != nil {
		return m, ErrBmffParseFailed
	}
	if m.BaseHdrHeadroom, err = s.ReadUFraction(); err != nil {
		return m, ErrBmffParseFailed
	}
	if m.AlternateHdrHeadroom, err = s.ReadUFraction(); err != nil {
		return m, ErrBmffParseFailed
	}
	for i := 0; i < channelCount; i++ {
		if m.Min[i], err = s.ReadFraction(); err != nil {
			return m, ErrBmffParseFailed
		}
		if m.Max[i], err = s.ReadFraction(); err != nil {
			return m, ErrBmffParseFailed
		}
		if m.Gamma[i], err = s.ReadUFraction(); err != nil {
			return m, ErrBmffParseFailed
		}
		if m.BaseOffset[i], err = s.ReadFraction(); err != nil {
			return m, ErrBmffParseFailed
		}
		if m.AlternateOffset[i], err = s.ReadFraction(); err != nil {
			return m, ErrBmffParseFailed
		}
	}
	// Replicate the first channel into the remaining ones.
	for i := channelCount; i < 3; i++ {
		m.Min[i] = m.Min[0]
		m.Max[i] = m.Max[0]
		m.Gamma[i] = m.Gamma[0]
		m.BaseOffset[i] = m.BaseOffset[0]
		m.AlternateOffset[i] = m.AlternateOffset[0]
	}
	if writerVersion <= supportedVersion && s.HasBytesLeft() {
		return m, invalidToneMappedImage("invalid trailing bytes in tmap box")
	}
	if err := m.validate(); err != nil {
		return m, err
	}
	return m, nil
}
