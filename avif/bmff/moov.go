package bmff

// Track is a parsed trak box. Only tracks with a sample table and AV1
// sample descriptions participate in image sequence decoding.
type Track struct {
	ID              uint32
	AuxForID        uint32 // auxl tref; 0 when this is a color track
	PremByID        uint32 // prem tref
	MediaTimescale  uint32
	MediaDuration   uint64
	TrackDuration   uint64
	SegmentDuration uint64
	IsRepeating     bool
	ElstSeen        bool
	Width           uint32
	Height          uint32
	HandlerType     string
	SampleTable     *SampleTable
	Meta            *MetaBox
}

// IsVideoHandler reports whether this track carries picture samples.
func (t *Track) IsVideoHandler() bool {
	return t.HandlerType == "pict" || t.HandlerType == "vide"
}

type TimeToSampleEntry struct {
	SampleCount uint32
	SampleDelta uint32
}

type CompositionOffsetEntry struct {
	SampleCount  uint32
	SampleOffset int64 // signed when ctts version is 1
}

type SampleToChunkEntry struct {
	FirstChunk             uint32
	SamplesPerChunk        uint32
	SampleDescriptionIndex uint32
}

type SampleDescription struct {
	Format     string
	Properties []Property
}

type SampleTable struct {
	ChunkOffsets       []uint64
	SampleToChunk      []SampleToChunkEntry
	FixedSampleSize    uint32 // nonzero when all samples share one size
	SampleSizes        []uint32
	SyncSamples        []uint32 // 1-based sample numbers
	TimeToSample       []TimeToSampleEntry
	CompositionOffsets []CompositionOffsetEntry
	Descriptions       []SampleDescription
}

// HasAv1Sample reports whether any sample description is av01.
func (s *SampleTable) HasAv1Sample() bool {
	for _, d := range s.Descriptions {
		if d.Format == "av01" {
			return true
		}
	}
	return false
}

// Av1Properties returns the properties of the first av01 sample
// description, or nil.
func (s *SampleTable) Av1Properties() []Property {
	for _, d := range s.Descriptions {
		if d.Format == "av01" {
			return d.Properties
		}
	}
	return nil
}

// SampleCountFromChunk returns the number of samples in chunkIndex
// (0-based) per the sample-to-chunk table.
func (s *SampleTable) SampleCountFromChunk(chunkIndex uint32) uint32 {
	for i := len(s.SampleToChunk) - 1; i >= 0; i-- {
		if s.SampleToChunk[i].FirstChunk <= chunkIndex+1 {
			return s.SampleToChunk[i].SamplesPerChunk
		}
	}
	return 0
}

// SampleSize returns the size of the index-th sample (0-based).
func (s *SampleTable) SampleSize(index int) (uint32, error) {
	if s.FixedSampleSize > 0 {
		return s.FixedSampleSize, nil
	}
	if index >= len(s.SampleSizes) {
		return 0, parseErr("not enough sample sizes in stsz")
	}
	return s.SampleSizes[index], nil
}

func parseTkhd(s *Stream, track *Track) error {
	// Section 8.3.2.2 of ISO/IEC 14496-12.
	vf, err := s.ReadVersionAndFlags()
	if err != nil {
		return err
	}
	switch vf.Version {
	case 1:
		// creation_time, modification_time.
		if err := s.Skip(16); err != nil {
			return err
		}
		if track.ID, err = s.ReadU32(); err != nil {
			return err
		}
		reserved, err := s.ReadU32()
		if err != nil {
			return err
		}
		if reserved != 0 {
			return parseErr("invalid reserved bits in tkhd")
		}
		if track.TrackDuration, err = s.ReadU64(); err != nil {
			return err
		}
	case 0:
		if err := s.Skip(8); err != nil {
			return err
		}
		if track.ID, err = s.ReadU32(); err != nil {
			return err
		}
		reserved, err := s.ReadU32()
		if err != nil {
			return err
		}
		if reserved != 0 {
			return parseErr("invalid reserved bits in tkhd")
		}
		d, err := s.ReadU32()
		if err != nil {
			return err
		}
		track.TrackDuration = uint64(d)
	default:
		return parseErr("unsupported version (%d) in tkhd", vf.Version)
	}
	// const unsigned int(32)[2] reserved = 0;
	for i := 0; i < 2; i++ {
		reserved, err := s.ReadU32()
		if err != nil {
			return err
		}
		if reserved != 0 {
			return parseErr("invalid reserved bits in tkhd")
		}
	}
	// layer, alternate_group, volume: should be 0, ignored.
	if err := s.Skip(6); err != nil {
		return err
	}
	// const unsigned int(16) reserved = 0;
	reserved16, err := s.ReadU16()
	if err != nil {
		return err
	}
	if reserved16 != 0 {
		return parseErr("invalid reserved bits in tkhd")
	}
	// template int(32)[9] matrix;
	if err := s.Skip(4 * 9); err != nil {
		return err
	}
	// unsigned int(32) width/height as 16.16 fixed point.
	if track.Width, err = s.ReadFixed1616(); err != nil {
		return err
	}
	if track.Height, err = s.ReadFixed1616(); err != nil {
		return err
	}
	return nil
}

func parseMdhd(s *Stream, track *Track) error {
	// Section 8.4.2.2 of ISO/IEC 14496-12.
	vf, err := s.ReadVersionAndFlags()
	if err != nil {
		return err
	}
	switch vf.Version {
	case 1:
		if err := s.Skip(16); err != nil {
			return err
		}
		if track.MediaTimescale, err = s.ReadU32(); err != nil {
			return err
		}
		if track.MediaDuration, err = s.ReadU64(); err != nil {
			return err
		}
	case 0:
		if err := s.Skip(8); err != nil {
			return err
		}
		if track.MediaTimescale, err = s.ReadU32(); err != nil {
			return err
		}
		d, err := s.ReadU32()
		if err != nil {
			return err
		}
		track.MediaDuration = uint64(d)
	default:
		return parseErr("unsupported version (%d) in mdhd", vf.Version)
	}
	// bit(1) pad; unsigned int(5)[3] language; unsigned int(16) pre_defined.
	if err := s.Skip(4); err != nil {
		return err
	}
	return nil
}

func parseStco(s *Stream, table *SampleTable, largeOffset bool) error {
	// Section 8.7.5.2 of ISO/IEC 14496-12.
	if _, err := s.ReadAndEnforceVersion(0); err != nil {
		return err
	}
	entryCount, err := s.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < entryCount; i++ {
		var offset uint64
		if largeOffset {
			// unsigned int(64) chunk_offset;
			if offset, err = s.ReadU64(); err != nil {
				return err
			}
		} else {
			// unsigned int(32) chunk_offset;
			o, err := s.ReadU32()
			if err != nil {
				return err
			}
			offset = uint64(o)
		}
		table.ChunkOffsets = append(table.ChunkOffsets, offset)
	}
	return nil
}

func parseStsc(s *Stream, table *SampleTable) error {
	// Section 8.7.4.2 of ISO/IEC 14496-12.
	if _, err := s.ReadAndEnforceVersion(0); err != nil {
		return err
	}
	entryCount, err := s.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < entryCount; i++ {
		var entry SampleToChunkEntry
		if entry.FirstChunk, err = s.ReadU32(); err != nil {
			return err
		}
		if entry.SamplesPerChunk, err = s.ReadU32(); err != nil {
			return err
		}
		if entry.SampleDescriptionIndex, err = s.ReadU32(); err != nil {
			return err
		}
		if i == 0 {
			if entry.FirstChunk != 1 {
				return parseErr("stsc does not begin with chunk 1")
			}
		} else if entry.FirstChunk <= table.SampleToChunk[len(table.SampleToChunk)-1].FirstChunk {
			return parseErr("stsc chunks are not strictly increasing")
		}
		if entry.SampleDescriptionIndex == 0 {
			return parseErr("sample_description_index is 0 in stsc entry")
		}
		table.SampleToChunk = append(table.SampleToChunk, entry)
	}
	return nil
}

func parseStsz(s *Stream, table *SampleTable) error {
	// Section 8.7.3.2.1 of ISO/IEC 14496-12.
	if _, err := s.ReadAndEnforceVersion(0); err != nil {
		return err
	}
	sampleSize, err := s.ReadU32()
	if err != nil {
		return err
	}
	sampleCount, err := s.ReadU32()
	if err != nil {
		return err
	}
	if sampleSize > 0 {
		table.FixedSampleSize = sampleSize
		return nil
	}
	for i := uint32(0); i < sampleCount; i++ {
		// unsigned int(32) entry_size;
		size, err := s.ReadU32()
		if err != nil {
			return err
		}
		table.SampleSizes = append(table.SampleSizes, size)
	}
	return nil
}

func parseStss(s *Stream, table *SampleTable) error {
	// Section 8.6.2.2 of ISO/IEC 14496-12.
	if _, err := s.ReadAndEnforceVersion(0); err != nil {
		return err
	}
	entryCount, err := s.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < entryCount; i++ {
		// unsigned int(32) sample_number;
		n, err := s.ReadU32()
		if err != nil {
			return err
		}
		table.SyncSamples = append(table.SyncSamples, n)
	}
	return nil
}

func parseStts(s *Stream, table *SampleTable) error {
	// Section 8.6.1.2.2 of ISO/IEC 14496-12.
	if _, err := s.ReadAndEnforceVersion(0); err != nil {
		return err
	}
	entryCount, err := s.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < entryCount; i++ {
		var entry TimeToSampleEntry
		if entry.SampleCount, err = s.ReadU32(); err != nil {
			return err
		}
		if entry.SampleDelta, err = s.ReadU32(); err != nil {
			return err
		}
		table.TimeToSample = append(table.TimeToSample, entry)
	}
	return nil
}

func parseCtts(s *Stream, table *SampleTable) error {
	// Section 8.6.1.3.2 of ISO/IEC 14496-12.
	vf, err := s.ReadVersionAndFlags()
	if err != nil {
		return err
	}
	if vf.Version > 1 {
		return parseErr("unsupported version (%d) in ctts", vf.Version)
	}
	entryCount, err := s.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < entryCount; i++ {
		var entry CompositionOffsetEntry
		if entry.SampleCount, err = s.ReadU32(); err != nil {
			return err
		}
		if vf.Version == 0 {
			// unsigned int(32) sample_offset;
			o, err := s.ReadU32()
			if err != nil {
				return err
			}
			entry.SampleOffset = int64(o)
		} else {
			// signed int(32) sample_offset;
			o, err := s.ReadI32()
			if err != nil {
				return err
			}
			entry.SampleOffset = int64(o)
		}
		table.CompositionOffsets = append(table.CompositionOffsets, entry)
	}
	return nil
}

func parseSampleEntry(s *Stream, format string) (SampleDescription, error) {
	// Section 8.5.2.2 of ISO/IEC 14496-12.
	entry := SampleDescription{Format: format}
	// const unsigned int(8) reserved[6] = 0;
	for i := 0; i < 6; i++ {
		reserved, err := s.ReadU8()
		if err != nil {
			return entry, err
		}
		if reserved != 0 {
			return entry, parseErr("invalid reserved bits in SampleEntry of stsd")
		}
	}
	// unsigned int(16) data_reference_index;
	if err := s.Skip(2); err != nil {
		return entry, err
	}
	if format != "av01" {
		return entry, nil
	}
	// VisualSampleEntry, Section 12.1.3.2 of ISO/IEC 14496-12.
	// pre_defined(16), reserved(16), pre_defined(32)[3], width(16),
	// height(16), horizresolution(32), vertresolution(32).
	if err := s.Skip(2); err != nil {
		return entry, err
	}
	reserved16, err := s.ReadU16()
	if err != nil {
		return entry, err
	}
	if reserved16 != 0 {
		return entry, parseErr("invalid reserved bits in VisualSampleEntry of stsd")
	}
	if err := s.Skip(12 + 2 + 2 + 4 + 4); err != nil {
		return entry, err
	}
	reserved32, err := s.ReadU32()
	if err != nil {
		return entry, err
	}
	if reserved32 != 0 {
		return entry, parseErr("invalid reserved bits in VisualSampleEntry of stsd")
	}
	// frame_count(16), compressorname(32 bytes).
	if err := s.Skip(2 + 32); err != nil {
		return entry, err
	}
	// template unsigned int(16) depth = 0x0018;
	depth, err := s.ReadU16()
	if err != nil {
		return entry, err
	}
	if depth != 0x0018 {
		return entry, parseErr("invalid depth in VisualSampleEntry of stsd")
	}
	// unsigned int(16) pre_defined;
	if err := s.Skip(2); err != nil {
		return entry, err
	}
	// Remaining boxes: av1C plus any of clap/pasp/colr/etc.
	rest, err := s.RestSubStream()
	if err != nil {
		return entry, err
	}
	if entry.Properties, err = parseIpco(rest, true); err != nil {
		return entry, err
	}
	hasConfig := false
	for _, p := range entry.Properties {
		if _, ok := p.(*Av1CodecConfiguration); ok {
			hasConfig = true
			break
		}
	}
	if !hasConfig {
		return entry, parseErr("AV1SampleEntry must contain an AV1CodecConfigurationRecord")
	}
	return entry, nil
}

func parseStsd(s *Stream, table *SampleTable) error {
	// Section 8.5.2.2 of ISO/IEC 14496-12.
	vf, err := s.ReadVersionAndFlags()
	if err != nil {
		return err
	}
	if vf.Version != 0 && vf.Version != 1 {
		return parseErr("stsd box version 0 or 1 expected")
	}
	entryCount, err := s.ReadU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < entryCount; i++ {
		header, err := ParseHeader(s, false)
		if err != nil {
			return err
		}
		sub, err := s.SubStream(header.Size)
		if err != nil {
			return err
		}
		entry, err := parseSampleEntry(sub, header.Type)
		if err != nil {
			return err
		}
		table.Descriptions = append(table.Descriptions, entry)
	}
	return nil
}

func parseStbl(s *Stream, track *Track) error {
	// Section 8.5.1.2 of ISO/IEC 14496-12.
	if track.SampleTable != nil {
		return parseErr("duplicate stbl for track")
	}
	table := &SampleTable{}
	boxesSeen := map[string]bool{}
	for s.HasBytesLeft() {
		header, err := ParseHeader(s, false)
		if err != nil {
			return err
		}
		if boxesSeen[header.Type] {
			return parseErr("duplicate box in stbl: %s", header.Type)
		}
		sub, err := s.SubStream(header.Size)
		if err != nil {
			return err
		}
		recognized := true
		switch header.Type {
		case "stco":
			if boxesSeen["co64"] {
				return parseErr("exactly one of co64 or stco is allowed in stbl")
			}
			err = parseStco(sub, table, false)
		case "co64":
			if boxesSeen["stco"] {
				return parseErr("exactly one of co64 or stco is allowed in stbl")
			}
			err = parseStco(sub, table, true)
		case "stsc":
			err = parseStsc(sub, table)
		case "stsz":
			err = parseStsz(sub, table)
		case "stss":
			err = parseStss(sub, table)
		case "stts":
			err = parseStts(sub, table)
		case "ctts":
			err = parseCtts(sub, table)
		case "stsd":
			err = parseStsd(sub, table)
		default:
			recognized = false
		}
		if err != nil {
			return err
		}
		if recognized {
			boxesSeen[header.Type] = true
		}
	}
	track.SampleTable = table
	return nil
}

func parseMinf(s *Stream, track *Track, depth int) error {
	// Section 8.4.4.2 of ISO/IEC 14496-12.
	if err := checkDepth(depth); err != nil {
		return err
	}
	for s.HasBytesLeft() {
		header, err := ParseHeader(s, false)
		if err != nil {
			return err
		}
		sub, err := s.SubStream(header.Size)
		if err != nil {
			return err
		}
		if header.Type == "stbl" {
			if err := parseStbl(sub, track); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseMdia(s *Stream, track *Track, depth int) error {
	// Section 8.4.1.2 of ISO/IEC 14496-12.
	if err := checkDepth(depth); err != nil {
		return err
	}
	for s.HasBytesLeft() {
		header, err := ParseHeader(s, false)
		if err != nil {
			return err
		}
		sub, err := s.SubStream(header.Size)
		if err != nil {
			return err
		}
		switch header.Type {
		case "mdhd":
			err = parseMdhd(sub, track)
		case "minf":
			err = parseMinf(sub, track, depth+1)
		case "hdlr":
			track.HandlerType, err = parseHdlr(sub)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func parseTref(s *Stream, track *Track) error {
	// Section 8.3.3.2 of ISO/IEC 14496-12.
	for s.HasBytesLeft() {
		header, err := ParseHeader(s, false)
		if err != nil {
			return err
		}
		sub, err := s.SubStream(header.Size)
		if err != nil {
			return err
		}
		switch header.Type {
		case "auxl":
			// unsigned int(32) track_IDs[]; only the first is used.
			if track.AuxForID, err = sub.ReadU32(); err != nil {
				return err
			}
		case "prem":
			if track.PremByID, err = sub.ReadU32(); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseElst(s *Stream, track *Track) error {
	if track.ElstSeen {
		return parseErr("more than one elst box was found for track")
	}
	track.ElstSeen = true

	// Section 8.6.6.2 of ISO/IEC 14496-12.
	vf, err := s.ReadVersionAndFlags()
	if err != nil {
		return err
	}
	// The only edit list feature supported is the repetition of the whole
	// timeline for animated images, signalled by flag bit 0.
	if vf.Flags&1 == 0 {
		track.IsRepeating = false
		return nil
	}
	track.IsRepeating = true

	// unsigned int(32) entry_count;
	entryCount, err := s.ReadU32()
	if err != nil {
		return err
	}
	if entryCount != 1 {
		return parseErr("elst has entry_count (%d) != 1", entryCount)
	}
	switch vf.Version {
	case 1:
		// unsigned int(64) segment_duration; int(64) media_time;
		if track.SegmentDuration, err = s.ReadU64(); err != nil {
			return err
		}
		if err := s.Skip(8); err != nil {
			return err
		}
	case 0:
		// unsigned int(32) segment_duration; int(32) media_time;
		d, err := s.ReadU32()
		if err != nil {
			return err
		}
		track.SegmentDuration = uint64(d)
		if err := s.Skip(4); err != nil {
			return err
		}
	default:
		return parseErr("unsupported version in elst")
	}
	// media_rate_integer and media_rate_fraction.
	if err := s.Skip(4); err != nil {
		return err
	}
	if track.SegmentDuration == 0 {
		return parseErr("invalid value for segment_duration (0)")
	}
	return nil
}

func parseEdts(s *Stream, track *Track) error {
	if track.ElstSeen {
		return parseErr("multiple edts boxes found for track")
	}
	// Section 8.6.5.2 of ISO/IEC 14496-12.
	for s.HasBytesLeft() {
		header, err := ParseHeader(s, false)
		if err != nil {
			return err
		}
		sub, err := s.SubStream(header.Size)
		if err != nil {
			return err
		}
		if header.Type == "elst" {
			if err := parseElst(sub, track); err != nil {
				return err
			}
		}
	}
	if !track.ElstSeen {
		return parseErr("elst box was not found in edts")
	}
	return nil
}

func parseTrak(s *Stream, depth int) (*Track, error) {
	if err := checkDepth(depth); err != nil {
		return nil, err
	}
	track := &Track{}
	tkhdSeen := false
	// Section 8.3.1.2 of ISO/IEC 14496-12.
	for s.HasBytesLeft() {
		header, err := ParseHeader(s, false)
		if err != nil {
			return nil, err
		}
		sub, err := s.SubStream(header.Size)
		if err != nil {
			return nil, err
		}
		switch header.Type {
		case "tkhd":
			if tkhdSeen {
				return nil, parseErr("trak box contains multiple tkhd boxes")
			}
			err = parseTkhd(sub, track)
			tkhdSeen = true
		case "mdia":
			err = parseMdia(sub, track, depth+1)
		case "tref":
			err = parseTref(sub, track)
		case "edts":
			err = parseEdts(sub, track)
		case "meta":
			track.Meta, err = ParseMeta(sub)
		}
		if err != nil {
			return nil, err
		}
	}
	if !tkhdSeen {
		return nil, parseErr("trak box did not contain a tkhd box")
	}
	return track, nil
}

// ParseMoov parses a moov box body into its tracks.
func ParseMoov(s *Stream) ([]*Track, error) {
	var tracks []*Track
	// Section 8.2.1.2 of ISO/IEC 14496-12.
	for s.HasBytesLeft() {
		header, err := ParseHeader(s, false)
		if err != nil {
			return nil, err
		}
		sub, err := s.SubStream(header.Size)
		if err != nil {
			return nil, err
		}
		if header.Type != "trak" {
			continue
		}
		track, err := parseTrak(sub, 1)
		if err != nil {
			return nil, err
		}
		if track.IsVideoHandler() && (track.Width == 0 || track.Height == 0) {
			return nil, parseErr("invalid track dimensions")
		}
		tracks = append(tracks, track)
	}
	if len(tracks) == 0 {
		return nil, parseErr("moov box does not contain any tracks")
	}
	return tracks, nil
}
