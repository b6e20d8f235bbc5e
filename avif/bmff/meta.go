package bmff

// Extent is a byte range within the file (or within idat for items with
// construction method 1).
type Extent struct {
	Offset uint64
	Size   uint64
}

type ItemLocationEntry struct {
	ItemID             uint32
	ConstructionMethod uint8
	BaseOffset         uint64
	Extents            []Extent
}

type ItemLocationBox struct {
	Items []ItemLocationEntry
}

type ItemInfo struct {
	ItemID              uint32
	ItemProtectionIndex uint16
	ItemType            string
	ItemName            string
	ContentType         string
}

type ItemPropertyAssociationEntry struct {
	PropertyIndex uint16 // 1-based into ipco
	Essential     bool
}

type ItemPropertyAssociation struct {
	ItemID       uint32
	Associations []ItemPropertyAssociationEntry
}

type ItemPropertyBox struct {
	Properties   []Property
	Associations []ItemPropertyAssociation
}

// ItemReference reads as "{FromItemID} is a {ReferenceType} for
// {ToItemID}", except for dimg where the relationship runs the other way.
type ItemReference struct {
	FromItemID    uint32
	ToItemID      uint32
	ReferenceType string
	Index         uint32 // 0-based position within the reference array
}

type EntityGroup struct {
	GroupingType string
	EntityIDs    []uint32
}

type MetaBox struct {
	Iinf          []ItemInfo
	Iloc          ItemLocationBox
	PrimaryItemID uint32
	Iprp          ItemPropertyBox
	Iref          []ItemReference
	Idat          []byte
	Grpl          []EntityGroup
}

func parseHdlr(s *Stream) (string, error) {
	// Section 8.4.3.2 of ISO/IEC 14496-12.
	if _, err := s.ReadAndEnforceVersion(0); err != nil {
		return "", err
	}
	// unsigned int(32) pre_defined = 0;
	predefined, err := s.ReadU32()
	if err != nil {
		return "", err
	}
	if predefined != 0 {
		return "", parseErr("Box[hdlr] contains a nonzero pre_defined value")
	}
	// unsigned int(32) handler_type;
	handlerType, err := s.ReadString(4)
	if err != nil {
		return "", err
	}
	// const unsigned int(32)[3] reserved = 0;
	for i := 0; i < 3; i++ {
		reserved, err := s.ReadU32()
		if err != nil {
			return "", err
		}
		if reserved != 0 {
			return "", parseErr("Box[hdlr] contains invalid reserved bits")
		}
	}
	// string name; human-readable, verified but not stored.
	if _, err := s.ReadCString(); err != nil {
		return "", err
	}
	return handlerType, nil
}

func parseIloc(s *Stream) (ItemLocationBox, error) {
	// Section 8.11.3.2 of ISO/IEC 14496-12.
	vf, err := s.ReadVersionAndFlags()
	if err != nil {
		return ItemLocationBox{}, err
	}
	if vf.Version > 2 {
		return ItemLocationBox{}, parseErr("Box[iloc] has an unsupported version: %d", vf.Version)
	}
	// unsigned int(4) offset_size; unsigned int(4) length_size;
	offsetSize, err := s.ReadBits(4)
	if err != nil {
		return ItemLocationBox{}, err
	}
	lengthSize, err := s.ReadBits(4)
	if err != nil {
		return ItemLocationBox{}, err
	}
	// unsigned int(4) base_offset_size; unsigned int(4) index_size/reserved;
	baseOffsetSize, err := s.ReadBits(4)
	if err != nil {
		return ItemLocationBox{}, err
	}
	indexSize := uint8(0)
	if vf.Version == 1 || vf.Version == 2 {
		if indexSize, err = s.ReadBits(4); err != nil {
			return ItemLocationBox{}, err
		}
	} else {
		if err := s.SkipBits(4); err != nil {
			return ItemLocationBox{}, err
		}
	}
	for _, size := range []uint8{offsetSize, lengthSize, baseOffsetSize, indexSize} {
		if size != 0 && size != 4 && size != 8 {
			return ItemLocationBox{}, parseErr("Box[iloc] has invalid size field: %d", size)
		}
	}
	var itemCount uint32
	if vf.Version < 2 {
		// unsigned int(16) item_count;
		c, err := s.ReadU16()
		if err != nil {
			return ItemLocationBox{}, err
		}
		itemCount = uint32(c)
	} else {
		// unsigned int(32) item_count;
		if itemCount, err = s.ReadU32(); err != nil {
			return ItemLocationBox{}, err
		}
	}
	iloc := ItemLocationBox{}
	for i := uint32(0); i < itemCount; i++ {
		var entry ItemLocationEntry
		if vf.Version < 2 {
			// unsigned int(16) item_ID;
			id, err := s.ReadU16()
			if err != nil {
				return ItemLocationBox{}, err
			}
			entry.ItemID = uint32(id)
		} else {
			// unsigned int(32) item_ID;
			if entry.ItemID, err = s.ReadU32(); err != nil {
				return ItemLocationBox{}, err
			}
		}
		if entry.ItemID == 0 {
			return ItemLocationBox{}, parseErr("Box[iloc] has invalid item id 0")
		}
		if vf.Version == 1 || vf.Version == 2 {
			// unsigned int(12) reserved = 0;
			reserved, err := s.ReadBits16(12)
			if err != nil {
				return ItemLocationBox{}, err
			}
			if reserved != 0 {
				return ItemLocationBox{}, parseErr("Box[iloc] has invalid reserved bits")
			}
			// unsigned int(4) construction_method;
			cm, err := s.ReadBits(4)
			if err != nil {
				return ItemLocationBox{}, err
			}
			entry.ConstructionMethod = cm
			// 0: file offset, 1: idat offset. 2 (item offset) unsupported.
			if cm != 0 && cm != 1 {
				return ItemLocationBox{}, parseErr("Box[iloc] has unknown construction_method: %d", cm)
			}
		}
		// unsigned int(16) data_reference_index;
		if err := s.Skip(2); err != nil {
			return ItemLocationBox{}, err
		}
		// unsigned int(base_offset_size*8) base_offset;
		if entry.BaseOffset, err = s.ReadUxx(baseOffsetSize); err != nil {
			return ItemLocationBox{}, err
		}
		// unsigned int(16) extent_count;
		extentCount, err := s.ReadU16()
		if err != nil {
			return ItemLocationBox{}, err
		}
		for j := uint16(0); j < extentCount; j++ {
			// unsigned int(index_size*8) item_reference_index; only used by
			// construction method 2.
			if err := s.Skip(int(indexSize)); err != nil {
				return ItemLocationBox{}, err
			}
			var extent Extent
			// unsigned int(offset_size*8) extent_offset;
			if extent.Offset, err = s.ReadUxx(offsetSize); err != nil {
				return ItemLocationBox{}, err
			}
			// unsigned int(length_size*8) extent_length;
			if extent.Size, err = s.ReadUxx(lengthSize); err != nil {
				return ItemLocationBox{}, err
			}
			entry.Extents = append(entry.Extents, extent)
		}
		iloc.Items = append(iloc.Items, entry)
	}
	return iloc, nil
}

func parsePitm(s *Stream) (uint32, error) {
	// Section 8.11.4.2 of ISO/IEC 14496-12.
	vf, err := s.ReadVersionAndFlags()
	if err != nil {
		return 0, err
	}
	if vf.Version == 0 {
		// unsigned int(16) item_ID;
		id, err := s.ReadU16()
		return uint32(id), err
	}
	// unsigned int(32) item_ID;
	return s.ReadU32()
}

func parseInfe(s *Stream) (ItemInfo, error) {
	// Section 8.11.6.2 of ISO/IEC 14496-12.
	vf, err := s.ReadVersionAndFlags()
	if err != nil {
		return ItemInfo{}, err
	}
	if vf.Version != 2 && vf.Version != 3 {
		return ItemInfo{}, parseErr("infe box version 2 or 3 expected")
	}
	var entry ItemInfo
	if vf.Version == 2 {
		// unsigned int(16) item_ID;
		id, err := s.ReadU16()
		if err != nil {
			return ItemInfo{}, err
		}
		entry.ItemID = uint32(id)
	} else {
		// unsigned int(32) item_ID;
		if entry.ItemID, err = s.ReadU32(); err != nil {
			return ItemInfo{}, err
		}
	}
	if entry.ItemID == 0 {
		return ItemInfo{}, parseErr("invalid item id (0) in infe")
	}
	// unsigned int(16) item_protection_index;
	if entry.ItemProtectionIndex, err = s.ReadU16(); err != nil {
		return ItemInfo{}, err
	}
	// unsigned int(32) item_type;
	if entry.ItemType, err = s.ReadString(4); err != nil {
		return ItemInfo{}, err
	}
	// utf8string item_name;
	if entry.ItemName, err = s.ReadCString(); err != nil {
		return ItemInfo{}, err
	}
	if entry.ItemType == "mime" {
		// utf8string content_type;
		if entry.ContentType, err = s.ReadCString(); err != nil {
			return ItemInfo{}, err
		}
		// utf8string content_encoding; optional, ignored.
	}
	return entry, nil
}

func parseIinf(s *Stream) ([]ItemInfo, error) {
	// Section 8.11.6.2 of ISO/IEC 14496-12.
	vf, err := s.ReadVersionAndFlags()
	if err != nil {
		return nil, err
	}
	var entryCount uint32
	if vf.Version == 0 {
		// unsigned int(16) entry_count;
		c, err := s.ReadU16()
		if err != nil {
			return nil, err
		}
		entryCount = uint32(c)
	} else {
		// unsigned int(32) entry_count;
		if entryCount, err = s.ReadU32(); err != nil {
			return nil, err
		}
	}
	var iinf []ItemInfo
	for i := uint32(0); i < entryCount; i++ {
		header, err := ParseHeader(s, false)
		if err != nil {
			return nil, err
		}
		if header.Type != "infe" {
			return nil, parseErr("found non infe box in iinf")
		}
		sub, err := s.SubStream(header.Size)
		if err != nil {
			return nil, err
		}
		entry, err := parseInfe(sub)
		if err != nil {
			return nil, err
		}
		iinf = append(iinf, entry)
	}
	return iinf, nil
}

func parseIref(s *Stream) ([]ItemReference, error) {
	// Section 8.11.12.2 of ISO/IEC 14496-12.
	vf, err := s.ReadVersionAndFlags()
	if err != nil {
		return nil, err
	}
	var iref []ItemReference
	// Versions > 1 are not supported; ignore the box.
	if vf.Version > 1 {
		return iref, nil
	}
	for s.HasBytesLeft() {
		header, err := ParseHeader(s, false)
		if err != nil {
			return nil, err
		}
		var fromItemID uint32
		if vf.Version == 0 {
			// unsigned int(16) from_item_ID;
			id, err := s.ReadU16()
			if err != nil {
				return nil, err
			}
			fromItemID = uint32(id)
		} else {
			// unsigned int(32) from_item_ID;
			if fromItemID, err = s.ReadU32(); err != nil {
				return nil, err
			}
		}
		if fromItemID == 0 {
			return nil, parseErr("invalid from_item_id (0) in iref")
		}
		// unsigned int(16) reference_count;
		referenceCount, err := s.ReadU16()
		if err != nil {
			return nil, err
		}
		for index := uint16(0); index < referenceCount; index++ {
			var toItemID uint32
			if vf.Version == 0 {
				// unsigned int(16) to_item_ID;
				id, err := s.ReadU16()
				if err != nil {
					return nil, err
				}
				toItemID = uint32(id)
			} else {
				// unsigned int(32) to_item_ID;
				if toItemID, err = s.ReadU32(); err != nil {
					return nil, err
				}
			}
			if toItemID == 0 {
				return nil, parseErr("invalid to_item_id (0) in iref")
			}
			iref = append(iref, ItemReference{
				FromItemID:    fromItemID,
				ToItemID:      toItemID,
				ReferenceType: header.Type,
				Index:         uint32(index),
			})
		}
	}
	return iref, nil
}

func parseIpma(s *Stream) ([]ItemPropertyAssociation, error) {
	// Section 8.11.14.2 of ISO/IEC 14496-12.
	vf, err := s.ReadVersionAndFlags()
	if err != nil {
		return nil, err
	}
	// unsigned int(32) entry_count;
	entryCount, err := s.ReadU32()
	if err != nil {
		return nil, err
	}
	var ipma []ItemPropertyAssociation
	for i := uint32(0); i < entryCount; i++ {
		var entry ItemPropertyAssociation
		if vf.Version < 1 {
			// unsigned int(16) item_ID;
			id, err := s.ReadU16()
			if err != nil {
				return nil, err
			}
			entry.ItemID = uint32(id)
		} else {
			// unsigned int(32) item_ID;
			if entry.ItemID, err = s.ReadU32(); err != nil {
				return nil, err
			}
		}
		if entry.ItemID == 0 {
			return nil, parseErr("invalid item id (0) in ipma")
		}
		if len(ipma) > 0 && entry.ItemID <= ipma[len(ipma)-1].ItemID {
			// ISO/IEC 23008-12 Section 9.3.1: entries shall be ordered by
			// increasing item_ID with at most one per item.
			return nil, parseErr("ipma item ids are not ordered by increasing id")
		}
		// unsigned int(8) association_count;
		associationCount, err := s.ReadU8()
		if err != nil {
			return nil, err
		}
		for j := uint8(0); j < associationCount; j++ {
			// bit(1) essential;
			essential, err := s.ReadBool()
			if err != nil {
				return nil, err
			}
			var index uint16
			if vf.Flags&1 != 0 {
				// unsigned int(15) property_index;
				if index, err = s.ReadBits16(15); err != nil {
					return nil, err
				}
			} else {
				// unsigned int(7) property_index;
				small, err := s.ReadBits(7)
				if err != nil {
					return nil, err
				}
				index = uint16(small)
			}
			entry.Associations = append(entry.Associations, ItemPropertyAssociationEntry{
				PropertyIndex: index,
				Essential:     essential,
			})
		}
		ipma = append(ipma, entry)
	}
	return ipma, nil
}

func parseIprp(s *Stream) (ItemPropertyBox, error) {
	// Section 8.11.14.2 of ISO/IEC 14496-12.
	header, err := ParseHeader(s, false)
	if err != nil {
		return ItemPropertyBox{}, err
	}
	if header.Type != "ipco" {
		return ItemPropertyBox{}, parseErr("first box in iprp is not ipco")
	}
	var iprp ItemPropertyBox
	sub, err := s.SubStream(header.Size)
	if err != nil {
		return ItemPropertyBox{}, err
	}
	if iprp.Properties, err = parseIpco(sub, false); err != nil {
		return ItemPropertyBox{}, err
	}
	for s.HasBytesLeft() {
		header, err := ParseHeader(s, false)
		if err != nil {
			return ItemPropertyBox{}, err
		}
		if header.Type != "ipma" {
			return ItemPropertyBox{}, parseErr("found non ipma box in iprp")
		}
		sub, err := s.SubStream(header.Size)
		if err != nil {
			return ItemPropertyBox{}, err
		}
		associations, err := parseIpma(sub)
		if err != nil {
			return ItemPropertyBox{}, err
		}
		iprp.Associations = append(iprp.Associations, associations...)
	}
	return iprp, nil
}

func parseIdat(s *Stream) ([]byte, error) {
	// Section 8.11.11.2 of ISO/IEC 14496-12.
	if !s.HasBytesLeft() {
		return nil, parseErr("invalid idat size (0)")
	}
	return s.GetVec(s.BytesLeft())
}

func parseGrpl(s *Stream) ([]EntityGroup, error) {
	// Section 8.15.3.2 of ISO/IEC 14496-12.
	var grpl []EntityGroup
	for s.HasBytesLeft() {
		header, err := ParseHeader(s, false)
		if err != nil {
			return nil, err
		}
		sub, err := s.SubStream(header.Size)
		if err != nil {
			return nil, err
		}
		if _, err := sub.ReadVersionAndFlags(); err != nil {
			return nil, err
		}
		// unsigned int(32) group_id;
		if _, err := sub.ReadU32(); err != nil {
			return nil, err
		}
		// unsigned int(32) num_entities_in_group;
		numEntities, err := sub.ReadU32()
		if err != nil {
			return nil, err
		}
		group := EntityGroup{GroupingType: header.Type}
		for i := uint32(0); i < numEntities; i++ {
			id, err := sub.ReadU32()
			if err != nil {
				return nil, err
			}
			group.EntityIDs = append(group.EntityIDs, id)
		}
		grpl = append(grpl, group)
	}
	return grpl, nil
}

// ParseMeta parses a meta box body. The first child must be a hdlr box
// with handler type 'pict'.
func ParseMeta(s *Stream) (*MetaBox, error) {
	// Section 8.11.1.2 of ISO/IEC 14496-12.
	if _, err := s.ReadAndEnforceVersion(0); err != nil {
		return nil, err
	}
	meta := &MetaBox{}

	header, err := ParseHeader(s, false)
	if err != nil {
		return nil, err
	}
	if header.Type != "hdlr" {
		return nil, parseErr("first box in meta is not hdlr")
	}
	sub, err := s.SubStream(header.Size)
	if err != nil {
		return nil, err
	}
	handlerType, err := parseHdlr(sub)
	if err != nil {
		return nil, err
	}
	if handlerType != "pict" {
		// Section 6.2 of ISO/IEC 23008-12: the handler type for the
		// MetaBox shall be 'pict'.
		return nil, parseErr("Box[hdlr] handler_type is not 'pict'")
	}

	boxesSeen := map[string]bool{"hdlr": true}
	for s.HasBytesLeft() {
		header, err := ParseHeader(s, false)
		if err != nil {
			return nil, err
		}
		switch header.Type {
		case "hdlr", "iloc", "pitm", "iprp", "iinf", "iref", "idat", "grpl":
			if boxesSeen[header.Type] {
				return nil, parseErr("duplicate %s box in meta", header.Type)
			}
			boxesSeen[header.Type] = true
		}
		sub, err := s.SubStream(header.Size)
		if err != nil {
			return nil, err
		}
		switch header.Type {
		case "iloc":
			meta.Iloc, err = parseIloc(sub)
		case "pitm":
			meta.PrimaryItemID, err = parsePitm(sub)
		case "iprp":
			meta.Iprp, err = parseIprp(sub)
		case "iinf":
			meta.Iinf, err = parseIinf(sub)
		case "iref":
			meta.Iref, err = parseIref(sub)
		case "idat":
			meta.Idat, err = parseIdat(sub)
		case "grpl":
			meta.Grpl, err = parseGrpl(sub)
		}
		if err != nil {
			return nil, err
		}
	}
	return meta, nil
}
