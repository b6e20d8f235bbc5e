package avif

// Finish serializes everything added so far into an AVIF container and
// returns its bytes. The encoder stays usable for inspection but not for
// further AddImage calls.
func (e *Encoder) Finish() ([]byte, error) {
	if e.frameCount == 0 || len(e.items) == 0 {
		return nil, ErrNoContent
	}
	sequence := e.frameCount > 1
	w := &boxWriter{}

	// ftyp
	w.beginBox("ftyp")
	if sequence {
		w.writeString("avis")
		w.writeU32(0)
		w.writeString("avis")
		w.writeString("avif")
		w.writeString("iso8")
	} else {
		w.writeString("avif")
		w.writeU32(0)
		w.writeString("avif")
		w.writeString("mif1")
		w.writeString("miaf")
	}
	w.endBox()

	e.writeMeta(w)
	if sequence {
		e.writeMoov(w)
	}

	// mdat, recording where each payload lands so the iloc (and stco)
	// offsets can be patched.
	w.beginBox("mdat")
	for _, item := range e.items {
		item.mdatOffsets = item.mdatOffsets[:0]
		if item.gridPayload != nil {
			item.mdatOffsets = append(item.mdatOffsets, uint32(w.offset()))
			w.writeBytes(item.gridPayload)
			continue
		}
		for _, sample := range item.samples {
			item.mdatOffsets = append(item.mdatOffsets, uint32(w.offset()))
			w.writeBytes(sample.payload)
		}
	}
	w.endBox()

	// Patch iloc extent offsets (one extent per item: the first sample or
	// the derivation payload) and the chunk offsets of each track.
	for _, item := range e.items {
		for i, pos := range item.extentOffsetPositions {
			if i < len(item.mdatOffsets) {
				w.patchU32(pos, item.mdatOffsets[i])
			}
		}
	}
	for _, patch := range e.stcoPatches {
		item := e.items[patch.itemIndex]
		if len(item.mdatOffsets) > 0 {
			w.patchU32(patch.position, item.mdatOffsets[0])
		}
	}
	return w.bytes(), nil
}

type stcoPatch struct {
	itemIndex int
	position  int
}

func (e *Encoder) writeMeta(w *boxWriter) {
	w.beginFullBox("meta", 0, 0)

	w.beginFullBox("hdlr", 0, 0)
	w.writeU32(0) // pre_defined
	w.writeString("pict")
	w.writeU32(0)
	w.writeU32(0)
	w.writeU32(0)
	w.writeCString("goavif")
	w.endBox()

	w.beginFullBox("pitm", 0, 0)
	w.writeU16(e.primaryID)
	w.endBox()

	// iloc: version 0, offset/length size 4, one extent per item.
	w.beginFullBox("iloc", 0, 0)
	w.writeU8(0x44) // offset_size=4, length_size=4
	w.writeU8(0)    // base_offset_size=0, reserved
	w.writeU16(uint16(len(e.items)))
	for _, item := range e.items {
		item.extentOffsetPositions = item.extentOffsetPositions[:0]
		w.writeU16(item.id)
		w.writeU16(0) // data_reference_index
		w.writeU16(1) // extent_count
		item.extentOffsetPositions = append(item.extentOffsetPositions, w.offset())
		w.writeU32(0) // extent_offset, patched after mdat
		if item.gridPayload != nil {
			w.writeU32(uint32(len(item.gridPayload)))
		} else {
			w.writeU32(uint32(len(item.samples[0].payload)))
		}
	}
	w.endBox()

	// iinf
	w.beginFullBox("iinf", 0, 0)
	w.writeU16(uint16(len(e.items)))
	for _, item := range e.items {
		flags := uint32(0)
		if item.hidden {
			flags = 1
		}
		w.beginFullBox("infe", 2, flags)
		w.writeU16(item.id)
		w.writeU16(0) // item_protection_index
		w.writeString(item.itemType)
		switch {
		case item.itemType == "Exif":
			w.writeCString("Exif")
		case item.itemType == "mime":
			w.writeCString("XMP")
		case item.category == CategoryAlpha:
			w.writeCString("Alpha")
		case item.category == CategoryGainmap:
			w.writeCString("GMap")
		default:
			w.writeCString("Color")
		}
		if item.itemType == "mime" {
			w.writeCString(item.contentType)
		}
		w.endBox()
	}
	w.endBox()

	// iref: dimg (grid to cells, in cell order) then auxl/prem.
	e.writeIref(w)

	// iprp: ipco + ipma.
	e.writeIprp(w)

	w.endBox()
}

func (e *Encoder) writeIref(w *boxWriter) {
	type dimgGroup struct {
		fromID  uint16
		cellIDs []uint16
	}
	var dimgGroups []dimgGroup
	for _, item := range e.items {
		if item.dimgToID == 0 {
			continue
		}
		found := false
		for i := range dimgGroups {
			if dimgGroups[i].fromID == item.dimgToID {
				dimgGroups[i].cellIDs = append(dimgGroups[i].cellIDs, item.id)
				found = true
			}
		}
		if !found {
			dimgGroups = append(dimgGroups, dimgGroup{fromID: item.dimgToID, cellIDs: []uint16{item.id}})
		}
	}
	hasRefs := false
	for _, item := range e.items {
		if item.auxlToID != 0 || item.premedBy != 0 || item.cdscToID != 0 {
			hasRefs = true
		}
	}
	if len(dimgGroups) == 0 && !hasRefs {
		return
	}
	w.beginFullBox("iref", 0, 0)
	for _, group := range dimgGroups {
		w.beginBox("dimg")
		w.writeU16(group.fromID)
		w.writeU16(uint16(len(group.cellIDs)))
		for _, id := range group.cellIDs {
			w.writeU16(id)
		}
		w.endBox()
	}
	for _, item := range e.items {
		if item.auxlToID != 0 {
			w.beginBox("auxl")
			w.writeU16(item.id)
			w.writeU16(1)
			w.writeU16(item.auxlToID)
			w.endBox()
		}
	}
	for _, item := range e.items {
		if item.premedBy != 0 {
			w.beginBox("prem")
			w.writeU16(item.premedBy)
			w.writeU16(1)
			w.writeU16(item.id)
			w.endBox()
		}
	}
	for _, item := range e.items {
		if item.cdscToID != 0 {
			w.beginBox("cdsc")
			w.writeU16(item.id)
			w.writeU16(1)
			w.writeU16(item.cdscToID)
			w.endBox()
		}
	}
	w.endBox()
}

type propertyAssociation struct {
	index     uint16
	essential bool
}

func (e *Encoder) writeIprp(w *boxWriter) {
	// ipco entries are deduplicated by serialized bytes; associations
	// refer to them by 1-based index.
	var ipco [][]byte
	seen := map[string]uint16{}
	addProperty := func(serialized []byte) uint16 {
		key := string(serialized)
		if index, ok := seen[key]; ok {
			return index
		}
		ipco = append(ipco, serialized)
		index := uint16(len(ipco))
		seen[key] = index
		return index
	}

	serializeBox := func(boxType string, build func(*boxWriter)) []byte {
		bw := &boxWriter{}
		bw.beginBox(boxType)
		build(bw)
		bw.endBox()
		return bw.bytes()
	}
	serializeFullBox := func(boxType string, version uint8, flags uint32, build func(*boxWriter)) []byte {
		bw := &boxWriter{}
		bw.beginFullBox(boxType, version, flags)
		build(bw)
		bw.endBox()
		return bw.bytes()
	}

	associations := make([][]propertyAssociation, len(e.items))
	img := e.firstImage
	for i, item := range e.items {
		if item.itemType != "av01" && item.itemType != "grid" {
			// Metadata items carry no properties.
			continue
		}
		// ispe
		ispe := serializeFullBox("ispe", 0, 0, func(bw *boxWriter) {
			bw.writeU32(item.width)
			bw.writeU32(item.height)
		})
		associations[i] = append(associations[i], propertyAssociation{addProperty(ispe), false})

		// pixi
		channels := 3
		if item.category == CategoryAlpha || img.YuvFormat == PixelFormatYuv400 {
			channels = 1
		}
		pixi := serializeFullBox("pixi", 0, 0, func(bw *boxWriter) {
			bw.writeU8(uint8(channels))
			for c := 0; c < channels; c++ {
				bw.writeU8(img.Depth)
			}
		})
		associations[i] = append(associations[i], propertyAssociation{addProperty(pixi), false})

		// av1C (essential)
		av1C := serializeBox("av1C", func(bw *boxWriter) {
			bw.writeBytes(item.av1C)
		})
		associations[i] = append(associations[i], propertyAssociation{addProperty(av1C), true})

		if item.category == CategoryAlpha {
			auxC := serializeFullBox("auxC", 0, 0, func(bw *boxWriter) {
				bw.writeCString("urn:mpeg:mpegB:cicp:systems:auxiliary:alpha")
			})
			associations[i] = append(associations[i], propertyAssociation{addProperty(auxC), false})
			continue
		}

		// Color-only properties.
		nclx := serializeBox("colr", func(bw *boxWriter) {
			bw.writeString("nclx")
			bw.writeU16(uint16(img.ColorPrimaries))
			bw.writeU16(uint16(img.TransferCharacteristics))
			bw.writeU16(uint16(img.MatrixCoefficients))
			if img.YuvRange == YuvRangeFull {
				bw.writeU8(0x80)
			} else {
				bw.writeU8(0)
			}
		})
		associations[i] = append(associations[i], propertyAssociation{addProperty(nclx), false})
		if len(img.ICC) > 0 {
			icc := serializeBox("colr", func(bw *boxWriter) {
				bw.writeString("prof")
				bw.writeBytes(img.ICC)
			})
			associations[i] = append(associations[i], propertyAssociation{addProperty(icc), false})
		}
		if img.CLLI != nil {
			clli := serializeBox("clli", func(bw *boxWriter) {
				bw.writeU16(img.CLLI.MaxCLL)
				bw.writeU16(img.CLLI.MaxPALL)
			})
			associations[i] = append(associations[i], propertyAssociation{addProperty(clli), false})
		}
		if img.Pasp != nil {
			pasp := serializeBox("pasp", func(bw *boxWriter) {
				bw.writeU32(img.Pasp.HSpacing)
				bw.writeU32(img.Pasp.VSpacing)
			})
			associations[i] = append(associations[i], propertyAssociation{addProperty(pasp), false})
		}
		if img.Clap != nil {
			clap := serializeBox("clap", func(bw *boxWriter) {
				bw.writeU32(img.Clap.Width.N)
				bw.writeU32(img.Clap.Width.D)
				bw.writeU32(img.Clap.Height.N)
				bw.writeU32(img.Clap.Height.D)
				bw.writeU32(img.Clap.HorizOff.N)
				bw.writeU32(img.Clap.HorizOff.D)
				bw.writeU32(img.Clap.VertOff.N)
				bw.writeU32(img.Clap.VertOff.D)
			})
			associations[i] = append(associations[i], propertyAssociation{addProperty(clap), true})
		}
		if img.IrotAngle != nil {
			irot := serializeBox("irot", func(bw *boxWriter) {
				bw.writeU8(*img.IrotAngle & 3)
			})
			associations[i] = append(associations[i], propertyAssociation{addProperty(irot), true})
		}
		if img.ImirAxis != nil {
			imir := serializeBox("imir", func(bw *boxWriter) {
				bw.writeU8(*img.ImirAxis & 1)
			})
			associations[i] = append(associations[i], propertyAssociation{addProperty(imir), true})
		}
	}

	w.beginBox("iprp")
	w.beginBox("ipco")
	for _, property := range ipco {
		w.writeBytes(property)
	}
	w.endBox()
	w.beginFullBox("ipma", 0, 0)
	entryCountPos := w.offset()
	w.writeU32(0)
	entryCount := uint32(0)
	for i, item := range e.items {
		if len(associations[i]) == 0 {
			continue
		}
		w.writeU16(item.id)
		w.writeU8(uint8(len(associations[i])))
		for _, assoc := range associations[i] {
			b := uint8(assoc.index & 0x7f)
			if assoc.essential {
				b |= 0x80
			}
			w.writeU8(b)
		}
		entryCount++
	}
	w.patchU32(entryCountPos, entryCount)
	w.endBox()
	w.endBox()
}
