package avif

// writeMoov serializes the movie box for image sequences: one track per
// plane class, with the alpha track referencing the color track.
func (e *Encoder) writeMoov(w *boxWriter) {
	e.stcoPatches = e.stcoPatches[:0]
	timescale := e.settings.Timescale
	duration := e.totalDuration

	w.beginBox("moov")

	w.beginFullBox("mvhd", 1, 0)
	w.writeU64(0) // creation_time
	w.writeU64(0) // modification_time
	w.writeU32(uint32(timescale))
	w.writeU64(duration)
	w.writeU32(0x00010000) // rate
	w.writeU16(0x0100)     // volume
	w.writeU16(0)          // reserved
	w.writeU32(0)
	w.writeU32(0)
	writeUnityMatrix(w)
	for i := 0; i < 6; i++ { // pre_defined
		w.writeU32(0)
	}
	w.writeU32(uint32(len(e.items) + 1)) // next_track_ID
	w.endBox()

	trackID := uint32(1)
	colorTrackID := trackID
	for itemIndex, item := range e.items {
		if item.itemType != "av01" || len(item.samples) == 0 {
			continue
		}
		e.writeTrak(w, itemIndex, trackID, colorTrackID)
		trackID++
	}

	w.endBox()
}

func writeUnityMatrix(w *boxWriter) {
	matrix := [9]uint32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}
	for _, v := range matrix {
		w.writeU32(v)
	}
}

func (e *Encoder) writeTrak(w *boxWriter, itemIndex int, trackID, colorTrackID uint32) {
	item := e.items[itemIndex]
	timescale := e.settings.Timescale
	duration := e.totalDuration

	w.beginBox("trak")

	w.beginFullBox("tkhd", 1, 1) // track_enabled
	w.writeU64(0)
	w.writeU64(0)
	w.writeU32(trackID)
	w.writeU32(0) // reserved
	w.writeU64(duration)
	w.writeU32(0)
	w.writeU32(0)
	w.writeU16(0) // layer
	w.writeU16(0) // alternate_group
	w.writeU16(0) // volume
	w.writeU16(0) // reserved
	writeUnityMatrix(w)
	w.writeU32(item.width << 16)
	w.writeU32(item.height << 16)
	w.endBox()

	if item.auxlToID != 0 {
		w.beginBox("tref")
		w.beginBox("auxl")
		w.writeU32(colorTrackID)
		w.endBox()
		w.endBox()
	}

	if e.settings.RepetitionCount != 0 {
		// One repeated edit spanning the whole track.
		segmentDuration := duration
		if e.settings.RepetitionCount > 0 {
			segmentDuration = duration * uint64(e.settings.RepetitionCount+1)
		} else {
			segmentDuration = 0 // loop forever
		}
		w.beginBox("edts")
		w.beginFullBox("elst", 1, 1)
		w.writeU32(1) // entry_count
		w.writeU64(segmentDuration)
		w.writeU64(0) // media_time
		w.writeU16(1) // media_rate_integer
		w.writeU16(0) // media_rate_fraction
		w.endBox()
		w.endBox()
	}

	w.beginBox("mdia")

	w.beginFullBox("mdhd", 1, 0)
	w.writeU64(0)
	w.writeU64(0)
	w.writeU32(uint32(timescale))
	w.writeU64(duration)
	w.writeU16(0x55c4) // language: und
	w.writeU16(0)
	w.endBox()

	w.beginFullBox("hdlr", 0, 0)
	w.writeU32(0)
	w.writeString("pict")
	w.writeU32(0)
	w.writeU32(0)
	w.writeU32(0)
	w.writeCString("goavif")
	w.endBox()

	w.beginBox("minf")

	w.beginFullBox("vmhd", 0, 1)
	w.writeU16(0) // graphicsmode
	w.writeU16(0)
	w.writeU16(0)
	w.writeU16(0) // opcolor
	w.endBox()

	w.beginBox("dinf")
	w.beginFullBox("dref", 0, 0)
	w.writeU32(1)
	w.beginFullBox("url ", 0, 1) // self-contained
	w.endBox()
	w.endBox()
	w.endBox()

	w.beginBox("stbl")

	w.beginFullBox("stsd", 0, 0)
	w.writeU32(1)
	w.beginBox("av01")
	for i := 0; i < 6; i++ { // reserved
		w.writeU8(0)
	}
	w.writeU16(1)            // data_reference_index
	w.writeU16(0)            // pre_defined
	w.writeU16(0)            // reserved
	for i := 0; i < 3; i++ { // pre_defined
		w.writeU32(0)
	}
	w.writeU16(uint16(item.width))
	w.writeU16(uint16(item.height))
	w.writeU32(0x00480000)    // horizresolution
	w.writeU32(0x00480000)    // vertresolution
	w.writeU32(0)             // reserved
	w.writeU16(1)             // frame_count
	for i := 0; i < 32; i++ { // compressorname
		w.writeU8(0)
	}
	w.writeU16(0x0018) // depth
	w.writeU16(0)      // pre_defined
	w.beginBox("av1C")
	w.writeBytes(item.av1C)
	w.endBox()
	if item.category == CategoryAlpha {
		w.beginFullBox("auxi", 0, 0)
		w.writeCString("urn:mpeg:mpegB:cicp:systems:auxiliary:alpha")
		w.endBox()
	}
	w.endBox()
	w.endBox()

	// stts: run-length encode the per-sample durations.
	w.beginFullBox("stts", 0, 0)
	countPos := w.offset()
	w.writeU32(0)
	entries := uint32(0)
	i := 0
	for i < len(item.samples) {
		duration := item.samples[i].duration
		run := uint32(0)
		for i < len(item.samples) && item.samples[i].duration == duration {
			run++
			i++
		}
		w.writeU32(run)
		w.writeU32(uint32(duration))
		entries++
	}
	w.patchU32(countPos, entries)
	w.endBox()

	// stss: sync samples (1-based). Omitted when every sample is sync.
	allSync := true
	for _, sample := range item.samples {
		if !sample.sync {
			allSync = false
			break
		}
	}
	if !allSync {
		w.beginFullBox("stss", 0, 0)
		syncCountPos := w.offset()
		w.writeU32(0)
		syncCount := uint32(0)
		for sampleIndex, sample := range item.samples {
			if sample.sync {
				w.writeU32(uint32(sampleIndex + 1))
				syncCount++
			}
		}
		w.patchU32(syncCountPos, syncCount)
		w.endBox()
	}

	// stsc: one chunk holding every sample.
	w.beginFullBox("stsc", 0, 0)
	w.writeU32(1)
	w.writeU32(1) // first_chunk
	w.writeU32(uint32(len(item.samples)))
	w.writeU32(1) // sample_description_index
	w.endBox()

	w.beginFullBox("stsz", 0, 0)
	w.writeU32(0) // sample_size: per-sample table follows
	w.writeU32(uint32(len(item.samples)))
	for _, sample := range item.samples {
		w.writeU32(uint32(len(sample.payload)))
	}
	w.endBox()

	w.beginFullBox("stco", 0, 0)
	w.writeU32(1)
	e.stcoPatches = append(e.stcoPatches, stcoPatch{itemIndex: itemIndex, position: w.offset()})
	w.writeU32(0) // chunk_offset, patched after mdat
	w.endBox()

	w.endBox() // stbl
	w.endBox() // minf
	w.endBox() // mdia
	w.endBox() // trak
}
