package avif

import "github.com/webmproject/goavif/avif/bmff"

// trackModel decorates a parsed trak box with the decode-side queries the
// controller needs: role detection, limits, and presentation timing.
type trackModel struct {
	raw *bmff.Track
}

func (t *trackModel) av1Properties() []bmff.Property {
	if t.raw.SampleTable == nil {
		return nil
	}
	return t.raw.SampleTable.Av1Properties()
}

// isAux reports whether this track is an auxiliary track of
// primaryTrackID. isAux(0) identifies the color track itself.
func (t *trackModel) isAux(primaryTrackID uint32) bool {
	if t.raw.SampleTable == nil || t.raw.ID == 0 {
		return false
	}
	if len(t.raw.SampleTable.ChunkOffsets) == 0 || !t.raw.SampleTable.HasAv1Sample() {
		return false
	}
	return t.raw.AuxForID == primaryTrackID
}

func (t *trackModel) isColor() bool { return t.isAux(0) }

func (t *trackModel) isAuxiliaryAlpha() bool {
	return isAuxiliaryTypeAlpha(findAuxType(t.av1Properties()))
}

func (t *trackModel) checkLimits(sizeLimit, dimensionLimit uint32) bool {
	return checkDimensionLimits(t.raw.Width, t.raw.Height, sizeLimit, dimensionLimit)
}

// repetitionCount derives the animation repetition count from the edit
// list. An elst that repeats a segment longer than the track duration
// implies ceil(segment/track) - 1 extra plays.
func (t *trackModel) repetitionCount() (int, error) {
	if !t.raw.ElstSeen || !t.raw.IsRepeating {
		return 0, nil
	}
	if t.raw.SegmentDuration == 0 {
		// A repeating edit with unknown segment duration loops forever.
		return RepetitionCountInfinite, nil
	}
	if t.raw.TrackDuration == 0 {
		return RepetitionCountUnknown, nil
	}
	repetitions := (t.raw.SegmentDuration+t.raw.TrackDuration-1)/t.raw.TrackDuration - 1
	if repetitions > uint64(int(^uint(0)>>1)) {
		return RepetitionCountInfinite, nil
	}
	return int(repetitions), nil
}

// imageTiming computes the presentation timestamp and duration of sample
// n from the time-to-sample and composition-offset tables.
func (t *trackModel) imageTiming(n uint32) (ImageTiming, error) {
	if t.raw.SampleTable == nil {
		return ImageTiming{}, ErrNoContent
	}
	timing := ImageTiming{Timescale: uint64(t.raw.MediaTimescale)}
	table := t.raw.SampleTable

	// Walk stts to the n-th sample, accumulating decode time.
	var decodeTime uint64
	var duration uint64
	remaining := n
	found := false
	for _, entry := range table.TimeToSample {
		if remaining < entry.SampleCount {
			decodeTime += uint64(remaining) * uint64(entry.SampleDelta)
			duration = uint64(entry.SampleDelta)
			found = true
			break
		}
		decodeTime += uint64(entry.SampleCount) * uint64(entry.SampleDelta)
		remaining -= entry.SampleCount
	}
	if !found {
		if len(table.TimeToSample) > 0 {
			return ImageTiming{}, ErrNoImagesRemaining
		}
		// No stts at all: a single image with a nominal duration.
		duration = t.raw.MediaDuration
	}

	pts := int64(decodeTime)
	if len(table.CompositionOffsets) > 0 {
		remaining = n
		for _, entry := range table.CompositionOffsets {
			if remaining < entry.SampleCount {
				pts += entry.SampleOffset
				break
			}
			remaining -= entry.SampleCount
		}
	}
	if pts < 0 {
		pts = 0
	}
	timing.PTSInTimescales = uint64(pts)
	timing.DurationInTimescales = duration
	if timing.Timescale > 0 {
		timing.PTS = float64(timing.PTSInTimescales) / float64(timing.Timescale)
		timing.Duration = float64(timing.DurationInTimescales) / float64(timing.Timescale)
	}
	return timing, nil
}

// sampleCount is the total sample count per stts; 0 when no stts exists.
func (t *trackModel) sampleCount() uint64 {
	if t.raw.SampleTable == nil {
		return 0
	}
	var count uint64
	for _, entry := range t.raw.SampleTable.TimeToSample {
		count += uint64(entry.SampleCount)
	}
	return count
}
