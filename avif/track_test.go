package avif

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webmproject/goavif/avif/bmff"
)

func TestTrackImageTiming(t *testing.T) {
	track := &trackModel{raw: &bmff.Track{
		MediaTimescale: 30,
		MediaDuration:  90,
		SampleTable: &bmff.SampleTable{
			TimeToSample: []bmff.TimeToSampleEntry{
				{SampleCount: 2, SampleDelta: 10},
				{SampleCount: 1, SampleDelta: 70},
			},
		},
	}}
	timing, err := track.imageTiming(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), timing.PTSInTimescales)
	assert.Equal(t, uint64(10), timing.DurationInTimescales)

	timing, err = track.imageTiming(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), timing.PTSInTimescales)
	assert.Equal(t, uint64(70), timing.DurationInTimescales)
	assert.InDelta(t, 20.0/30.0, timing.PTS, 1e-9)

	_, err = track.imageTiming(3)
	assert.ErrorIs(t, err, ErrNoImagesRemaining)
}

func TestTrackImageTimingWithCompositionOffsets(t *testing.T) {
	track := &trackModel{raw: &bmff.Track{
		MediaTimescale: 10,
		SampleTable: &bmff.SampleTable{
			TimeToSample: []bmff.TimeToSampleEntry{{SampleCount: 3, SampleDelta: 10}},
			CompositionOffsets: []bmff.CompositionOffsetEntry{
				{SampleCount: 1, SampleOffset: 20},
				{SampleCount: 2, SampleOffset: 0},
			},
		},
	}}
	timing, err := track.imageTiming(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), timing.PTSInTimescales)
	timing, err = track.imageTiming(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), timing.PTSInTimescales)
}

func TestTrackRepetitionCount(t *testing.T) {
	// No edit list: play once.
	track := &trackModel{raw: &bmff.Track{}}
	count, err := track.repetitionCount()
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// Repeating with zero segment duration loops forever.
	track = &trackModel{raw: &bmff.Track{ElstSeen: true, IsRepeating: true}}
	count, err = track.repetitionCount()
	require.NoError(t, err)
	assert.Equal(t, RepetitionCountInfinite, count)

	// Segment twice the track duration: one extra play.
	track = &trackModel{raw: &bmff.Track{
		ElstSeen:        true,
		IsRepeating:     true,
		SegmentDuration: 200,
		TrackDuration:   100,
	}}
	count, err = track.repetitionCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Unknown track duration.
	track = &trackModel{raw: &bmff.Track{
		ElstSeen:        true,
		IsRepeating:     true,
		SegmentDuration: 200,
	}}
	count, err = track.repetitionCount()
	require.NoError(t, err)
	assert.Equal(t, RepetitionCountUnknown, count)
}

func TestSampleTableQueries(t *testing.T) {
	table := &bmff.SampleTable{
		SampleToChunk: []bmff.SampleToChunkEntry{
			{FirstChunk: 1, SamplesPerChunk: 2, SampleDescriptionIndex: 1},
			{FirstChunk: 3, SamplesPerChunk: 5, SampleDescriptionIndex: 1},
		},
		FixedSampleSize: 100,
		Descriptions:    []bmff.SampleDescription{{Format: "av01"}},
	}
	assert.Equal(t, uint32(2), table.SampleCountFromChunk(0))
	assert.Equal(t, uint32(2), table.SampleCountFromChunk(1))
	assert.Equal(t, uint32(5), table.SampleCountFromChunk(2))
	size, err := table.SampleSize(40)
	require.NoError(t, err)
	assert.Equal(t, uint32(100), size)
	assert.True(t, table.HasAv1Sample())
}
