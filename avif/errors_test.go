package avif

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCodeNames(t *testing.T) {
	assert.Equal(t, "ok", ResultOK.String())
	assert.Equal(t, "invalid_ftyp", ResultInvalidFtyp.String())
	assert.Equal(t, "no_images_remaining", ResultNoImagesRemaining.String())
	assert.Equal(t, "invalid_tone_mapped_image", ResultInvalidToneMappedImage.String())
	assert.Equal(t, "waiting_on_io", ResultWaitingOnIO.String())
}

func TestErrorIsMatchesOnCode(t *testing.T) {
	err := bmffParseFailed("box %q is broken", "iloc")
	assert.ErrorIs(t, err, ErrBmffParseFailed)
	assert.NotErrorIs(t, err, ErrInvalidFtyp)
	assert.Contains(t, err.Error(), "bmff_parse_failed")
	assert.Contains(t, err.Error(), "iloc")

	var avifErr *Error
	assert.True(t, errors.As(err, &avifErr))
	assert.Equal(t, ResultBmffParseFailed, avifErr.Code)
}

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []*Error{
		ErrInvalidFtyp, ErrNoContent, ErrBmffParseFailed, ErrMissingImageItem,
		ErrDecodeColorFailed, ErrDecodeAlphaFailed, ErrColorAlphaSizeMismatch,
		ErrNoCodecAvailable, ErrNoImagesRemaining, ErrInvalidImageGrid,
		ErrTruncatedData, ErrIONotSet, ErrIOError, ErrWaitingOnIO,
		ErrInvalidArgument, ErrNotImplemented, ErrCannotChangeSetting,
	}
	codes := map[ResultCode]bool{}
	for _, s := range sentinels {
		assert.False(t, codes[s.Code], "duplicate code %v", s.Code)
		codes[s.Code] = true
	}
}
