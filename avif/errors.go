package avif

import (
	"fmt"
)

// ResultCode identifies the outcome of a decoder or encoder operation.
// The numeric values are stable and match the libavif C enum.
type ResultCode int

const (
	ResultOK ResultCode = iota
	ResultUnknownError
	ResultInvalidFtyp
	ResultNoContent
	ResultNoYuvFormatSelected
	ResultReformatFailed
	ResultUnsupportedDepth
	ResultEncodeColorFailed
	ResultEncodeAlphaFailed
	ResultBmffParseFailed
	ResultMissingImageItem
	ResultDecodeColorFailed
	ResultDecodeAlphaFailed
	ResultColorAlphaSizeMismatch
	ResultIspeSizeMismatch
	ResultNoCodecAvailable
	ResultNoImagesRemaining
	ResultInvalidExifPayload
	ResultInvalidImageGrid
	ResultInvalidCodecSpecificOption
	ResultTruncatedData
	ResultIONotSet
	ResultIOError
	ResultWaitingOnIO
	ResultInvalidArgument
	ResultNotImplemented
	ResultOutOfMemory
	ResultCannotChangeSetting
	ResultIncompatibleImage
	ResultEncodeGainMapFailed
	ResultDecodeGainMapFailed
	ResultInvalidToneMappedImage
)

var resultNames = map[ResultCode]string{
	ResultOK:                         "ok",
	ResultUnknownError:               "unknown_error",
	ResultInvalidFtyp:                "invalid_ftyp",
	ResultNoContent:                  "no_content",
	ResultNoYuvFormatSelected:        "no_yuv_format_selected",
	ResultReformatFailed:             "reformat_failed",
	ResultUnsupportedDepth:           "unsupported_depth",
	ResultEncodeColorFailed:          "encode_color_failed",
	ResultEncodeAlphaFailed:          "encode_alpha_failed",
	ResultBmffParseFailed:            "bmff_parse_failed",
	ResultMissingImageItem:           "missing_image_item",
	ResultDecodeColorFailed:          "decode_color_failed",
	ResultDecodeAlphaFailed:          "decode_alpha_failed",
	ResultColorAlphaSizeMismatch:     "color_alpha_size_mismatch",
	ResultIspeSizeMismatch:           "ispe_size_mismatch",
	ResultNoCodecAvailable:           "no_codec_available",
	ResultNoImagesRemaining:          "no_images_remaining",
	ResultInvalidExifPayload:         "invalid_exif_payload",
	ResultInvalidImageGrid:           "invalid_image_grid",
	ResultInvalidCodecSpecificOption: "invalid_codec_specific_option",
	ResultTruncatedData:              "truncated_data",
	ResultIONotSet:                   "io_not_set",
	ResultIOError:                    "io_error",
	ResultWaitingOnIO:                "waiting_on_io",
	ResultInvalidArgument:            "invalid_argument",
	ResultNotImplemented:             "not_implemented",
	ResultOutOfMemory:                "out_of_memory",
	ResultCannotChangeSetting:        "cannot_change_setting",
	ResultIncompatibleImage:          "incompatible_image",
	ResultEncodeGainMapFailed:        "encode_gain_map_failed",
	ResultDecodeGainMapFailed:        "decode_gain_map_failed",
	ResultInvalidToneMappedImage:     "invalid_tone_mapped_image",
}

func (c ResultCode) String() string {
	if s, ok := resultNames[c]; ok {
		return s
	}
	return fmt.Sprintf("result(%d)", int(c))
}

// Error is the error type returned by every operation in this package. It
// wraps a stable ResultCode plus an optional human-readable supplement.
// errors.Is matches on the code alone, so callers can compare against the
// Err* sentinels below.
type Error struct {
	Code   ResultCode
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return "avif: " + e.Code.String()
	}
	return "avif: " + e.Code.String() + ": " + e.Detail
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrUnknownError               = &Error{Code: ResultUnknownError}
	ErrInvalidFtyp                = &Error{Code: ResultInvalidFtyp}
	ErrNoContent                  = &Error{Code: ResultNoContent}
	ErrNoYuvFormatSelected        = &Error{Code: ResultNoYuvFormatSelected}
	ErrReformatFailed             = &Error{Code: ResultReformatFailed}
	ErrUnsupportedDepth           = &Error{Code: ResultUnsupportedDepth}
	ErrEncodeColorFailed          = &Error{Code: ResultEncodeColorFailed}
	ErrEncodeAlphaFailed          = &Error{Code: ResultEncodeAlphaFailed}
	ErrBmffParseFailed            = &Error{Code: ResultBmffParseFailed}
	ErrMissingImageItem           = &Error{Code: ResultMissingImageItem}
	ErrDecodeColorFailed          = &Error{Code: ResultDecodeColorFailed}
	ErrDecodeAlphaFailed          = &Error{Code: ResultDecodeAlphaFailed}
	ErrColorAlphaSizeMismatch     = &Error{Code: ResultColorAlphaSizeMismatch}
	ErrIspeSizeMismatch           = &Error{Code: ResultIspeSizeMismatch}
	ErrNoCodecAvailable           = &Error{Code: ResultNoCodecAvailable}
	ErrNoImagesRemaining          = &Error{Code: ResultNoImagesRemaining}
	ErrInvalidExifPayload         = &Error{Code: ResultInvalidExifPayload}
	ErrInvalidImageGrid           = &Error{Code: ResultInvalidImageGrid}
	ErrInvalidCodecSpecificOption = &Error{Code: ResultInvalidCodecSpecificOption}
	ErrTruncatedData              = &Error{Code: ResultTruncatedData}
	ErrIONotSet                   = &Error{Code: ResultIONotSet}
	ErrIOError                    = &Error{Code: ResultIOError}
	ErrWaitingOnIO                = &Error{Code: ResultWaitingOnIO}
	ErrInvalidArgument            = &Error{Code: ResultInvalidArgument}
	ErrNotImplemented             = &Error{Code: ResultNotImplemented}
	ErrOutOfMemory                = &Error{Code: ResultOutOfMemory}
	ErrCannotChangeSetting        = &Error{Code: ResultCannotChangeSetting}
	ErrIncompatibleImage          = &Error{Code: ResultIncompatibleImage}
	ErrEncodeGainMapFailed        = &Error{Code: ResultEncodeGainMapFailed}
	ErrDecodeGainMapFailed        = &Error{Code: ResultDecodeGainMapFailed}
	ErrInvalidToneMappedImage     = &Error{Code: ResultInvalidToneMappedImage}
)

func resultError(code ResultCode, format string, args ...interface{}) *Error {
	if format == "" {
		return &Error{Code: code}
	}
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

func bmffParseFailed(format string, args ...interface{}) *Error {
	return resultError(ResultBmffParseFailed, format, args...)
}

func invalidImageGrid(format string, args ...interface{}) *Error {
	return resultError(ResultInvalidImageGrid, format, args...)
}

func invalidToneMappedImage(format string, args ...interface{}) *Error {
	return resultError(ResultInvalidToneMappedImage, format, args...)
}

func unknownError(format string, args ...interface{}) *Error {
	return resultError(ResultUnknownError, format, args...)
}
