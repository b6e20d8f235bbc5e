package avif

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webmproject/goavif/avif/bmff"
)

func TestParseSato(t *testing.T) {
	// version/reserved/bit_depth byte: version 0, 32-bit intermediates.
	payload := []byte{
		0x02,                   // 000000 10 -> bit_depth code 2 (32-bit)
		0x03,                   // token_count
		0x01,                   // first input image
		0x00,                   // constant...
		0x00, 0x00, 0x00, 0x02, // ... 2
		0x82, // product
	}
	st, err := parseSato(bmff.NewStream(payload), 1)
	require.NoError(t, err)
	assert.Equal(t, uint8(32), st.BitDepth)
	require.Len(t, st.Tokens, 3)
	assert.Equal(t, int64(6), st.evaluate([]int64{3}))
}

func TestParseSatoRejectsBadInputIndex(t *testing.T) {
	payload := []byte{0x02, 0x01, 0x05} // references input 5 of 1
	_, err := parseSato(bmff.NewStream(payload), 1)
	assert.ErrorIs(t, err, ErrInvalidImageGrid)
}

func TestParseSatoRejectsUnderflow(t *testing.T) {
	payload := []byte{0x02, 0x01, 0x82} // binary op with empty stack
	_, err := parseSato(bmff.NewStream(payload), 1)
	assert.ErrorIs(t, err, ErrInvalidImageGrid)
}

func TestSampleTransformEvaluate(t *testing.T) {
	st := SampleTransform{
		BitDepth:  32,
		NumInputs: 2,
		Tokens: []sampleTransformToken{
			{kind: sampleTransformTokenImageItem, inputIdx: 0},
			{kind: sampleTransformTokenImageItem, inputIdx: 1},
			{kind: sampleTransformTokenBinaryOp, binaryOp: sampleTransformSum},
		},
	}
	assert.Equal(t, int64(300), st.evaluate([]int64{100, 200}))

	st.Tokens[2].binaryOp = sampleTransformMax
	assert.Equal(t, int64(200), st.evaluate([]int64{100, 200}))

	// Division by zero passes the left operand through.
	st.Tokens[2].binaryOp = sampleTransformQuotient
	assert.Equal(t, int64(100), st.evaluate([]int64{100, 0}))
}

func TestSampleTransformClamping(t *testing.T) {
	st := SampleTransform{
		BitDepth:  8,
		NumInputs: 1,
		Tokens: []sampleTransformToken{
			{kind: sampleTransformTokenImageItem, inputIdx: 0},
			{kind: sampleTransformTokenConstant, constant: 100},
			{kind: sampleTransformTokenBinaryOp, binaryOp: sampleTransformSum},
		},
	}
	// 8-bit signed intermediates clamp at 127.
	assert.Equal(t, int64(127), st.evaluate([]int64{100}))
}
