package avif

import "github.com/webmproject/goavif/avif/bmff"

// Sample transform expressions are stored in reverse Polish notation as a
// token stream over signed intermediate values.

type sampleTransformUnaryOp uint8

const (
	sampleTransformNegation sampleTransformUnaryOp = iota
	sampleTransformAbsolute
	sampleTransformNot
	sampleTransformBSR
)

type sampleTransformBinaryOp uint8

const (
	sampleTransformSum sampleTransformBinaryOp = iota
	sampleTransformDifference
	sampleTransformProduct
	sampleTransformQuotient
	sampleTransformAnd
	sampleTransformOr
	sampleTransformXor
	sampleTransformPow
	sampleTransformMin
	sampleTransformMax
)

type sampleTransformTokenKind uint8

const (
	sampleTransformTokenConstant sampleTransformTokenKind = iota
	sampleTransformTokenImageItem
	sampleTransformTokenUnaryOp
	sampleTransformTokenBinaryOp
)

type sampleTransformToken struct {
	kind     sampleTransformTokenKind
	constant int64
	inputIdx int
	unaryOp  sampleTransformUnaryOp
	binaryOp sampleTransformBinaryOp
}

// SampleTransform is a parsed sato expression: the working bit depth plus
// the token program. The expression consumes up to maxExtraInputs source
// images.
type SampleTransform struct {
	BitDepth  uint8
	NumInputs int
	Tokens    []sampleTransformToken
}

// maxExtraInputs caps the number of sato source images supported.
const maxExtraInputs = 3

// parseSato reads a sato payload into a token program.
func parseSato(s *bmff.Stream, numInputs int) (SampleTransform, error) {
	var st SampleTransform
	// unsigned int(2) version = 0;
	version, err := s.ReadBits(2)
	if err != nil {
		return st, ErrBmffParseFailed
	}
	if version != 0 {
		return st, ErrNotImplemented
	}
	// unsigned int(4) reserved;
	if err := s.SkipBits(4); err != nil {
		return st, ErrBmffParseFailed
	}
	// unsigned int(2) bit_depth; signed 8, 16, 32 or 64 bit intermediates.
	depthBits, err := s.ReadBits(2)
	if err != nil {
		return st, ErrBmffParseFailed
	}
	st.BitDepth = 1 << (depthBits + 3)
	st.NumInputs = numInputs
	bytes := int(st.BitDepth / 8)

	// unsigned int(8) token_count;
	tokenCount, err := s.ReadU8()
	if err != nil {
		return st, ErrBmffParseFailed
	}
	for i := 0; i < int(tokenCount); i++ {
		token, err := s.ReadU8()
		if err != nil {
			return st, ErrBmffParseFailed
		}
		var parsed sampleTransformToken
		switch {
		case token == 0:
			parsed.kind = sampleTransformTokenConstant
			switch bytes {
			case 1:
				v, err := s.ReadI8()
				if err != nil {
					return st, ErrBmffParseFailed
				}
				parsed.constant = int64(v)
			case 2:
				v, err := s.ReadI16()
				if err != nil {
					return st, ErrBmffParseFailed
				}
				parsed.constant = int64(v)
			case 4:
				v, err := s.ReadI32()
				if err != nil {
					return st, ErrBmffParseFailed
				}
				parsed.constant = int64(v)
			case 8:
				v, err := s.ReadI64()
				if err != nil {
					return st, ErrBmffParseFailed
				}
				parsed.constant = v
			}
		case token >= 1 && token <= 32:
			idx := int(token - 1)
			if idx >= numInputs {
				return st, invalidImageGrid("invalid item reference in sato")
			}
			parsed.kind = sampleTransformTokenImageItem
			parsed.inputIdx = idx
		case token >= 64 && token <= 67:
			parsed.kind = sampleTransformTokenUnaryOp
			parsed.unaryOp = sampleTransformUnaryOp(token - 64)
		case token >= 128 && token <= 137:
			parsed.kind = sampleTransformTokenBinaryOp
			parsed.binaryOp = sampleTransformBinaryOp(token - 128)
		default:
			return st, invalidImageGrid("invalid token in sato")
		}
		st.Tokens = append(st.Tokens, parsed)
	}
	if s.HasBytesLeft() {
		return st, invalidImageGrid("found unknown extra bytes in the sato box")
	}
	if err := st.validateStackDepth(); err != nil {
		return st, err
	}
	return st, nil
}

// validateStackDepth rejects programs that underflow or do not reduce to
// a single value.
func (st *SampleTransform) validateStackDepth() error {
	depth := 0
	for _, token := range st.Tokens {
		switch token.kind {
		case sampleTransformTokenConstant, sampleTransformTokenImageItem:
			depth++
		case sampleTransformTokenUnaryOp:
			if depth < 1 {
				return invalidImageGrid("sato expression underflows")
			}
		case sampleTransformTokenBinaryOp:
			if depth < 2 {
				return invalidImageGrid("sato expression underflows")
			}
			depth--
		}
	}
	if depth != 1 {
		return invalidImageGrid("sato expression does not reduce to a single value")
	}
	return nil
}

func sampleTransformClamp(v int64, depth uint8) int64 {
	min := int64(-1) << (depth - 1)
	max := int64(1)<<(depth-1) - 1
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func sampleTransformPowI64(base, exp int64) int64 {
	if exp <= 0 {
		return 1
	}
	result := int64(1)
	for i := int64(0); i < exp; i++ {
		result *= base
	}
	return result
}

// evaluate runs the program for one pixel, with inputs holding the
// corresponding sample of each source image.
func (st *SampleTransform) evaluate(inputs []int64) int64 {
	stack := make([]int64, 0, len(st.Tokens))
	push := func(v int64) { stack = append(stack, sampleTransformClamp(v, st.BitDepth)) }
	pop := func() int64 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}
	for _, token := range st.Tokens {
		switch token.kind {
		case sampleTransformTokenConstant:
			push(token.constant)
		case sampleTransformTokenImageItem:
			push(inputs[token.inputIdx])
		case sampleTransformTokenUnaryOp:
			v := pop()
			switch token.unaryOp {
			case sampleTransformNegation:
				push(-v)
			case sampleTransformAbsolute:
				if v < 0 {
					push(-v)
				} else {
					push(v)
				}
			case sampleTransformNot:
				push(^v)
			case sampleTransformBSR:
				if v <= 0 {
					push(0)
				} else {
					msb := int64(0)
					for v > 1 {
						v >>= 1
						msb++
					}
					push(msb)
				}
			}
		case sampleTransformTokenBinaryOp:
			right := pop()
			left := pop()
			switch token.binaryOp {
			case sampleTransformSum:
				push(left + right)
			case sampleTransformDifference:
				push(left - right)
			case sampleTransformProduct:
				push(left * right)
			case sampleTransformQuotient:
				if right == 0 {
					push(left)
				} else {
					push(left / right)
				}
			case sampleTransformAnd:
				push(left & right)
			case sampleTransformOr:
				push(left | right)
			case sampleTransformXor:
				push(left ^ right)
			case sampleTransformPow:
				push(sampleTransformPowI64(left, right))
			case sampleTransformMin:
				if left < right {
					push(left)
				} else {
					push(right)
				}
			case sampleTransformMax:
				if left > right {
					push(left)
				} else {
					push(right)
				}
			}
		}
	}
	return stack[0]
}

// apply materializes the output image from the extra input images. The
// destination keeps its own depth; intermediates are clamped to the
// program's bit depth.
func (st *SampleTransform) apply(extraInputs []*Image, dst *Image) error {
	if len(st.Tokens) == 0 {
		return ErrNotImplemented
	}
	categories := []Category{CategoryColor}
	if extraInputs[0].HasAlpha() {
		categories = append(categories, CategoryAlpha)
		dst.AlphaPresent = true
	}
	for _, category := range categories {
		if err := dst.AllocatePlanes(category); err != nil {
			return err
		}
		for _, plane := range category.Planes() {
			width := dst.PlaneWidth(plane)
			height := dst.PlaneHeight(plane)
			if width == 0 || height == 0 {
				continue
			}
			inputs := make([]int64, st.NumInputs)
			maxChannel := int64(dst.MaxChannel())
			for y := uint32(0); y < height; y++ {
				for x := uint32(0); x < width; x++ {
					for i := 0; i < st.NumInputs; i++ {
						src := extraInputs[i]
						if src.Depth == 8 {
							row, err := src.Row(plane, y)
							if err != nil {
								return err
							}
							inputs[i] = int64(row[x])
						} else {
							row, err := src.Row16(plane, y)
							if err != nil {
								return err
							}
							inputs[i] = int64(row[x])
						}
					}
					v := st.evaluate(inputs)
					if v < 0 {
						v = 0
					}
					if v > maxChannel {
						v = maxChannel
					}
					if dst.Depth == 8 {
						row, err := dst.Row(plane, y)
						if err != nil {
							return err
						}
						row[x] = byte(v)
					} else {
						row, err := dst.Row16(plane, y)
						if err != nil {
							return err
						}
						row[x] = uint16(v)
					}
				}
			}
		}
	}
	return nil
}
