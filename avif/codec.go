package avif

import "sync"

// CodecChoice selects which external codec implementation to use.
type CodecChoice int

const (
	CodecChoiceAuto CodecChoice = iota
	CodecChoiceDav1d
	CodecChoiceLibgav1
	CodecChoiceAom
	CodecChoiceRav1e
	CodecChoiceSvt
	CodecChoiceAvm
)

func (c CodecChoice) String() string {
	switch c {
	case CodecChoiceDav1d:
		return "dav1d"
	case CodecChoiceLibgav1:
		return "libgav1"
	case CodecChoiceAom:
		return "aom"
	case CodecChoiceRav1e:
		return "rav1e"
	case CodecChoiceSvt:
		return "svt"
	case CodecChoiceAvm:
		return "avm"
	}
	return "auto"
}

// DecoderConfig parameterizes one codec instance. One instance serves one
// tile column (or the whole image when tiles share configuration).
type DecoderConfig struct {
	OperatingPoint uint8
	AllLayers      bool
	Width          uint32
	Height         uint32
	Depth          uint8
	MaxThreads     int
	ImageSizeLimit uint32
	MaxInputSize   uint64
	CodecConfig    CodecConfiguration
	Category       Category
}

// Codec is the capability set of an external still-image decoder:
// initialize once, submit coded bytes, harvest frames, flush on seek,
// destroy at the end.
type Codec interface {
	Initialize(config *DecoderConfig) error

	// Submit feeds one sample's OBUs. spatialID filters layered streams;
	// 0xff disables filtering.
	Submit(payload []byte, spatialID uint8) error

	// NextFrame populates img with the next decoded frame's planes. The
	// planes may be borrowed from the codec's internal buffer; they stay
	// valid until the next Submit/NextFrame/Flush/Close on this codec.
	NextFrame(img *Image) error

	Flush() error
	Close()
}

// EncoderCodec is the encoder-side counterpart.
type EncoderCodec interface {
	// EncodeImage encodes one frame of the given category and returns the
	// coded OBU payload.
	EncodeImage(config *EncoderSettings, img *Image, category Category, forceKeyframe bool, extraLayerCount int) ([]byte, error)
	Close()
}

type (
	// CodecFactory creates a decoder instance, or fails with a reason the
	// registry maps to NoCodecAvailable.
	CodecFactory func() (Codec, error)
	// EncoderFactory creates an encoder instance.
	EncoderFactory func() (EncoderCodec, error)
)

var codecRegistry = struct {
	sync.RWMutex
	decoders map[CodecChoice]CodecFactory
	encoders map[CodecChoice]EncoderFactory
}{
	decoders: map[CodecChoice]CodecFactory{},
	encoders: map[CodecChoice]EncoderFactory{},
}

// RegisterCodec installs a decoder factory for a choice. Codec packages
// call this from init; the registry is effectively read-only afterwards.
func RegisterCodec(choice CodecChoice, factory CodecFactory) {
	codecRegistry.Lock()
	defer codecRegistry.Unlock()
	codecRegistry.decoders[choice] = factory
}

// RegisterEncoderCodec installs an encoder factory for a choice.
func RegisterEncoderCodec(choice CodecChoice, factory EncoderFactory) {
	codecRegistry.Lock()
	defer codecRegistry.Unlock()
	codecRegistry.encoders[choice] = factory
}

// decoder resolution order for CodecChoiceAuto.
var autoDecoderOrder = []CodecChoice{CodecChoiceDav1d, CodecChoiceLibgav1, CodecChoiceAvm}

func resolveDecoderCodec(choice CodecChoice, isAVIF bool) (Codec, error) {
	codecRegistry.RLock()
	defer codecRegistry.RUnlock()
	if choice == CodecChoiceAuto {
		for _, candidate := range autoDecoderOrder {
			factory, ok := codecRegistry.decoders[candidate]
			if !ok {
				continue
			}
			codec, err := factory()
			if err == nil {
				return codec, nil
			}
		}
		return nil, ErrNoCodecAvailable
	}
	if !isAVIF && choice != CodecChoiceAuto {
		// Only auto resolution may pick an HEVC-capable codec.
		return nil, ErrNoCodecAvailable
	}
	factory, ok := codecRegistry.decoders[choice]
	if !ok {
		return nil, ErrNoCodecAvailable
	}
	codec, err := factory()
	if err != nil {
		return nil, ErrNoCodecAvailable
	}
	return codec, nil
}

var autoEncoderOrder = []CodecChoice{CodecChoiceAom, CodecChoiceRav1e, CodecChoiceSvt}

func resolveEncoderCodec(choice CodecChoice) (EncoderCodec, error) {
	codecRegistry.RLock()
	defer codecRegistry.RUnlock()
	if choice == CodecChoiceAuto {
		for _, candidate := range autoEncoderOrder {
			factory, ok := codecRegistry.encoders[candidate]
			if !ok {
				continue
			}
			codec, err := factory()
			if err == nil {
				return codec, nil
			}
		}
		return nil, ErrNoCodecAvailable
	}
	factory, ok := codecRegistry.encoders[choice]
	if !ok {
		return nil, ErrNoCodecAvailable
	}
	codec, err := factory()
	if err != nil {
		return nil, ErrNoCodecAvailable
	}
	return codec, nil
}
