// Package aom adapts libaom as an encode codec for the avif package,
// loaded at runtime with purego.
package aom

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/webmproject/goavif/avif"
)

const (
	aomCodecOK = 0

	aomUsageGoodQuality = 0

	aomImgFmtHighbitdepth = 0x800
	aomImgFmtI420         = 0x102
	aomImgFmtI422         = 0x105
	aomImgFmtI444         = 0x106
	aomImgFmtI42016       = aomImgFmtI420 | aomImgFmtHighbitdepth
	aomImgFmtI42216       = aomImgFmtI422 | aomImgFmtHighbitdepth
	aomImgFmtI44416       = aomImgFmtI444 | aomImgFmtHighbitdepth

	aomCodecCxFramePkt = 0

	aomEflagForceKF = 1 << 0

	// Control ids used below (aomcx.h / aom_encoder.h).
	ctrlAomeSetCpuUsed    = 13
	ctrlAomeSetCQLevel    = 12
	ctrlAv1eSetTileCols   = 34
	ctrlAv1eSetTileRows   = 35
	ctrlAv1eSetLossless   = 36
	ctrlAv1eSetMonochrome = 50

	encoderABIVersion = 27 + 8 // AOM_ENCODER_ABI_VERSION
)

// aomImage mirrors the head of aom_image_t; the trailing private fields
// stay behind the padding.
type aomImage struct {
	Fmt          int32
	Cp           int32
	Tc           int32
	Mc           int32
	Monochrome   int32
	Csp          int32
	Range        int32
	W            uint32
	H            uint32
	BitDepth     uint32
	DW           uint32
	DH           uint32
	RW           uint32
	RH           uint32
	XChromaShift uint32
	YChromaShift uint32
	Planes       [3]uintptr
	Stride       [3]int32
	Bps          int32
	TemporalID   uint32
	SpatialID    uint32
	UserPriv     uintptr
	ImgData      uintptr
	ImgDataOwner int32
	SelfAllocd   int32
	FbPriv       uintptr
	Metadata     uintptr
}

// aomCodecEncCfg mirrors aom_codec_enc_cfg_t far enough to set the
// fields the encoder path needs; the remainder is reserved space.
type aomCodecEncCfg struct {
	GUsage                  uint32
	GThreads                uint32
	GProfile                uint32
	GW                      uint32
	GH                      uint32
	GLimit                  uint32
	GForcedMaxFrameWidth    uint32
	GForcedMaxFrameHeight   uint32
	GBitDepth               uint32
	GInputBitDepth          uint32
	GTimebaseNum            int32
	GTimebaseDen            int32
	GErrorResilient         uint32
	GPass                   int32
	GLagInFrames            uint32
	RcDropframeThresh       uint32
	RcResizeMode            uint32
	RcResizeDenominator     uint32
	RcResizeKfDenominator   uint32
	RcSuperresMode          uint32
	RcSuperresDenominator   uint32
	RcSuperresKfDenominator uint32
	RcSuperresQthresh       uint32
	RcSuperresKfQthresh     uint32
	RcEndUsage              uint32
	RcTwopassStatsIn        [2]uintptr
	RcFirstpassMbStatsIn    [2]uintptr
	RcTargetBitrate         uint32
	RcMinQuantizer          uint32
	RcMaxQuantizer          uint32
	RcUndershootPct         uint32
	RcOvershootPct          uint32
	RcBufSz                 uint32
	RcBufInitialSz          uint32
	RcBufOptimalSz          uint32
	Rc2PassVbrBiasPct       uint32
	Rc2PassVbrMinsectionPct uint32
	Rc2PassVbrMaxsectionPct uint32
	FwdKfEnabled            uint32
	KfMode                  uint32
	KfMinDist               uint32
	KfMaxDist               uint32
	SFrameDist              uint32
	SFrameMode              uint32
	Reserved                [128]byte
}

type aomCodecCxPkt struct {
	Kind int32
	_    [4]byte
	Buf  uintptr
	Sz   uintptr
	Rest [128]byte
}

type aomCodecCtx struct {
	Name      uintptr
	Iface     uintptr
	Err       int32
	_         [4]byte
	ErrDetail uintptr
	InitFlags int64
	Config    uintptr
	Priv      uintptr
}

var (
	loadOnce sync.Once
	loadErr  error

	aomCodecAv1Cx            func() uintptr
	aomCodecEncConfigDefault func(iface uintptr, cfg *aomCodecEncCfg, usage uint32) int32
	aomCodecEncInitVer       func(ctx *aomCodecCtx, iface uintptr, cfg *aomCodecEncCfg, flags int64, abi int32) int32
	aomCodecDestroy          func(ctx *aomCodecCtx) int32
	aomCodecControl          func(ctx *aomCodecCtx, ctrlID int32, arg int32) int32
	aomCodecEncode           func(ctx *aomCodecCtx, img *aomImage, pts int64, duration uint64, flags int64) int32
	aomCodecGetCxData        func(ctx *aomCodecCtx, iter *uintptr) uintptr
	aomImgAlloc              func(img *aomImage, fmt int32, w, h, align uint32) uintptr
	aomImgFree               func(img *aomImage)
)

func cxDataPacket(ptr uintptr) *aomCodecCxPkt {
	if ptr == 0 {
		return nil
	}
	return (*aomCodecCxPkt)(unsafe.Pointer(ptr))
}

func libraryPaths() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"libaom.dylib", "libaom.3.dylib"}
	case "windows":
		return []string{"libaom.dll", "aom.dll"}
	default:
		return []string{"libaom.so", "libaom.so.3"}
	}
}

func load() error {
	loadOnce.Do(func() {
		var handle uintptr
		var err error
		for _, path := range libraryPaths() {
			handle, err = purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
			if err == nil && handle != 0 {
				break
			}
		}
		if handle == 0 {
			loadErr = fmt.Errorf("aom: unable to load libaom: %v", err)
			return
		}
		purego.RegisterLibFunc(&aomCodecAv1Cx, handle, "aom_codec_av1_cx")
		purego.RegisterLibFunc(&aomCodecEncConfigDefault, handle, "aom_codec_enc_config_default")
		purego.RegisterLibFunc(&aomCodecEncInitVer, handle, "aom_codec_enc_init_ver")
		purego.RegisterLibFunc(&aomCodecDestroy, handle, "aom_codec_destroy")
		purego.RegisterLibFunc(&aomCodecControl, handle, "aom_codec_control")
		purego.RegisterLibFunc(&aomCodecEncode, handle, "aom_codec_encode")
		purego.RegisterLibFunc(&aomCodecGetCxData, handle, "aom_codec_get_cx_data")
		purego.RegisterLibFunc(&aomImgAlloc, handle, "aom_img_alloc")
		purego.RegisterLibFunc(&aomImgFree, handle, "aom_img_free")
	})
	return loadErr
}

// Codec wraps a per-plane-class libaom encoder. The context is created on
// the first EncodeImage call and reused by every later call until Close,
// so the frames of a sequence and the cells of a grid share it.
type Codec struct {
	ctx         aomCodecCtx
	initialized bool
	frameIndex  int64
}

// New loads libaom if necessary and returns an idle encoder.
func New() (*Codec, error) {
	if err := load(); err != nil {
		return nil, err
	}
	return &Codec{}, nil
}

func imageFormat(img *avif.Image, category avif.Category) int32 {
	var format int32
	switch img.YuvFormat {
	case avif.PixelFormatYuv422:
		format = aomImgFmtI422
	case avif.PixelFormatYuv444:
		format = aomImgFmtI444
	default:
		// 4:0:0 rides in a 4:2:0 buffer with monochrome set.
		format = aomImgFmtI420
	}
	if category == avif.CategoryAlpha {
		format = aomImgFmtI420
	}
	if img.Depth > 8 {
		format |= aomImgFmtHighbitdepth
	}
	return format
}

func quantizersForQuality(quality int) (minQ, maxQ uint32) {
	// Map 0..100 quality onto the 63..0 quantizer scale.
	if quality >= 100 {
		return 0, 0 // lossless
	}
	q := uint32((100 - quality) * 63 / 100)
	minQ = 0
	if q > 4 {
		minQ = q - 4
	}
	maxQ = q + 4
	if maxQ > 63 {
		maxQ = 63
	}
	return minQ, maxQ
}

func (c *Codec) initialize(settings *avif.EncoderSettings, img *avif.Image, category avif.Category) error {
	iface := aomCodecAv1Cx()
	if iface == 0 {
		return fmt.Errorf("aom: av1 encoder interface unavailable")
	}
	var cfg aomCodecEncCfg
	if ret := aomCodecEncConfigDefault(iface, &cfg, aomUsageGoodQuality); ret != aomCodecOK {
		return fmt.Errorf("aom: enc_config_default failed: %d", ret)
	}
	cfg.GW = img.Width
	cfg.GH = img.Height
	cfg.GBitDepth = uint32(img.Depth)
	cfg.GInputBitDepth = uint32(img.Depth)
	cfg.GTimebaseNum = 1
	cfg.GTimebaseDen = 30
	cfg.GLagInFrames = 0
	threads := settings.MaxThreads
	if threads < 1 {
		threads = 1
	}
	cfg.GThreads = uint32(threads)
	switch {
	case img.Depth == 12 || img.YuvFormat == avif.PixelFormatYuv422:
		cfg.GProfile = 2
	case img.YuvFormat == avif.PixelFormatYuv444 && category != avif.CategoryAlpha:
		cfg.GProfile = 1
	default:
		cfg.GProfile = 0
	}
	quality := settings.Quality
	minQ := uint32(settings.MinQuantizer)
	maxQ := uint32(settings.MaxQuantizer)
	if category == avif.CategoryAlpha {
		quality = settings.QualityAlpha
		minQ = uint32(settings.MinQuantizerAlpha)
		maxQ = uint32(settings.MaxQuantizerAlpha)
	} else if category == avif.CategoryGainmap {
		quality = settings.QualityGainMap
	}
	if minQ == 0 && maxQ == 63 {
		minQ, maxQ = quantizersForQuality(quality)
	}
	cfg.RcMinQuantizer = minQ
	cfg.RcMaxQuantizer = maxQ
	var initFlags int64
	if img.Depth > 8 {
		initFlags |= 0x8 // AOM_CODEC_USE_HIGHBITDEPTH
	}
	if ret := aomCodecEncInitVer(&c.ctx, iface, &cfg, initFlags, encoderABIVersion); ret != aomCodecOK {
		return fmt.Errorf("aom: enc_init failed: %d", ret)
	}
	aomCodecControl(&c.ctx, ctrlAomeSetCpuUsed, int32(settings.Speed))
	if quality >= 100 {
		aomCodecControl(&c.ctx, ctrlAv1eSetLossless, 1)
	}
	if !settings.AutoTiling {
		aomCodecControl(&c.ctx, ctrlAv1eSetTileRows, int32(settings.TileRowsLog2))
		aomCodecControl(&c.ctx, ctrlAv1eSetTileCols, int32(settings.TileColsLog2))
	}
	if category == avif.CategoryAlpha || img.YuvFormat == avif.PixelFormatYuv400 {
		aomCodecControl(&c.ctx, ctrlAv1eSetMonochrome, 1)
	}
	c.initialized = true
	return nil
}

func fillAomImage(dst *aomImage, img *avif.Image, category avif.Category) error {
	planes := []avif.Plane{avif.PlaneY, avif.PlaneU, avif.PlaneV}
	if category == avif.CategoryAlpha {
		planes = []avif.Plane{avif.PlaneA}
	}
	for i, plane := range planes {
		if !img.HasPlane(plane) {
			continue
		}
		height := img.PlaneHeight(plane)
		width := img.PlaneWidth(plane)
		stride := int(dst.Stride[i])
		base := dst.Planes[i]
		for y := uint32(0); y < height; y++ {
			if img.Depth == 8 {
				row, err := img.Row(plane, y)
				if err != nil {
					return err
				}
				dstRow := unsafe.Slice((*byte)(unsafe.Pointer(base+uintptr(int(y)*stride))), width)
				copy(dstRow, row[:width])
			} else {
				row, err := img.Row16(plane, y)
				if err != nil {
					return err
				}
				dstRow := unsafe.Slice((*uint16)(unsafe.Pointer(base+uintptr(int(y)*stride))), width)
				copy(dstRow, row[:width])
			}
		}
	}
	return nil
}

// EncodeImage encodes one frame and returns its OBU payload.
func (c *Codec) EncodeImage(settings *avif.EncoderSettings, img *avif.Image, category avif.Category, forceKeyframe bool, extraLayerCount int) ([]byte, error) {
	if extraLayerCount > 0 {
		// Layered encoding is not wired through this binding.
		return nil, fmt.Errorf("aom: layered encoding unsupported")
	}
	if !c.initialized {
		if err := c.initialize(settings, img, category); err != nil {
			return nil, err
		}
	}
	var raw aomImage
	allocatedPtr := aomImgAlloc(&raw, imageFormat(img, category), img.Width, img.Height, 16)
	allocated := (*aomImage)(unsafe.Pointer(allocatedPtr))
	if allocated == nil {
		return nil, fmt.Errorf("aom: img_alloc failed")
	}
	defer aomImgFree(allocated)
	allocated.BitDepth = uint32(img.Depth)
	if err := fillAomImage(allocated, img, category); err != nil {
		return nil, err
	}
	var flags int64
	if forceKeyframe {
		flags |= aomEflagForceKF
	}
	if ret := aomCodecEncode(&c.ctx, allocated, c.frameIndex, 1, flags); ret != aomCodecOK {
		return nil, fmt.Errorf("aom: encode failed: %d", ret)
	}
	c.frameIndex++
	var payload []byte
	var iter uintptr
	for {
		pkt := cxDataPacket(aomCodecGetCxData(&c.ctx, &iter))
		if pkt == nil {
			break
		}
		if pkt.Kind != aomCodecCxFramePkt {
			continue
		}
		payload = append(payload, unsafe.Slice((*byte)(unsafe.Pointer(pkt.Buf)), pkt.Sz)...)
	}
	if len(payload) == 0 {
		// Flush to drain the last frame.
		if ret := aomCodecEncode(&c.ctx, nil, c.frameIndex, 1, 0); ret != aomCodecOK {
			return nil, fmt.Errorf("aom: flush failed: %d", ret)
		}
		iter = 0
		for {
			pkt := cxDataPacket(aomCodecGetCxData(&c.ctx, &iter))
			if pkt == nil {
				break
			}
			if pkt.Kind != aomCodecCxFramePkt {
				continue
			}
			payload = append(payload, unsafe.Slice((*byte)(unsafe.Pointer(pkt.Buf)), pkt.Sz)...)
		}
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("aom: encoder produced no output")
	}
	return payload, nil
}

// Close destroys the encoder context.
func (c *Codec) Close() {
	if c.initialized {
		aomCodecDestroy(&c.ctx)
		c.initialized = false
	}
}

func init() {
	avif.RegisterEncoderCodec(avif.CodecChoiceAom, func() (avif.EncoderCodec, error) {
		return New()
	})
}
