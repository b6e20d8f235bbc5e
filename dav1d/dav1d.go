// Package dav1d adapts libdav1d as a decode codec for the avif package.
// The library is loaded at runtime with purego, so builds stay cgo-free
// and a missing library surfaces as NoCodecAvailable instead of a link
// failure.
package dav1d

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/webmproject/goavif/avif"
)

const (
	errAgain = -11 // DAV1D_ERR(EAGAIN)

	pixelLayoutI400 = 0
	pixelLayoutI420 = 1
	pixelLayoutI422 = 2
	pixelLayoutI444 = 3
)

// dav1dSettings mirrors struct Dav1dSettings of dav1d 1.x.
type dav1dSettings struct {
	NThreads              int32
	MaxFrameDelay         int32
	ApplyGrain            int32
	OperatingPoint        int32
	AllLayers             int32
	FrameSizeLimit        uint32
	AllocCookie           uintptr
	AllocPicture          uintptr
	ReleasePicture        uintptr
	LoggerCookie          uintptr
	LoggerCallback        uintptr
	StrictStdCompliance   int32
	OutputInvisibleFrames int32
	InloopFilters         int32
	DecodeFrameType       int32
	Reserved              [16]uint8
}

type dav1dDataProps struct {
	Timestamp int64
	Duration  int64
	Offset    int64
	Size      uintptr
	UserData  [2]uintptr
	Reserved  [4]uintptr
}

type dav1dData struct {
	Data  uintptr
	Size  uintptr
	Ref   uintptr
	Props dav1dDataProps
}

type dav1dPictureParameters struct {
	W      int32
	H      int32
	Layout int32
	Bpc    int32
}

type dav1dPicture struct {
	SeqHdr           uintptr
	FrameHdr         uintptr
	Data             [3]uintptr
	Stride           [2]uintptr
	P                dav1dPictureParameters
	Props            dav1dDataProps
	ContentLight     uintptr
	MasteringDisplay uintptr
	ItutT35          uintptr
	NItutT35         uintptr
	Reserved         [4]uintptr
	FrameHdrRef      uintptr
	SeqHdrRef        uintptr
	ContentLightRef  uintptr
	MasteringRef     uintptr
	ItutT35Ref       uintptr
	ReservedRef      [4]uintptr
	Ref              uintptr
	AllocatorData    uintptr
}

var (
	loadOnce sync.Once
	loadErr  error

	dav1dDefaultSettings func(settings *dav1dSettings)
	dav1dOpen            func(ctx *uintptr, settings *dav1dSettings) int32
	dav1dClose           func(ctx *uintptr)
	dav1dFlush           func(ctx uintptr)
	dav1dDataCreate      func(data *dav1dData, size uintptr) uintptr
	dav1dDataUnref       func(data *dav1dData)
	dav1dSendData        func(ctx uintptr, data *dav1dData) int32
	dav1dGetPicture      func(ctx uintptr, picture *dav1dPicture) int32
	dav1dPictureUnref    func(picture *dav1dPicture)
)

func libraryPaths() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"libdav1d.dylib", "libdav1d.7.dylib", "libdav1d.6.dylib"}
	case "windows":
		return []string{"libdav1d.dll", "dav1d.dll"}
	default:
		return []string{"libdav1d.so", "libdav1d.so.7", "libdav1d.so.6"}
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
			loadErr = fmt.Errorf("dav1d: unable to load libdav1d: %v", err)
			return
		}
		purego.RegisterLibFunc(&dav1dDefaultSettings, handle, "dav1d_default_settings")
		purego.RegisterLibFunc(&dav1dOpen, handle, "dav1d_open")
		purego.RegisterLibFunc(&dav1dClose, handle, "dav1d_close")
		purego.RegisterLibFunc(&dav1dFlush, handle, "dav1d_flush")
		purego.RegisterLibFunc(&dav1dDataCreate, handle, "dav1d_data_create")
		purego.RegisterLibFunc(&dav1dDataUnref, handle, "dav1d_data_unref")
		purego.RegisterLibFunc(&dav1dSendData, handle, "dav1d_send_data")
		purego.RegisterLibFunc(&dav1dGetPicture, handle, "dav1d_get_picture")
		purego.RegisterLibFunc(&dav1dPictureUnref, handle, "dav1d_picture_unref")
	})
	return loadErr
}

// Codec wraps one dav1d decoder instance. The avif decoder controller
// owns the instance-to-tile-column mapping.
type Codec struct {
	ctx        uintptr
	config     *avif.DecoderConfig
	picture    dav1dPicture
	hasPicture bool
}

// New loads libdav1d if necessary and returns an uninitialized codec.
func New() (*Codec, error) {
	if err := load(); err != nil {
		return nil, err
	}
	return &Codec{}, nil
}

// Initialize opens the decoder context with the tile's configuration.
func (c *Codec) Initialize(config *avif.DecoderConfig) error {
	var settings dav1dSettings
	dav1dDefaultSettings(&settings)
	threads := config.MaxThreads
	if threads < 1 {
		threads = 1
	}
	settings.NThreads = int32(threads)
	settings.MaxFrameDelay = 1
	settings.OperatingPoint = int32(config.OperatingPoint)
	if config.AllLayers {
		settings.AllLayers = 1
	} else {
		settings.AllLayers = 0
	}
	if config.ImageSizeLimit > 0 {
		settings.FrameSizeLimit = config.ImageSizeLimit
	}
	if ret := dav1dOpen(&c.ctx, &settings); ret < 0 {
		return fmt.Errorf("dav1d: dav1d_open failed: %d", ret)
	}
	c.config = config
	return nil
}

func (c *Codec) dropPicture() {
	if c.hasPicture {
		dav1dPictureUnref(&c.picture)
		c.hasPicture = false
	}
}

// Submit feeds one sample's OBUs, draining intermediate pictures when
// the decoder back-pressures.
func (c *Codec) Submit(payload []byte, spatialID uint8) error {
	if len(payload) == 0 {
		return fmt.Errorf("dav1d: empty payload")
	}
	c.dropPicture()
	var data dav1dData
	ptr := dav1dDataCreate(&data, uintptr(len(payload)))
	if ptr == 0 {
		return fmt.Errorf("dav1d: dav1d_data_create failed")
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(ptr)), len(payload)), payload)
	for {
		ret := dav1dSendData(c.ctx, &data)
		if ret == 0 {
			break
		}
		if ret == errAgain {
			// The decoder wants pictures drained before taking more data.
			var tmp dav1dPicture
			picRet := dav1dGetPicture(c.ctx, &tmp)
			if picRet == 0 {
				dav1dPictureUnref(&tmp)
				continue
			}
			if picRet != errAgain {
				dav1dDataUnref(&data)
				return fmt.Errorf("dav1d: intermediate get_picture failed: %d", picRet)
			}
			continue
		}
		dav1dDataUnref(&data)
		return fmt.Errorf("dav1d: send_data failed: %d", ret)
	}
	dav1dDataUnref(&data)
	return nil
}

// NextFrame harvests the next decoded picture and installs its planes
// into img as borrowed views. The planes stay valid until the next call
// on this codec.
func (c *Codec) NextFrame(img *avif.Image) error {
	c.dropPicture()
	const maxRetries = 16
	for i := 0; i < maxRetries; i++ {
		ret := dav1dGetPicture(c.ctx, &c.picture)
		if ret == 0 {
			c.hasPicture = true
			break
		}
		if ret != errAgain {
			return fmt.Errorf("dav1d: get_picture failed: %d", ret)
		}
	}
	if !c.hasPicture {
		return fmt.Errorf("dav1d: no picture available")
	}
	return c.installPicture(img)
}

func (c *Codec) installPicture(img *avif.Image) error {
	p := &c.picture
	img.Width = uint32(p.P.W)
	img.Height = uint32(p.P.H)
	img.Depth = uint8(p.P.Bpc)
	switch p.P.Layout {
	case pixelLayoutI400:
		img.YuvFormat = avif.PixelFormatYuv400
	case pixelLayoutI420:
		img.YuvFormat = avif.PixelFormatYuv420
	case pixelLayoutI422:
		img.YuvFormat = avif.PixelFormatYuv422
	case pixelLayoutI444:
		img.YuvFormat = avif.PixelFormatYuv444
	default:
		return fmt.Errorf("dav1d: unsupported pixel layout %d", p.P.Layout)
	}
	if c.config != nil && c.config.CodecConfig != nil {
		img.ChromaSamplePosition = c.config.CodecConfig.ChromaSamplePosition()
	}
	// Colorimetry travels through the container's colr (or the sequence
	// header harvested at parse time); only the planes are taken here.
	if c.config.Category == avif.CategoryAlpha {
		c.installPlane(img, avif.PlaneA, p.Data[0], p.Stride[0], img.Height)
		return nil
	}
	c.installPlane(img, avif.PlaneY, p.Data[0], p.Stride[0], img.Height)
	if img.YuvFormat != avif.PixelFormatYuv400 {
		chromaHeight := (img.Height + img.YuvFormat.ChromaShiftY()) >> img.YuvFormat.ChromaShiftY()
		c.installPlane(img, avif.PlaneU, p.Data[1], p.Stride[1], chromaHeight)
		c.installPlane(img, avif.PlaneV, p.Data[2], p.Stride[1], chromaHeight)
	}
	return nil
}

func (c *Codec) installPlane(img *avif.Image, plane avif.Plane, data uintptr, stride uintptr, rows uint32) {
	if data == 0 || rows == 0 {
		return
	}
	total := int(stride) * int(rows)
	if img.Depth == 8 {
		img.SetPlaneBorrowed(plane, unsafe.Slice((*byte)(unsafe.Pointer(data)), total), nil, uint32(stride))
	} else {
		img.SetPlaneBorrowed(plane, nil, unsafe.Slice((*uint16)(unsafe.Pointer(data)), total/2), uint32(stride))
	}
}

// Flush drops buffered frames, for keyframe seeks.
func (c *Codec) Flush() error {
	c.dropPicture()
	if c.ctx != 0 {
		dav1dFlush(c.ctx)
	}
	return nil
}

// Close releases the decoder context.
func (c *Codec) Close() {
	c.dropPicture()
	if c.ctx != 0 {
		dav1dClose(&c.ctx)
		c.ctx = 0
	}
}

func init() {
	avif.RegisterCodec(avif.CodecChoiceDav1d, func() (avif.Codec, error) {
		return New()
	})
}
