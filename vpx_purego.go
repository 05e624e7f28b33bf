//go:build (darwin || linux) && !novpx

// VP8/VP9 support via libmedia_vpx, a thin primitive-only wrapper around
// libvpx, loaded at runtime with purego.
//
// Library locations checked (in order):
//   - MEDIA_VPX_LIB_PATH environment variable
//   - MEDIA_SDK_LIB_PATH environment variable
//   - next to the executable, then build/ffi under the module root
//   - System library paths

package transcode

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	mediaVPXOnce    sync.Once
	mediaVPXHandle  uintptr
	mediaVPXInitErr error
)

// libmedia_vpx function pointers
var (
	mediaVPXEncoderCreate        func(codec, width, height, fps, bitrateKbps, threads int32) uint64
	mediaVPXEncoderEncode        func(encoder uint64, yPlane, uPlane, vPlane uintptr, yStride, uvStride, forceKeyframe int32, outData uintptr, outCapacity int32, outFrameType, outPts uintptr) int32
	mediaVPXEncoderMaxOutputSize func(encoder uint64) int32
	mediaVPXEncoderRequestKF     func(encoder uint64)
	mediaVPXEncoderDestroy       func(encoder uint64)

	mediaVPXDecoderCreate   func(codec, threads int32) uint64
	mediaVPXDecoderDecodeV2 func(decoder uint64, data uintptr, dataLen int32, resultOut uintptr) int32
	mediaVPXDecoderDestroy  func(decoder uint64)

	mediaVPXGetError       func() uintptr
	mediaVPXCodecAvailable func(codec int32) int32
)

// mediaVPXDecodeResult matches media_vpx_decode_result_t in C.
// It must be heap-allocated for purego to work correctly on arm64.
type mediaVPXDecodeResult struct {
	YPtr     uint64
	UPtr     uint64
	VPtr     uint64
	YStride  int32
	UVStride int32
	Width    int32
	Height   int32
	Result   int32 // 1=decoded, 0=buffering, <0=error
	Reserved int32
}

// Constants from media_vpx.h
const (
	mediaVPXCodecVP8 = 0
	mediaVPXCodecVP9 = 1

	mediaVPXFrameKey = 0

	vpxThreads = 4
)

func loadMediaVPX() error {
	mediaVPXOnce.Do(func() {
		mediaVPXInitErr = loadMediaVPXLib()
	})
	return mediaVPXInitErr
}

func loadMediaVPXLib() error {
	var lastErr error
	for _, path := range nativeLibPaths("media_vpx", "MEDIA_VPX_LIB_PATH") {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		mediaVPXHandle = handle
		loadMediaVPXSymbols()
		return nil
	}

	if lastErr != nil {
		return fmt.Errorf("failed to load libmedia_vpx: %w", lastErr)
	}
	return errors.New("libmedia_vpx not found in any standard location")
}

func loadMediaVPXSymbols() {
	purego.RegisterLibFunc(&mediaVPXEncoderCreate, mediaVPXHandle, "media_vpx_encoder_create")
	purego.RegisterLibFunc(&mediaVPXEncoderEncode, mediaVPXHandle, "media_vpx_encoder_encode")
	purego.RegisterLibFunc(&mediaVPXEncoderMaxOutputSize, mediaVPXHandle, "media_vpx_encoder_max_output_size")
	purego.RegisterLibFunc(&mediaVPXEncoderRequestKF, mediaVPXHandle, "media_vpx_encoder_request_keyframe")
	purego.RegisterLibFunc(&mediaVPXEncoderDestroy, mediaVPXHandle, "media_vpx_encoder_destroy")

	purego.RegisterLibFunc(&mediaVPXDecoderCreate, mediaVPXHandle, "media_vpx_decoder_create")
	purego.RegisterLibFunc(&mediaVPXDecoderDecodeV2, mediaVPXHandle, "media_vpx_decoder_decode_v2")
	purego.RegisterLibFunc(&mediaVPXDecoderDestroy, mediaVPXHandle, "media_vpx_decoder_destroy")

	purego.RegisterLibFunc(&mediaVPXGetError, mediaVPXHandle, "media_vpx_get_error")
	purego.RegisterLibFunc(&mediaVPXCodecAvailable, mediaVPXHandle, "media_vpx_codec_available")
}

func getVPXError() string {
	ptr := mediaVPXGetError()
	if ptr == 0 {
		return "unknown error"
	}
	return cString(ptr)
}

func vpxCodecType(codec VideoCodec) (int32, bool) {
	switch codec {
	case VideoCodecVP8:
		return mediaVPXCodecVP8, true
	case VideoCodecVP9:
		return mediaVPXCodecVP9, true
	default:
		return 0, false
	}
}

// vpxCodecAvailable reports whether the loaded library was built with codec.
func vpxCodecAvailable(codec VideoCodec) error {
	if err := loadMediaVPX(); err != nil {
		return err
	}
	ct, ok := vpxCodecType(codec)
	if !ok {
		return fmt.Errorf("libvpx cannot handle %s", codec)
	}
	if mediaVPXCodecAvailable(ct) == 0 {
		return fmt.Errorf("libmedia_vpx built without %s", codec)
	}
	return nil
}

type vpxEncoder struct {
	mu sync.Mutex

	codec      VideoCodec
	config     EncoderConfig
	handle     uint64
	outputBuf  []byte
	closed     bool
	sentConfig bool

	keyframeReq atomic.Bool
}

func newVPXEncoder(codec VideoCodec) *vpxEncoder {
	return &vpxEncoder{codec: codec}
}

func (e *vpxEncoder) Configure(config EncoderConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrCoderClosed
	}
	if config.Codec != e.codec {
		return fmt.Errorf("%w: %s encoder cannot produce %s", ErrInvalidConfig, e.codec, config.Codec)
	}
	if err := config.Validate(); err != nil {
		return err
	}
	ct, _ := vpxCodecType(e.codec)

	// libmedia_vpx has no in-place resize; rebuild the context.
	if e.handle != 0 {
		mediaVPXEncoderDestroy(e.handle)
		e.handle = 0
	}

	bitrateKbps := config.Bitrate / 1000
	if bitrateKbps <= 0 {
		bitrateKbps = 1
	}
	handle := mediaVPXEncoderCreate(ct, int32(config.Width), int32(config.Height),
		int32(config.Framerate), int32(bitrateKbps), vpxThreads)
	if handle == 0 {
		return fmt.Errorf("failed to create %s encoder: %s", e.codec, getVPXError())
	}

	maxOutput := int(mediaVPXEncoderMaxOutputSize(handle))
	if maxOutput <= 0 {
		maxOutput = I420Size(config.Width, config.Height)
	}
	if cap(e.outputBuf) < maxOutput {
		e.outputBuf = make([]byte, maxOutput)
	}
	e.outputBuf = e.outputBuf[:maxOutput]

	e.handle = handle
	e.config = config
	e.sentConfig = false
	e.keyframeReq.Store(true)
	return nil
}

func (e *vpxEncoder) Encode(frame *VideoFrame) ([]EncodedOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrCoderClosed
	}
	if e.handle == 0 {
		return nil, ErrNotConfigured
	}
	if frame.Width != e.config.Width || frame.Height != e.config.Height {
		return nil, fmt.Errorf("frame %dx%d does not match configured %dx%d",
			frame.Width, frame.Height, e.config.Width, e.config.Height)
	}

	forceKeyframe := int32(0)
	if e.keyframeReq.Swap(false) {
		forceKeyframe = 1
	}

	var frameType int32
	var pts int64
	result := mediaVPXEncoderEncode(
		e.handle,
		uintptr(unsafe.Pointer(&frame.Data[0][0])),
		uintptr(unsafe.Pointer(&frame.Data[1][0])),
		uintptr(unsafe.Pointer(&frame.Data[2][0])),
		int32(frame.Stride[0]),
		int32(frame.Stride[1]),
		forceKeyframe,
		uintptr(unsafe.Pointer(&e.outputBuf[0])),
		int32(len(e.outputBuf)),
		uintptr(unsafe.Pointer(&frameType)),
		uintptr(unsafe.Pointer(&pts)),
	)
	runtime.KeepAlive(frame.Data)

	if result < 0 {
		return nil, fmt.Errorf("encode failed: %s", getVPXError())
	}
	if result == 0 {
		return nil, nil // Dropped by rate control
	}

	ft := FrameTypeDelta
	if frameType == mediaVPXFrameKey {
		ft = FrameTypeKey
	}
	data := make([]byte, result)
	copy(data, e.outputBuf[:result])

	duration := frame.Duration
	if duration <= 0 {
		duration = e.config.FrameDuration()
	}
	out := EncodedOutput{Chunk: &EncodedChunk{
		Type:      ft,
		Timestamp: frame.Timestamp,
		Duration:  duration,
		Data:      data,
	}}
	if !e.sentConfig {
		out.DecoderConfig = &DecoderConfig{
			Codec:       e.codec,
			CodedWidth:  e.config.Width,
			CodedHeight: e.config.Height,
		}
		e.sentConfig = true
	}
	return []EncodedOutput{out}, nil
}

// Flush returns nothing: the wrapper runs libvpx in realtime mode with no
// lookahead.
func (e *vpxEncoder) Flush() ([]EncodedOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrCoderClosed
	}
	return nil, nil
}

func (e *vpxEncoder) RequestKeyframe() {
	e.keyframeReq.Store(true)
}

func (e *vpxEncoder) Provider() Provider { return ProviderLibvpx }

func (e *vpxEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	if e.handle != 0 {
		mediaVPXEncoderDestroy(e.handle)
		e.handle = 0
	}
	return nil
}

type vpxDecoder struct {
	mu sync.Mutex

	codec  VideoCodec
	pool   *FramePool
	handle uint64
	closed bool

	// Heap-allocated result struct; purego has issues with output pointer
	// parameters on arm64.
	decodeResult *mediaVPXDecodeResult
}

func newVPXDecoder(codec VideoCodec, pool *FramePool) *vpxDecoder {
	if pool == nil {
		pool = NewFramePool()
	}
	return &vpxDecoder{codec: codec, pool: pool, decodeResult: &mediaVPXDecodeResult{}}
}

func (d *vpxDecoder) Configure(config DecoderConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrCoderClosed
	}
	if config.Codec != d.codec {
		return fmt.Errorf("%w: %s decoder cannot decode %s", ErrInvalidConfig, d.codec, config.Codec)
	}
	ct, _ := vpxCodecType(d.codec)

	if d.handle != 0 {
		mediaVPXDecoderDestroy(d.handle)
		d.handle = 0
	}
	handle := mediaVPXDecoderCreate(ct, vpxThreads)
	if handle == 0 {
		return fmt.Errorf("failed to create %s decoder: %s", d.codec, getVPXError())
	}
	d.handle = handle
	return nil
}

func (d *vpxDecoder) Decode(chunk *EncodedChunk) (*DecodedFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrCoderClosed
	}
	if d.handle == 0 {
		return nil, ErrNotConfigured
	}
	if len(chunk.Data) == 0 {
		return nil, fmt.Errorf("%w: empty chunk", ErrCorruptChunk)
	}

	out := d.decodeResult
	result := mediaVPXDecoderDecodeV2(
		d.handle,
		uintptr(unsafe.Pointer(&chunk.Data[0])),
		int32(len(chunk.Data)),
		uintptr(unsafe.Pointer(out)),
	)
	runtime.KeepAlive(chunk.Data)
	runtime.KeepAlive(out)

	if result < 0 {
		return nil, fmt.Errorf("decode failed: %s", getVPXError())
	}
	if result == 0 {
		return nil, nil // Buffering
	}

	w, h := int(out.Width), int(out.Height)
	if w <= 0 || h <= 0 || out.YPtr == 0 || out.YStride <= 0 || out.UVStride <= 0 {
		return nil, fmt.Errorf("invalid decoder output: stride=%d/%d, size=%dx%d",
			out.YStride, out.UVStride, w, h)
	}

	frame := d.pool.Get(w, h)
	uvW, uvH := w/2, h/2
	for row := 0; row < h; row++ {
		src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(out.YPtr)+uintptr(row*int(out.YStride)))), w)
		copy(frame.Data[0][row*w:row*w+w], src)
	}
	for row := 0; row < uvH; row++ {
		src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(out.UPtr)+uintptr(row*int(out.UVStride)))), uvW)
		copy(frame.Data[1][row*uvW:row*uvW+uvW], src)
	}
	for row := 0; row < uvH; row++ {
		src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(out.VPtr)+uintptr(row*int(out.UVStride)))), uvW)
		copy(frame.Data[2][row*uvW:row*uvW+uvW], src)
	}

	frame.Timestamp = chunk.Timestamp
	frame.Duration = chunk.Duration
	frame.TrackID = chunk.TrackID
	return frame, nil
}

func (d *vpxDecoder) Flush() ([]*DecodedFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrCoderClosed
	}
	return nil, nil
}

func (d *vpxDecoder) Provider() Provider { return ProviderLibvpx }

func (d *vpxDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	if d.handle != 0 {
		mediaVPXDecoderDestroy(d.handle)
		d.handle = 0
	}
	return nil
}

// Register VP8/VP9 encoders and decoders when libmedia_vpx is present.
func init() {
	if err := loadMediaVPX(); err != nil {
		return
	}

	for _, codec := range []VideoCodec{VideoCodecVP8, VideoCodecVP9} {
		if vpxCodecAvailable(codec) != nil {
			continue
		}
		setProviderAvailable(ProviderLibvpx)

		codec := codec
		DefaultRegistry.RegisterEncoder(codec, ProviderLibvpx, EncoderFactory{
			Supported: func(EncoderConfig) error { return vpxCodecAvailable(codec) },
			New:       func(*FramePool) (VideoEncoder, error) { return newVPXEncoder(codec), nil },
		})
		DefaultRegistry.RegisterDecoder(codec, ProviderLibvpx, DecoderFactory{
			Supported: func(DecoderConfig) error { return vpxCodecAvailable(codec) },
			New:       func(pool *FramePool) (VideoDecoder, error) { return newVPXDecoder(codec, pool), nil },
		})
	}
}
