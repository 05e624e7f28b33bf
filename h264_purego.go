//go:build (darwin || linux) && !noh264

// H.264 support via libmedia_h264, which wraps x264 for encoding and
// OpenH264 for decoding, loaded at runtime with purego. Both sides speak
// Annex B; AVC (length-prefixed) input is rewritten using the avcC record
// from DecoderConfig.Description.
//
// Library locations checked (in order):
//   - MEDIA_H264_LIB_PATH environment variable
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
	mediaH264Once    sync.Once
	mediaH264Handle  uintptr
	mediaH264InitErr error
)

// libmedia_h264 function pointers
var (
	mediaH264EncoderCreate        func(width, height, fps, bitrateKbps, profile, threads int32) uint64
	mediaH264EncoderEncode        func(encoder uint64, yPlane, uPlane, vPlane uintptr, yStride, uvStride, forceKeyframe int32, outData uintptr, outCapacity int32, outFrameType, outPts, outDts uintptr) int32
	mediaH264EncoderMaxOutputSize func(encoder uint64) int32
	mediaH264EncoderDestroy       func(encoder uint64)

	mediaH264DecoderCreate  func(threads int32) uint64
	mediaH264DecoderDecode  func(decoder uint64, data uintptr, dataLen int32, outY, outU, outV, outYStride, outUVStride, outWidth, outHeight uintptr) int32
	mediaH264DecoderDestroy func(decoder uint64)

	mediaH264GetError         func() uintptr
	mediaH264EncoderAvailable func() int32
	mediaH264DecoderAvailable func() int32
)

// mediaH264DecodeResult holds the decoder's output parameters.
// It must be heap-allocated for purego to work correctly on arm64.
type mediaH264DecodeResult struct {
	YPtr     uintptr
	UPtr     uintptr
	VPtr     uintptr
	YStride  int32
	UVStride int32
	Width    int32
	Height   int32
}

// Constants from media_h264.h
const (
	mediaH264ProfileBaseline = 66

	mediaH264FrameI   = 0
	mediaH264FrameIDR = 3

	h264Threads = 2
)

func loadMediaH264() error {
	mediaH264Once.Do(func() {
		mediaH264InitErr = loadMediaH264Lib()
	})
	return mediaH264InitErr
}

func loadMediaH264Lib() error {
	var lastErr error
	for _, path := range nativeLibPaths("media_h264", "MEDIA_H264_LIB_PATH") {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		mediaH264Handle = handle
		loadMediaH264Symbols()
		return nil
	}

	if lastErr != nil {
		return fmt.Errorf("failed to load libmedia_h264: %w", lastErr)
	}
	return errors.New("libmedia_h264 not found in any standard location")
}

func loadMediaH264Symbols() {
	purego.RegisterLibFunc(&mediaH264EncoderCreate, mediaH264Handle, "media_h264_encoder_create")
	purego.RegisterLibFunc(&mediaH264EncoderEncode, mediaH264Handle, "media_h264_encoder_encode")
	purego.RegisterLibFunc(&mediaH264EncoderMaxOutputSize, mediaH264Handle, "media_h264_encoder_max_output_size")
	purego.RegisterLibFunc(&mediaH264EncoderDestroy, mediaH264Handle, "media_h264_encoder_destroy")

	purego.RegisterLibFunc(&mediaH264DecoderCreate, mediaH264Handle, "media_h264_decoder_create")
	purego.RegisterLibFunc(&mediaH264DecoderDecode, mediaH264Handle, "media_h264_decoder_decode")
	purego.RegisterLibFunc(&mediaH264DecoderDestroy, mediaH264Handle, "media_h264_decoder_destroy")

	purego.RegisterLibFunc(&mediaH264GetError, mediaH264Handle, "media_h264_get_error")
	purego.RegisterLibFunc(&mediaH264EncoderAvailable, mediaH264Handle, "media_h264_encoder_available")
	purego.RegisterLibFunc(&mediaH264DecoderAvailable, mediaH264Handle, "media_h264_decoder_available")
}

func getH264Error() string {
	ptr := mediaH264GetError()
	if ptr == 0 {
		return "unknown error"
	}
	return cString(ptr)
}

type h264Encoder struct {
	mu sync.Mutex

	config     EncoderConfig
	handle     uint64
	outputBuf  []byte
	closed     bool
	sentConfig bool

	keyframeReq atomic.Bool
}

func (e *h264Encoder) Configure(config EncoderConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrCoderClosed
	}
	if err := h264EncoderSupported(config); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if e.handle != 0 {
		mediaH264EncoderDestroy(e.handle)
		e.handle = 0
	}

	bitrateKbps := config.Bitrate / 1000
	if bitrateKbps <= 0 {
		bitrateKbps = 1
	}
	handle := mediaH264EncoderCreate(int32(config.Width), int32(config.Height),
		int32(config.Framerate), int32(bitrateKbps), mediaH264ProfileBaseline, h264Threads)
	if handle == 0 {
		return fmt.Errorf("failed to create H264 encoder: %s", getH264Error())
	}

	maxOutput := int(mediaH264EncoderMaxOutputSize(handle))
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

func (e *h264Encoder) Encode(frame *VideoFrame) ([]EncodedOutput, error) {
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
	var pts, dts int64
	result := mediaH264EncoderEncode(
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
		uintptr(unsafe.Pointer(&dts)),
	)
	runtime.KeepAlive(frame.Data)

	if result < 0 {
		return nil, fmt.Errorf("encode failed: %s", getH264Error())
	}
	if result == 0 {
		return nil, nil // Dropped by rate control
	}

	ft := FrameTypeDelta
	if frameType == mediaH264FrameIDR || frameType == mediaH264FrameI {
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
		// Annex B output carries SPS/PPS in band, so no description.
		out.DecoderConfig = &DecoderConfig{
			Codec:       VideoCodecH264,
			CodedWidth:  e.config.Width,
			CodedHeight: e.config.Height,
		}
		e.sentConfig = true
	}
	return []EncodedOutput{out}, nil
}

// Flush returns nothing: the wrapper configures x264 with zero latency.
func (e *h264Encoder) Flush() ([]EncodedOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrCoderClosed
	}
	return nil, nil
}

func (e *h264Encoder) RequestKeyframe() {
	e.keyframeReq.Store(true)
}

func (e *h264Encoder) Provider() Provider { return ProviderX264 }

func (e *h264Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	if e.handle != 0 {
		mediaH264EncoderDestroy(e.handle)
		e.handle = 0
	}
	return nil
}

type h264Decoder struct {
	mu sync.Mutex

	pool   *FramePool
	handle uint64
	closed bool

	// Set for AVC input; nil means chunks are already Annex B.
	params     *avcParams
	needParams bool

	decodeResult *mediaH264DecodeResult
}

func newH264Decoder(pool *FramePool) *h264Decoder {
	if pool == nil {
		pool = NewFramePool()
	}
	return &h264Decoder{pool: pool, decodeResult: &mediaH264DecodeResult{}}
}

func (d *h264Decoder) Configure(config DecoderConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrCoderClosed
	}
	if config.Codec != VideoCodecH264 {
		return fmt.Errorf("%w: H264 decoder cannot decode %s", ErrInvalidConfig, config.Codec)
	}
	var params *avcParams
	if len(config.Description) > 0 {
		p, err := parseAVCDescription(config.Description)
		if err != nil {
			return err
		}
		params = p
	}

	if d.handle != 0 {
		mediaH264DecoderDestroy(d.handle)
		d.handle = 0
	}
	handle := mediaH264DecoderCreate(h264Threads)
	if handle == 0 {
		return fmt.Errorf("failed to create H264 decoder: %s", getH264Error())
	}
	d.handle = handle
	d.params = params
	d.needParams = params != nil
	return nil
}

func (d *h264Decoder) Decode(chunk *EncodedChunk) (*DecodedFrame, error) {
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

	data := chunk.Data
	if d.params != nil {
		au, err := d.params.annexB(chunk.Data, d.needParams || chunk.Type == FrameTypeKey)
		if err != nil {
			return nil, err
		}
		data = au
		d.needParams = false
	}

	out := d.decodeResult
	result := mediaH264DecoderDecode(
		d.handle,
		uintptr(unsafe.Pointer(&data[0])),
		int32(len(data)),
		uintptr(unsafe.Pointer(&out.YPtr)),
		uintptr(unsafe.Pointer(&out.UPtr)),
		uintptr(unsafe.Pointer(&out.VPtr)),
		uintptr(unsafe.Pointer(&out.YStride)),
		uintptr(unsafe.Pointer(&out.UVStride)),
		uintptr(unsafe.Pointer(&out.Width)),
		uintptr(unsafe.Pointer(&out.Height)),
	)
	runtime.KeepAlive(data)
	runtime.KeepAlive(out)

	if result < 0 {
		return nil, fmt.Errorf("decode failed: %s", getH264Error())
	}
	if result == 0 {
		return nil, nil // Buffering
	}

	w, h := int(out.Width), int(out.Height)
	if w <= 0 || h <= 0 || w%2 != 0 || h%2 != 0 || out.YPtr == 0 || out.YStride <= 0 || out.UVStride <= 0 {
		return nil, fmt.Errorf("invalid decoder output: stride=%d/%d, size=%dx%d",
			out.YStride, out.UVStride, w, h)
	}

	frame := d.pool.Get(w, h)
	uvW, uvH := w/2, h/2
	for row := 0; row < h; row++ {
		src := unsafe.Slice((*byte)(unsafe.Pointer(out.YPtr+uintptr(row*int(out.YStride)))), w)
		copy(frame.Data[0][row*w:row*w+w], src)
	}
	for row := 0; row < uvH; row++ {
		src := unsafe.Slice((*byte)(unsafe.Pointer(out.UPtr+uintptr(row*int(out.UVStride)))), uvW)
		copy(frame.Data[1][row*uvW:row*uvW+uvW], src)
	}
	for row := 0; row < uvH; row++ {
		src := unsafe.Slice((*byte)(unsafe.Pointer(out.VPtr+uintptr(row*int(out.UVStride)))), uvW)
		copy(frame.Data[2][row*uvW:row*uvW+uvW], src)
	}

	frame.Timestamp = chunk.Timestamp
	frame.Duration = chunk.Duration
	frame.TrackID = chunk.TrackID
	return frame, nil
}

func (d *h264Decoder) Flush() ([]*DecodedFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrCoderClosed
	}
	return nil, nil
}

func (d *h264Decoder) Provider() Provider { return ProviderOpenH264 }

func (d *h264Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	if d.handle != 0 {
		mediaH264DecoderDestroy(d.handle)
		d.handle = 0
	}
	return nil
}

// Register the H.264 encoder and decoder when libmedia_h264 is present.
func init() {
	if err := loadMediaH264(); err != nil {
		return
	}

	if mediaH264DecoderAvailable() != 0 {
		setProviderAvailable(ProviderOpenH264)
		DefaultRegistry.RegisterDecoder(VideoCodecH264, ProviderOpenH264, DecoderFactory{
			Supported: h264DecoderSupported,
			New:       func(pool *FramePool) (VideoDecoder, error) { return newH264Decoder(pool), nil },
		})
	}
	if mediaH264EncoderAvailable() != 0 {
		setProviderAvailable(ProviderX264)
		DefaultRegistry.RegisterEncoder(VideoCodecH264, ProviderX264, EncoderFactory{
			Supported: h264EncoderSupported,
			New:       func(*FramePool) (VideoEncoder, error) { return &h264Encoder{}, nil },
		})
	}
}
