package transcode

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// Raw video bitstream.
//
// Each chunk is a 5-byte header followed by a DEFLATE stream:
//
//	byte 0     flags (bit 0 set = keyframe)
//	bytes 1-2  width, big endian
//	bytes 3-4  height, big endian
//	bytes 5-   deflate(tightly packed I420 planes)
//
// Keyframes carry the picture itself. Delta frames carry the bytewise
// difference against the previous picture (mod 256), which is mostly zeros
// for static content and compresses well. The codec is lossless, so Bitrate
// is accepted but has no effect.
const (
	rawHeaderSize = 5
	rawFlagKey    = 0x01
)

func init() {
	DefaultRegistry.RegisterEncoder(VideoCodecRaw, ProviderSoftware, EncoderFactory{
		New: func(*FramePool) (VideoEncoder, error) { return newRawEncoder(), nil },
	})
	DefaultRegistry.RegisterDecoder(VideoCodecRaw, ProviderSoftware, DecoderFactory{
		Supported: rawDecoderSupported,
		New:       func(pool *FramePool) (VideoDecoder, error) { return newRawDecoder(pool), nil },
	})
	setProviderAvailable(ProviderSoftware)
}

func rawDecoderSupported(cfg DecoderConfig) error {
	if cfg.Codec != VideoCodecRaw {
		return fmt.Errorf("codec %s", cfg.Codec)
	}
	if cfg.CodedWidth < 0 || cfg.CodedHeight < 0 || cfg.CodedWidth > MaxDimension || cfg.CodedHeight > MaxDimension {
		return fmt.Errorf("coded size %dx%d out of range", cfg.CodedWidth, cfg.CodedHeight)
	}
	if cfg.CodedWidth%2 != 0 || cfg.CodedHeight%2 != 0 {
		return fmt.Errorf("coded size %dx%d is not even", cfg.CodedWidth, cfg.CodedHeight)
	}
	return nil
}

// rawKeyframe reports whether a raw chunk payload is a keyframe.
func rawKeyframe(data []byte) bool {
	return len(data) >= rawHeaderSize && data[0]&rawFlagKey != 0
}

// packI420 copies the planes of f into dst without stride padding.
func packI420(dst []byte, f *VideoFrame) error {
	if f.Format != PixelFormatI420 || len(f.Data) < 3 || len(f.Stride) < 3 {
		return fmt.Errorf("expected I420 frame, got %s with %d planes", f.Format, len(f.Data))
	}
	off := 0
	for p := 0; p < 3; p++ {
		w, h := f.Width, f.Height
		if p > 0 {
			w, h = w/2, h/2
		}
		stride := f.Stride[p]
		plane := f.Data[p]
		if stride < w || len(plane) < stride*(h-1)+w {
			return fmt.Errorf("plane %d: %w", p, ErrBufferTooSmall)
		}
		for y := 0; y < h; y++ {
			off += copy(dst[off:off+w], plane[y*stride:y*stride+w])
		}
	}
	return nil
}

type rawEncoder struct {
	mu sync.Mutex

	config     EncoderConfig
	configured bool
	closed     bool
	sentConfig bool
	forceKey   bool
	frameCount int

	cur  []byte
	prev []byte
	out  bytes.Buffer
	zw   *flate.Writer
}

func newRawEncoder() *rawEncoder {
	return &rawEncoder{}
}

func (e *rawEncoder) Configure(config EncoderConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrCoderClosed
	}
	if config.Codec != VideoCodecRaw {
		return fmt.Errorf("%w: raw encoder cannot produce %s", ErrInvalidConfig, config.Codec)
	}
	if err := config.Validate(); err != nil {
		return err
	}

	if e.configured && (config.Width != e.config.Width || config.Height != e.config.Height) {
		e.sentConfig = false
	}
	e.config = config
	e.configured = true
	e.prev = nil
	e.forceKey = true
	return nil
}

func (e *rawEncoder) keyInterval() int {
	return 2 * e.config.Framerate
}

func (e *rawEncoder) Encode(frame *VideoFrame) ([]EncodedOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrCoderClosed
	}
	if !e.configured {
		return nil, ErrNotConfigured
	}
	if frame.Width != e.config.Width || frame.Height != e.config.Height {
		return nil, fmt.Errorf("frame %dx%d does not match configured %dx%d",
			frame.Width, frame.Height, e.config.Width, e.config.Height)
	}

	size := I420Size(frame.Width, frame.Height)
	if cap(e.cur) < size {
		e.cur = make([]byte, size)
	}
	e.cur = e.cur[:size]
	if err := packI420(e.cur, frame); err != nil {
		return nil, err
	}

	key := e.forceKey || e.prev == nil || e.frameCount%e.keyInterval() == 0
	payload := e.cur
	if !key {
		// Reuse prev as the residual buffer; cur becomes the new reference.
		for i := range e.prev {
			e.prev[i] = e.cur[i] - e.prev[i]
		}
		payload = e.prev
	}

	data, err := e.compress(payload, key, frame.Width, frame.Height)
	if err != nil {
		return nil, err
	}

	e.prev, e.cur = e.cur, e.prev
	e.forceKey = false
	e.frameCount++

	duration := frame.Duration
	if duration <= 0 {
		duration = e.config.FrameDuration()
	}
	ftype := FrameTypeDelta
	if key {
		ftype = FrameTypeKey
	}
	out := EncodedOutput{Chunk: &EncodedChunk{
		Type:      ftype,
		Timestamp: frame.Timestamp,
		Duration:  duration,
		Data:      data,
	}}
	if !e.sentConfig {
		out.DecoderConfig = &DecoderConfig{
			Codec:       VideoCodecRaw,
			CodedWidth:  e.config.Width,
			CodedHeight: e.config.Height,
		}
		e.sentConfig = true
	}
	return []EncodedOutput{out}, nil
}

func (e *rawEncoder) compress(payload []byte, key bool, width, height int) ([]byte, error) {
	e.out.Reset()
	var hdr [rawHeaderSize]byte
	if key {
		hdr[0] = rawFlagKey
	}
	binary.BigEndian.PutUint16(hdr[1:3], uint16(width))
	binary.BigEndian.PutUint16(hdr[3:5], uint16(height))
	e.out.Write(hdr[:])

	if e.zw == nil {
		zw, err := flate.NewWriter(&e.out, flate.BestSpeed)
		if err != nil {
			return nil, err
		}
		e.zw = zw
	} else {
		e.zw.Reset(&e.out)
	}
	if _, err := e.zw.Write(payload); err != nil {
		return nil, err
	}
	if err := e.zw.Close(); err != nil {
		return nil, err
	}

	data := make([]byte, e.out.Len())
	copy(data, e.out.Bytes())
	return data, nil
}

func (e *rawEncoder) Flush() ([]EncodedOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrCoderClosed
	}
	return nil, nil
}

func (e *rawEncoder) RequestKeyframe() {
	e.mu.Lock()
	e.forceKey = true
	e.mu.Unlock()
}

func (e *rawEncoder) Provider() Provider { return ProviderSoftware }

func (e *rawEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.cur, e.prev, e.zw = nil, nil, nil
	return nil
}

type rawDecoder struct {
	mu sync.Mutex

	pool       *FramePool
	config     DecoderConfig
	configured bool
	closed     bool

	ref     []byte // last reconstructed picture
	refW    int
	refH    int
	scratch []byte
	zr      io.ReadCloser
}

func newRawDecoder(pool *FramePool) *rawDecoder {
	if pool == nil {
		pool = NewFramePool()
	}
	return &rawDecoder{pool: pool}
}

func (d *rawDecoder) Configure(config DecoderConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrCoderClosed
	}
	if err := rawDecoderSupported(config); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	d.config = config
	d.configured = true
	d.ref = nil
	return nil
}

func (d *rawDecoder) Decode(chunk *EncodedChunk) (*DecodedFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrCoderClosed
	}
	if !d.configured {
		return nil, ErrNotConfigured
	}
	if len(chunk.Data) < rawHeaderSize {
		return nil, fmt.Errorf("%w: %d byte chunk", ErrCorruptChunk, len(chunk.Data))
	}

	key := chunk.Data[0]&rawFlagKey != 0
	w := int(binary.BigEndian.Uint16(chunk.Data[1:3]))
	h := int(binary.BigEndian.Uint16(chunk.Data[3:5]))
	if w == 0 || h == 0 || w%2 != 0 || h%2 != 0 || w > MaxDimension || h > MaxDimension {
		return nil, fmt.Errorf("%w: picture size %dx%d", ErrCorruptChunk, w, h)
	}
	if (d.config.CodedWidth != 0 && w != d.config.CodedWidth) || (d.config.CodedHeight != 0 && h != d.config.CodedHeight) {
		return nil, fmt.Errorf("%w: picture size %dx%d, configured %dx%d",
			ErrCorruptChunk, w, h, d.config.CodedWidth, d.config.CodedHeight)
	}
	if !key && (d.ref == nil || w != d.refW || h != d.refH) {
		return nil, fmt.Errorf("%w: delta frame without reference", ErrCorruptChunk)
	}

	size := I420Size(w, h)
	if cap(d.scratch) < size {
		d.scratch = make([]byte, size)
	}
	d.scratch = d.scratch[:size]
	if err := d.inflate(chunk.Data[rawHeaderSize:], d.scratch); err != nil {
		return nil, err
	}

	if key {
		if cap(d.ref) < size {
			d.ref = make([]byte, size)
		}
		d.ref = d.ref[:size]
		copy(d.ref, d.scratch)
		d.refW, d.refH = w, h
	} else {
		for i := range d.ref {
			d.ref[i] += d.scratch[i]
		}
	}

	frame := d.pool.Get(w, h)
	off := 0
	for _, plane := range frame.Data {
		off += copy(plane, d.ref[off:])
	}
	frame.Timestamp = chunk.Timestamp
	frame.Duration = chunk.Duration
	frame.TrackID = chunk.TrackID
	return frame, nil
}

func (d *rawDecoder) inflate(src, dst []byte) error {
	if d.zr == nil {
		d.zr = flate.NewReader(bytes.NewReader(src))
	} else if err := d.zr.(flate.Resetter).Reset(bytes.NewReader(src), nil); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptChunk, err)
	}
	if _, err := io.ReadFull(d.zr, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptChunk, err)
	}
	return nil
}

func (d *rawDecoder) Flush() ([]*DecodedFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrCoderClosed
	}
	return nil, nil
}

func (d *rawDecoder) Provider() Provider { return ProviderSoftware }

func (d *rawDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.ref, d.scratch = nil, nil
	if d.zr != nil {
		d.zr.Close()
		d.zr = nil
	}
	return nil
}
