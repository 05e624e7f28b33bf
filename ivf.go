package transcode

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/bits"
	"sync"
)

// IVF layout (all fields little endian):
//
//	file header, 32 bytes:
//	  0  "DKIF"
//	  4  version (u16)
//	  6  header size (u16)
//	  8  FourCC
//	 12  width, height (u16 each)
//	 16  timebase denominator (u32), timebase numerator (u32)
//	 24  frame count (u32), unused (u32)
//	frame header, 12 bytes: payload size (u32), pts in timebase units (u64)
const (
	ivfSignature       = "DKIF"
	ivfFileHeaderSize  = 32
	ivfFrameHeaderSize = 12
	ivfMaxFrameSize    = 64 << 20
)

// IVFHeader is the decoded IVF file header.
type IVFHeader struct {
	FourCC      string
	Codec       VideoCodec
	Width       int
	Height      int
	TimebaseDen uint32 // Ticks per second
	TimebaseNum uint32 // Seconds per tick numerator
	FrameCount  uint32
}

// ticksToNanos converts a pts in timebase units to nanoseconds. It fails
// when the result does not fit in an int64.
func (h IVFHeader) ticksToNanos(pts uint64) (int64, error) {
	return scaleToNanos(pts, uint64(h.TimebaseNum), uint64(h.TimebaseDen))
}

// scaleToNanos returns ticks*num/den seconds in nanoseconds without
// intermediate overflow.
func scaleToNanos(ticks, num, den uint64) (int64, error) {
	if den == 0 {
		return 0, fmt.Errorf("%w: zero timescale", ErrMalformedContainer)
	}
	hi, lo := bits.Mul64(ticks, num*1_000_000_000)
	if hi >= den {
		return 0, fmt.Errorf("%w: timestamp %d out of range", ErrMalformedContainer, ticks)
	}
	ns, _ := bits.Div64(hi, lo, den)
	if ns > math.MaxInt64 {
		return 0, fmt.Errorf("%w: timestamp %d out of range", ErrMalformedContainer, ticks)
	}
	return int64(ns), nil
}

// ParseIVFHeader decodes the 32-byte IVF file header.
func ParseIVFHeader(b []byte) (IVFHeader, error) {
	if len(b) < ivfFileHeaderSize {
		return IVFHeader{}, fmt.Errorf("%w: ivf header is %d bytes", ErrMalformedContainer, len(b))
	}
	if string(b[0:4]) != ivfSignature {
		return IVFHeader{}, fmt.Errorf("%w: bad ivf signature %q", ErrMalformedContainer, b[0:4])
	}
	hdrSize := binary.LittleEndian.Uint16(b[6:8])
	if hdrSize < ivfFileHeaderSize {
		return IVFHeader{}, fmt.Errorf("%w: ivf header size %d", ErrMalformedContainer, hdrSize)
	}

	h := IVFHeader{
		FourCC:      string(b[8:12]),
		Width:       int(binary.LittleEndian.Uint16(b[12:14])),
		Height:      int(binary.LittleEndian.Uint16(b[14:16])),
		TimebaseDen: binary.LittleEndian.Uint32(b[16:20]),
		TimebaseNum: binary.LittleEndian.Uint32(b[20:24]),
		FrameCount:  binary.LittleEndian.Uint32(b[24:28]),
	}
	h.Codec = ParseVideoCodec(h.FourCC)
	if h.TimebaseDen == 0 || h.TimebaseNum == 0 {
		return IVFHeader{}, fmt.Errorf("%w: ivf timebase %d/%d", ErrMalformedContainer, h.TimebaseNum, h.TimebaseDen)
	}
	return h, nil
}

// IVFDemuxer reads single-track IVF files. The track is numbered 0.
type IVFDemuxer struct{}

// Run implements Demuxer.
func (IVFDemuxer) Run(ctx context.Context, r io.Reader, h DemuxHandler) error {
	var hdr [ivfFileHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("%w: reading ivf header: %v", ErrMalformedContainer, err)
	}
	file, err := ParseIVFHeader(hdr[:])
	if err != nil {
		return err
	}
	// Skip any extended header bytes
	if extra := int64(binary.LittleEndian.Uint16(hdr[6:8])) - ivfFileHeaderSize; extra > 0 {
		if _, err := io.CopyN(io.Discard, r, extra); err != nil {
			return fmt.Errorf("%w: reading ivf header: %v", ErrMalformedContainer, err)
		}
	}

	cfg := DecoderConfig{
		TrackID:     0,
		Codec:       file.Codec,
		CodedWidth:  file.Width,
		CodedHeight: file.Height,
	}
	if cfg.Codec == VideoCodecUnknown {
		// Keep the FourCC so preflight can report it
		cfg.Description = []byte(file.FourCC)
	}
	if err := h.OnConfig(ctx, cfg); err != nil {
		return err
	}

	tick, err := file.ticksToNanos(1)
	if err != nil {
		return err
	}
	var fh [ivfFrameHeaderSize]byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		_, err := io.ReadFull(r, fh[:])
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: truncated frame header: %v", ErrMalformedContainer, err)
		}

		size := binary.LittleEndian.Uint32(fh[0:4])
		pts := binary.LittleEndian.Uint64(fh[4:12])
		if size > ivfMaxFrameSize {
			return fmt.Errorf("%w: frame of %d bytes", ErrMalformedContainer, size)
		}

		// size is untrusted until the bytes are read
		data, err := io.ReadAll(io.LimitReader(r, int64(size)))
		if err != nil || uint32(len(data)) != size {
			return fmt.Errorf("%w: truncated frame at pts %d", ErrMalformedContainer, pts)
		}

		ts, err := file.ticksToNanos(pts)
		if err != nil {
			return err
		}
		chunk := &EncodedChunk{
			TrackID:   0,
			Type:      ClassifyFrame(file.Codec, data),
			Timestamp: ts,
			Duration:  tick,
			Data:      data,
		}
		if err := h.OnChunk(ctx, chunk); err != nil {
			return err
		}
	}
}

// IVFWriter writes a single video track as IVF. If the destination is an
// io.WriteSeeker the frame count in the header is patched on Close.
type IVFWriter struct {
	mu sync.Mutex

	w           io.Writer
	codec       VideoCodec
	width       int
	height      int
	timebaseDen uint32
	timebaseNum uint32

	headerWritten bool
	frames        uint32
	closed        bool
}

// NewIVFWriter creates a writer with a 1/framerate timebase. The header is
// written lazily so width and height may still be updated by SetSize.
func NewIVFWriter(w io.Writer, codec VideoCodec, width, height, framerate int) *IVFWriter {
	if framerate <= 0 {
		framerate = 30
	}
	return &IVFWriter{
		w:           w,
		codec:       codec,
		width:       width,
		height:      height,
		timebaseDen: uint32(framerate),
		timebaseNum: 1,
	}
}

// SetSize updates the picture size recorded in the header. It has no effect
// once the first frame has been written.
func (iw *IVFWriter) SetSize(width, height int) {
	iw.mu.Lock()
	defer iw.mu.Unlock()
	if !iw.headerWritten {
		iw.width, iw.height = width, height
	}
}

func (iw *IVFWriter) header() []byte {
	b := make([]byte, ivfFileHeaderSize)
	copy(b[0:4], ivfSignature)
	binary.LittleEndian.PutUint16(b[4:6], 0)
	binary.LittleEndian.PutUint16(b[6:8], ivfFileHeaderSize)
	copy(b[8:12], iw.codec.FourCC())
	binary.LittleEndian.PutUint16(b[12:14], uint16(iw.width))
	binary.LittleEndian.PutUint16(b[14:16], uint16(iw.height))
	binary.LittleEndian.PutUint32(b[16:20], iw.timebaseDen)
	binary.LittleEndian.PutUint32(b[20:24], iw.timebaseNum)
	binary.LittleEndian.PutUint32(b[24:28], iw.frames)
	return b
}

// WriteChunk appends one frame. The chunk timestamp is converted to the
// writer's timebase.
func (iw *IVFWriter) WriteChunk(chunk *EncodedChunk) error {
	iw.mu.Lock()
	defer iw.mu.Unlock()

	if iw.closed {
		return io.ErrClosedPipe
	}
	if !iw.headerWritten {
		if _, err := iw.w.Write(iw.header()); err != nil {
			return err
		}
		iw.headerWritten = true
	}

	unit := uint64(iw.timebaseNum) * 1_000_000_000
	pts := (uint64(chunk.Timestamp)*uint64(iw.timebaseDen) + unit/2) / unit
	var fh [ivfFrameHeaderSize]byte
	binary.LittleEndian.PutUint32(fh[0:4], uint32(len(chunk.Data)))
	binary.LittleEndian.PutUint64(fh[4:12], pts)
	if _, err := iw.w.Write(fh[:]); err != nil {
		return err
	}
	if _, err := iw.w.Write(chunk.Data); err != nil {
		return err
	}
	iw.frames++
	return nil
}

// Frames returns the number of frames written.
func (iw *IVFWriter) Frames() int {
	iw.mu.Lock()
	defer iw.mu.Unlock()
	return int(iw.frames)
}

// Close writes the header if no frame was written and patches the frame
// count when the destination supports seeking. It does not close the
// underlying writer.
func (iw *IVFWriter) Close() error {
	iw.mu.Lock()
	defer iw.mu.Unlock()

	if iw.closed {
		return nil
	}
	iw.closed = true

	if !iw.headerWritten {
		_, err := iw.w.Write(iw.header())
		return err
	}

	ws, ok := iw.w.(io.WriteSeeker)
	if !ok {
		return nil
	}
	end, err := ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := ws.Seek(24, io.SeekStart); err != nil {
		return err
	}
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], iw.frames)
	if _, err := ws.Write(count[:]); err != nil {
		return err
	}
	_, err = ws.Seek(end, io.SeekStart)
	return err
}
