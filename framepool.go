package transcode

import (
	"sync"
	"sync/atomic"
)

// DecodedFrame is a raw I420 picture whose pixel memory is borrowed from a
// FramePool. Exactly one owner calls Release after the frame's last use;
// ownership moves with the frame across every stage boundary.
type DecodedFrame struct {
	VideoFrame
	TrackID int

	pool     *FramePool
	buf      []byte
	released atomic.Bool
}

// Release returns the pixel buffer to its pool. A second call does not touch
// the buffer again and returns ErrFrameReleased.
func (f *DecodedFrame) Release() error {
	if !f.released.CompareAndSwap(false, true) {
		if f.pool != nil {
			f.pool.doubleReleases.Add(1)
		}
		return ErrFrameReleased
	}
	buf := f.buf
	f.buf = nil
	f.Data = nil
	if f.pool != nil {
		f.pool.put(buf)
	}
	return nil
}

// Released reports whether Release has been called.
func (f *DecodedFrame) Released() bool {
	return f.released.Load()
}

// FramePoolStats is a snapshot of pool accounting.
type FramePoolStats struct {
	Acquired        int64 // Frames handed out by Get
	Released        int64 // Frames returned through Release
	DoubleReleases  int64 // Release calls on already released frames
	Outstanding     int64 // Frames currently alive
	PeakOutstanding int64 // High-water mark of Outstanding
}

// FramePool recycles I420 buffers and accounts for every frame it hands out.
// It is safe for concurrent use.
type FramePool struct {
	mu      sync.Mutex
	buffers map[int]*sync.Pool // keyed by buffer size

	acquired       atomic.Int64
	released       atomic.Int64
	doubleReleases atomic.Int64
	outstanding    atomic.Int64
	peak           atomic.Int64
}

// NewFramePool creates an empty frame pool.
func NewFramePool() *FramePool {
	return &FramePool{buffers: make(map[int]*sync.Pool)}
}

// Get returns a frame with uninitialized I420 planes of the given size.
// The caller owns the frame and must Release it.
func (p *FramePool) Get(width, height int) *DecodedFrame {
	size := I420Size(width, height)
	buf := p.bufferPool(size).Get().(*[]byte)

	ySize := width * height
	uvSize := (width / 2) * (height / 2)
	b := *buf
	f := &DecodedFrame{
		VideoFrame: VideoFrame{
			Data: [][]byte{
				b[:ySize:ySize],
				b[ySize : ySize+uvSize : ySize+uvSize],
				b[ySize+uvSize : size : size],
			},
			Stride: []int{width, width / 2, width / 2},
			Width:  width,
			Height: height,
			Format: PixelFormatI420,
		},
		pool: p,
		buf:  b,
	}

	p.acquired.Add(1)
	n := p.outstanding.Add(1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	return f
}

// Stats returns a snapshot of the pool counters.
func (p *FramePool) Stats() FramePoolStats {
	return FramePoolStats{
		Acquired:        p.acquired.Load(),
		Released:        p.released.Load(),
		DoubleReleases:  p.doubleReleases.Load(),
		Outstanding:     p.outstanding.Load(),
		PeakOutstanding: p.peak.Load(),
	}
}

// ResetPeak sets the high-water mark to the current outstanding count.
func (p *FramePool) ResetPeak() {
	p.peak.Store(p.outstanding.Load())
}

func (p *FramePool) bufferPool(size int) *sync.Pool {
	p.mu.Lock()
	defer p.mu.Unlock()

	bp, ok := p.buffers[size]
	if !ok {
		bp = &sync.Pool{New: func() any {
			b := make([]byte, size)
			return &b
		}}
		p.buffers[size] = bp
	}
	return bp
}

func (p *FramePool) put(buf []byte) {
	p.released.Add(1)
	p.outstanding.Add(-1)
	if buf == nil {
		return
	}
	p.bufferPool(len(buf)).Put(&buf)
}
