package transcode

import (
	"fmt"
	"image"
	"io"
	"path/filepath"
	"sync"

	"github.com/disintegration/imaging"
)

// SnapshotTarget is a RenderTarget that keeps the most recent preview frame
// as an image and optionally saves every Nth frame to Dir.
type SnapshotTarget struct {
	Dir     string // Directory for saved frames; empty disables saving
	Every   int    // Save every Nth frame. Default: 30
	MaxSize int    // Saved and encoded images fit in MaxSize x MaxSize; 0 keeps the frame size
	Quality int    // JPEG quality. Default: 80

	mu      sync.Mutex
	latest  *image.YCbCr
	frames  int
	saved   int
	saveErr error
}

// NewSnapshotTarget creates a target saving every Nth frame to dir.
func NewSnapshotTarget(dir string, every int) *SnapshotTarget {
	return &SnapshotTarget{Dir: dir, Every: every}
}

// Draw copies frame into the latest image. The frame is not retained.
func (t *SnapshotTarget) Draw(frame *DecodedFrame) {
	img, err := FrameImage(&frame.VideoFrame)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.saveErr = err
		return
	}
	t.latest = img
	t.frames++

	every := t.Every
	if every <= 0 {
		every = 30
	}
	if t.Dir == "" || (t.frames-1)%every != 0 {
		return
	}
	name := filepath.Join(t.Dir, fmt.Sprintf("preview-%06d.jpg", t.frames-1))
	if err := imaging.Save(t.fit(img), name, imaging.JPEGQuality(t.quality())); err != nil {
		t.saveErr = fmt.Errorf("save %s: %w", name, err)
		return
	}
	t.saved++
}

func (t *SnapshotTarget) fit(img image.Image) image.Image {
	if t.MaxSize <= 0 {
		return img
	}
	return imaging.Fit(img, t.MaxSize, t.MaxSize, imaging.Lanczos)
}

func (t *SnapshotTarget) quality() int {
	if t.Quality <= 0 || t.Quality > 100 {
		return 80
	}
	return t.Quality
}

// Latest returns the most recent frame, or nil before the first Draw.
func (t *SnapshotTarget) Latest() image.Image {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latest == nil {
		return nil
	}
	return t.latest
}

// Frames returns the number of frames drawn.
func (t *SnapshotTarget) Frames() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames
}

// Saved returns the number of frames written to Dir.
func (t *SnapshotTarget) Saved() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saved
}

// Err returns the last conversion or save error.
func (t *SnapshotTarget) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveErr
}

// WriteJPEG encodes the latest frame to w. It returns ErrNotConfigured
// before the first frame was drawn.
func (t *SnapshotTarget) WriteJPEG(w io.Writer) error {
	img := t.Latest()
	if img == nil {
		return ErrNotConfigured
	}
	return imaging.Encode(w, t.fit(img), imaging.JPEG, imaging.JPEGQuality(t.quality()))
}

// FrameImage copies an I420 frame into a new image.YCbCr.
func FrameImage(f *VideoFrame) (*image.YCbCr, error) {
	if f.Format != PixelFormatI420 || len(f.Data) < 3 || len(f.Stride) < 3 {
		return nil, fmt.Errorf("frame image: unsupported frame layout %s", f.Format)
	}
	img := image.NewYCbCr(image.Rect(0, 0, f.Width, f.Height), image.YCbCrSubsampleRatio420)
	if err := copyImagePlane(img.Y, img.YStride, f.Data[0], f.Stride[0], f.Width, f.Height); err != nil {
		return nil, err
	}
	cw, ch := f.Width/2, f.Height/2
	if err := copyImagePlane(img.Cb, img.CStride, f.Data[1], f.Stride[1], cw, ch); err != nil {
		return nil, err
	}
	if err := copyImagePlane(img.Cr, img.CStride, f.Data[2], f.Stride[2], cw, ch); err != nil {
		return nil, err
	}
	return img, nil
}

func copyImagePlane(dst []byte, dstStride int, src []byte, srcStride, w, h int) error {
	if h > 0 && len(src) < (h-1)*srcStride+w {
		return ErrBufferTooSmall
	}
	for y := 0; y < h; y++ {
		copy(dst[y*dstStride:y*dstStride+w], src[y*srcStride:y*srcStride+w])
	}
	return nil
}
