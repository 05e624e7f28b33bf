package transcode

import "fmt"

// ScaleMode defines how scaling handles aspect ratio mismatches.
type ScaleMode int

const (
	// ScaleModeStretch scales to exactly match target dimensions (may distort).
	ScaleModeStretch ScaleMode = iota
	// ScaleModeFill preserves aspect ratio and crops the source to fill.
	ScaleModeFill
	// ScaleModeFit preserves aspect ratio and letterboxes with black.
	ScaleModeFit
)

func (m ScaleMode) String() string {
	switch m {
	case ScaleModeStretch:
		return "stretch"
	case ScaleModeFill:
		return "fill"
	case ScaleModeFit:
		return "fit"
	default:
		return "unknown"
	}
}

// VideoScaler resamples I420 pictures with bilinear filtering.
// A zero VideoScaler stretches.
type VideoScaler struct {
	Mode ScaleMode
}

// NewVideoScaler creates a scaler with the given mode.
func NewVideoScaler(mode ScaleMode) *VideoScaler {
	return &VideoScaler{Mode: mode}
}

// ScaleInto resamples src into dst. dst must already hold I420 planes for
// its Width and Height; its Timestamp and Duration are copied from src.
func (s *VideoScaler) ScaleInto(dst, src *VideoFrame) error {
	if src.Format != PixelFormatI420 || dst.Format != PixelFormatI420 {
		return fmt.Errorf("scale: expected I420, got %s -> %s", src.Format, dst.Format)
	}
	if len(src.Data) < 3 || len(dst.Data) < 3 || len(src.Stride) < 3 || len(dst.Stride) < 3 {
		return fmt.Errorf("scale: missing planes")
	}
	if src.Width <= 0 || src.Height <= 0 || dst.Width <= 0 || dst.Height <= 0 {
		return fmt.Errorf("scale: empty picture %dx%d -> %dx%d", src.Width, src.Height, dst.Width, dst.Height)
	}
	if len(dst.Data[0]) < dst.Stride[0]*dst.Height ||
		len(dst.Data[1]) < dst.Stride[1]*(dst.Height/2) ||
		len(dst.Data[2]) < dst.Stride[2]*(dst.Height/2) {
		return ErrBufferTooSmall
	}

	dst.Timestamp = src.Timestamp
	dst.Duration = src.Duration

	if src.Width == dst.Width && src.Height == dst.Height {
		for p := 0; p < 3; p++ {
			w, h := planeSize(src, p)
			copyPlane(dst.Data[p], dst.Stride[p], src.Data[p], src.Stride[p], w, h)
		}
		return nil
	}

	srcX, srcY, srcW, srcH := s.sourceRegion(src.Width, src.Height, dst.Width, dst.Height)
	dstX, dstY, dstW, dstH := 0, 0, dst.Width, dst.Height
	if s.Mode == ScaleModeFit {
		dstW, dstH = CalculateScaledSize(src.Width, src.Height, dst.Width, dst.Height, ScaleModeFit)
		dstX = ((dst.Width - dstW) / 2) &^ 1
		dstY = ((dst.Height - dstH) / 2) &^ 1
		fillPlane(dst.Data[0], dst.Stride[0], dst.Width, dst.Height, 0)
		fillPlane(dst.Data[1], dst.Stride[1], dst.Width/2, dst.Height/2, 128)
		fillPlane(dst.Data[2], dst.Stride[2], dst.Width/2, dst.Height/2, 128)
	}

	scalePlane(src.Data[0], src.Stride[0], srcX, srcY, srcW, srcH,
		dst.Data[0][dstY*dst.Stride[0]+dstX:], dst.Stride[0], dstW, dstH)
	for p := 1; p < 3; p++ {
		scalePlane(src.Data[p], src.Stride[p], srcX/2, srcY/2, srcW/2, srcH/2,
			dst.Data[p][(dstY/2)*dst.Stride[p]+dstX/2:], dst.Stride[p], dstW/2, dstH/2)
	}
	return nil
}

func planeSize(f *VideoFrame, plane int) (w, h int) {
	if plane == 0 {
		return f.Width, f.Height
	}
	return f.Width / 2, f.Height / 2
}

func copyPlane(dst []byte, dstStride int, src []byte, srcStride, w, h int) {
	for y := 0; y < h; y++ {
		copy(dst[y*dstStride:y*dstStride+w], src[y*srcStride:y*srcStride+w])
	}
}

func fillPlane(dst []byte, stride, w, h int, v byte) {
	for y := 0; y < h; y++ {
		row := dst[y*stride : y*stride+w]
		for i := range row {
			row[i] = v
		}
	}
}

// sourceRegion determines what region of the source to sample.
func (s *VideoScaler) sourceRegion(srcW, srcH, dstW, dstH int) (x, y, w, h int) {
	if s.Mode != ScaleModeFill {
		return 0, 0, srcW, srcH
	}

	srcAspect := float64(srcW) / float64(srcH)
	dstAspect := float64(dstW) / float64(dstH)
	if srcAspect > dstAspect {
		// Source is wider, crop horizontally
		newW := int(float64(srcH)*dstAspect) &^ 1
		return ((srcW - newW) / 2) &^ 1, 0, newW, srcH
	} else if srcAspect < dstAspect {
		// Source is taller, crop vertically
		newH := int(float64(srcW)/dstAspect) &^ 1
		return 0, ((srcH - newH) / 2) &^ 1, srcW, newH
	}
	return 0, 0, srcW, srcH
}

// scalePlane scales a single plane using 16.16 fixed-point bilinear
// interpolation.
func scalePlane(src []byte, srcStride, srcX, srcY, srcW, srcH int,
	dst []byte, dstStride, dstW, dstH int) {

	if srcW <= 0 || srcH <= 0 || dstW <= 0 || dstH <= 0 {
		return
	}

	xRatio := (srcW << 16) / dstW
	yRatio := (srcH << 16) / dstH

	for y := 0; y < dstH; y++ {
		srcYFP := y * yRatio
		y0 := (srcYFP >> 16) + srcY
		y1 := y0 + 1
		if y1 >= srcY+srcH {
			y1 = y0
		}
		yWeight := srcYFP & 0xFFFF
		row0 := src[y0*srcStride:]
		row1 := src[y1*srcStride:]
		out := dst[y*dstStride : y*dstStride+dstW]

		for x := range out {
			srcXFP := x * xRatio
			x0 := (srcXFP >> 16) + srcX
			x1 := x0 + 1
			if x1 >= srcX+srcW {
				x1 = x0
			}
			xWeight := srcXFP & 0xFFFF

			top := (int(row0[x0])*(0x10000-xWeight) + int(row0[x1])*xWeight) >> 16
			bottom := (int(row1[x0])*(0x10000-xWeight) + int(row1[x1])*xWeight) >> 16
			out[x] = byte((top*(0x10000-yWeight) + bottom*yWeight) >> 16)
		}
	}
}

// CalculateScaledSize returns the picture size when scaling srcW x srcH into
// a maxW x maxH box with the given mode. Results are even.
func CalculateScaledSize(srcW, srcH, maxW, maxH int, mode ScaleMode) (w, h int) {
	if mode != ScaleModeFit {
		return maxW, maxH
	}

	srcAspect := float64(srcW) / float64(srcH)
	dstAspect := float64(maxW) / float64(maxH)
	if srcAspect > dstAspect {
		w = maxW
		h = int(float64(maxW) / srcAspect)
	} else {
		h = maxH
		w = int(float64(maxH) * srcAspect)
	}
	w &^= 1
	h &^= 1
	if w <= 0 {
		w = 2
	}
	if h <= 0 {
		h = 2
	}
	return w, h
}
