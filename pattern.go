package transcode

import (
	"context"
	"fmt"
	"io"
	"math"
)

// PatternType defines the type of test pattern to generate.
type PatternType int

const (
	PatternColorBars    PatternType = iota // SMPTE color bars
	PatternGradient                        // Horizontal gradient
	PatternCheckerboard                    // Checkerboard pattern
	PatternNoise                           // Random noise
	PatternMovingBox                       // Moving box over color bars
)

func (p PatternType) String() string {
	switch p {
	case PatternColorBars:
		return "ColorBars"
	case PatternGradient:
		return "Gradient"
	case PatternCheckerboard:
		return "Checkerboard"
	case PatternNoise:
		return "Noise"
	case PatternMovingBox:
		return "MovingBox"
	default:
		return "Unknown"
	}
}

// PatternConfig configures a PatternGenerator.
type PatternConfig struct {
	Width       int         // Frame width (default: 640)
	Height      int         // Frame height (default: 360)
	FPS         int         // Frames per second (default: 30)
	Pattern     PatternType // Pattern type (default: ColorBars)
	CheckerSize int         // Size of each checker square (default: 32)
	Seed        uint64      // Noise seed (default: 1)
}

func (c *PatternConfig) applyDefaults() {
	if c.Width <= 0 {
		c.Width = 640
	}
	if c.Height <= 0 {
		c.Height = 360
	}
	if c.FPS <= 0 {
		c.FPS = 30
	}
	if c.CheckerSize <= 0 {
		c.CheckerSize = 32
	}
	if c.Seed == 0 {
		c.Seed = 1
	}
}

// PatternGenerator produces deterministic synthetic I420 frames on demand.
// Frame n carries timestamp n/FPS seconds. The returned frame aliases the
// generator's buffer and is valid until the next call to Next.
type PatternGenerator struct {
	config PatternConfig

	frameData []byte
	yPlane    []byte
	uPlane    []byte
	vPlane    []byte

	frameCount int64
	rngState   uint64
}

// NewPatternGenerator creates a generator.
func NewPatternGenerator(config PatternConfig) *PatternGenerator {
	config.applyDefaults()

	ySize := config.Width * config.Height
	uvSize := (config.Width / 2) * (config.Height / 2)
	frameData := make([]byte, ySize+uvSize*2)

	return &PatternGenerator{
		config:    config,
		frameData: frameData,
		yPlane:    frameData[:ySize],
		uPlane:    frameData[ySize : ySize+uvSize],
		vPlane:    frameData[ySize+uvSize:],
		rngState:  config.Seed,
	}
}

// Config returns the effective configuration.
func (g *PatternGenerator) Config() PatternConfig {
	return g.config
}

// Next renders and returns the next frame.
func (g *PatternGenerator) Next() *VideoFrame {
	n := g.frameCount
	g.frameCount++
	g.generate(n)

	fps := int64(g.config.FPS)
	ts := n * 1_000_000_000 / fps
	return &VideoFrame{
		Data:      [][]byte{g.yPlane, g.uPlane, g.vPlane},
		Stride:    []int{g.config.Width, g.config.Width / 2, g.config.Width / 2},
		Width:     g.config.Width,
		Height:    g.config.Height,
		Format:    PixelFormatI420,
		Timestamp: ts,
		Duration:  (n+1)*1_000_000_000/fps - ts,
	}
}

func (g *PatternGenerator) generate(frameNum int64) {
	switch g.config.Pattern {
	case PatternGradient:
		g.generateGradient()
	case PatternCheckerboard:
		g.generateCheckerboard()
	case PatternNoise:
		g.generateNoise()
	case PatternMovingBox:
		g.generateColorBars()
		g.drawMovingBox(frameNum)
	default:
		g.generateColorBars()
	}
}

// SMPTE color bars (simplified 8-bar pattern)
var colorBarsRGB = [][3]uint8{
	{192, 192, 192}, // White (75%)
	{192, 192, 0},   // Yellow
	{0, 192, 192},   // Cyan
	{0, 192, 0},     // Green
	{192, 0, 192},   // Magenta
	{192, 0, 0},     // Red
	{0, 0, 192},     // Blue
	{16, 16, 16},    // Black
}

func (g *PatternGenerator) generateColorBars() {
	w, h := g.config.Width, g.config.Height
	barWidth := max(w/8, 1)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			barIdx := min(x/barWidth, 7)
			rgb := colorBarsRGB[barIdx]
			yVal, u, v := rgbToYUV(rgb[0], rgb[1], rgb[2])

			g.yPlane[y*w+x] = yVal
			if x%2 == 0 && y%2 == 0 {
				uvIdx := (y/2)*(w/2) + (x / 2)
				g.uPlane[uvIdx] = u
				g.vPlane[uvIdx] = v
			}
		}
	}
}

func (g *PatternGenerator) generateGradient() {
	w, h := g.config.Width, g.config.Height
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g.yPlane[y*w+x] = uint8((x * 255) / w)
		}
	}
	g.neutralChroma()
}

func (g *PatternGenerator) generateCheckerboard() {
	w, h := g.config.Width, g.config.Height
	size := g.config.CheckerSize
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var yVal uint8 = 16
			if ((x/size)+(y/size))%2 == 0 {
				yVal = 235
			}
			g.yPlane[y*w+x] = yVal
		}
	}
	g.neutralChroma()
}

func (g *PatternGenerator) generateNoise() {
	// xorshift64
	for i := range g.yPlane {
		g.rngState ^= g.rngState << 13
		g.rngState ^= g.rngState >> 7
		g.rngState ^= g.rngState << 17
		g.yPlane[i] = uint8(g.rngState)
	}
	g.neutralChroma()
}

func (g *PatternGenerator) neutralChroma() {
	for i := range g.uPlane {
		g.uPlane[i] = 128
		g.vPlane[i] = 128
	}
}

func (g *PatternGenerator) drawMovingBox(frameNum int64) {
	w, h := g.config.Width, g.config.Height

	// Box moves in a circle around the center
	boxSize := max(min(w, h)/6, 2)
	radius := float64(min(w, h)) / 4
	angle := float64(frameNum) * 0.05
	boxX := w/2 + int(radius*math.Cos(angle)) - boxSize/2
	boxY := h/2 + int(radius*math.Sin(angle)) - boxSize/2

	for y := max(boxY, 0); y < boxY+boxSize && y < h; y++ {
		for x := max(boxX, 0); x < boxX+boxSize && x < w; x++ {
			g.yPlane[y*w+x] = 235
			if x%2 == 0 && y%2 == 0 {
				uvIdx := (y/2)*(w/2) + (x / 2)
				g.uPlane[uvIdx] = 128
				g.vPlane[uvIdx] = 128
			}
		}
	}
}

// rgbToYUV converts RGB to YUV (BT.601)
func rgbToYUV(r, g, b uint8) (y, u, v uint8) {
	yf := 16.0 + 65.481*float64(r)/255.0 + 128.553*float64(g)/255.0 + 24.966*float64(b)/255.0
	uf := 128.0 - 37.797*float64(r)/255.0 - 74.203*float64(g)/255.0 + 112.0*float64(b)/255.0
	vf := 128.0 + 112.0*float64(r)/255.0 - 93.786*float64(g)/255.0 - 18.214*float64(b)/255.0

	y = uint8(clampFloat(yf, 16, 235))
	u = uint8(clampFloat(uf, 16, 240))
	v = uint8(clampFloat(vf, 16, 240))
	return
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SyntheticIVF describes a generated test clip.
type SyntheticIVF struct {
	Pattern PatternConfig
	Codec   VideoCodec // Default: VideoCodecRaw
	Frames  int        // Number of frames to write
	Bitrate int        // Default: 1 Mbps

	// Registry supplies the encoder (default: DefaultRegistry).
	Registry *Registry
}

// WriteSyntheticIVF encodes generated pattern frames and writes them to w as
// an IVF file. It returns the number of frames written.
func WriteSyntheticIVF(ctx context.Context, w io.Writer, s SyntheticIVF) (int, error) {
	s.Pattern.applyDefaults()
	if s.Codec == VideoCodecUnknown {
		s.Codec = VideoCodecRaw
	}
	if s.Bitrate <= 0 {
		s.Bitrate = 1_000_000
	}
	reg := s.Registry
	if reg == nil {
		reg = DefaultRegistry
	}

	cfg := EncoderConfig{
		Codec:     s.Codec,
		Width:     s.Pattern.Width,
		Height:    s.Pattern.Height,
		Bitrate:   s.Bitrate,
		Framerate: s.Pattern.FPS,
	}
	provider, err := reg.CheckEncoderConfig(ctx, cfg)
	if err != nil {
		return 0, err
	}
	enc, err := reg.NewEncoder(cfg.Codec, provider, nil)
	if err != nil {
		return 0, err
	}
	defer enc.Close()
	if err := enc.Configure(cfg); err != nil {
		return 0, fmt.Errorf("configure %s encoder: %w", cfg.Codec, err)
	}

	iw := NewIVFWriter(w, cfg.Codec, cfg.Width, cfg.Height, cfg.Framerate)
	gen := NewPatternGenerator(s.Pattern)

	write := func(outs []EncodedOutput) error {
		for _, out := range outs {
			if err := iw.WriteChunk(out.Chunk); err != nil {
				return err
			}
		}
		return nil
	}

	for i := 0; i < s.Frames; i++ {
		if err := ctx.Err(); err != nil {
			return iw.Frames(), err
		}
		outs, err := enc.Encode(gen.Next())
		if err != nil {
			return iw.Frames(), fmt.Errorf("encode frame %d: %w", i, err)
		}
		if err := write(outs); err != nil {
			return iw.Frames(), err
		}
	}

	outs, err := enc.Flush()
	if err != nil {
		return iw.Frames(), err
	}
	if err := write(outs); err != nil {
		return iw.Frames(), err
	}
	return iw.Frames(), iw.Close()
}
