package transcode

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternGenerator_Defaults(t *testing.T) {
	gen := NewPatternGenerator(PatternConfig{})
	cfg := gen.Config()
	assert.Equal(t, 640, cfg.Width)
	assert.Equal(t, 360, cfg.Height)
	assert.Equal(t, 30, cfg.FPS)
	assert.Equal(t, PatternColorBars, cfg.Pattern)

	f := gen.Next()
	assert.Equal(t, PixelFormatI420, f.Format)
	assert.Len(t, f.Data[0], 640*360)
	assert.Len(t, f.Data[1], 320*180)
	assert.Equal(t, []int{640, 320, 320}, f.Stride)
}

func TestPatternGenerator_Timestamps(t *testing.T) {
	gen := NewPatternGenerator(PatternConfig{Width: 16, Height: 16, FPS: 30})

	var total int64
	for i := int64(0); i < 30; i++ {
		f := gen.Next()
		assert.Equal(t, i*1_000_000_000/30, f.Timestamp)
		total += f.Duration
	}
	assert.Equal(t, int64(1_000_000_000), total, "durations add up without drift")
}

func TestPatternGenerator_Patterns(t *testing.T) {
	for _, p := range []PatternType{PatternColorBars, PatternGradient, PatternCheckerboard, PatternNoise, PatternMovingBox} {
		t.Run(p.String(), func(t *testing.T) {
			a := NewPatternGenerator(PatternConfig{Width: 64, Height: 32, Pattern: p}).Next().Clone()
			b := NewPatternGenerator(PatternConfig{Width: 64, Height: 32, Pattern: p}).Next()
			assert.Equal(t, a.Data, b.Data, "generation is deterministic")
		})
	}
	assert.Equal(t, "Unknown", PatternType(42).String())
}

func TestPatternGenerator_MovingBoxMoves(t *testing.T) {
	gen := NewPatternGenerator(PatternConfig{Width: 128, Height: 72, Pattern: PatternMovingBox})
	first := gen.Next().Clone()
	for i := 0; i < 10; i++ {
		gen.Next()
	}
	assert.NotEqual(t, first.Data[0], gen.Next().Data[0])
}

func TestPatternGenerator_Gradient(t *testing.T) {
	f := NewPatternGenerator(PatternConfig{Width: 64, Height: 2, Pattern: PatternGradient}).Next()
	assert.Equal(t, byte(0), f.Data[0][0])
	assert.Less(t, f.Data[0][10], f.Data[0][50])
	assert.Equal(t, byte(128), f.Data[1][0])
}

func TestWriteSyntheticIVF(t *testing.T) {
	var buf bytes.Buffer
	n, err := WriteSyntheticIVF(context.Background(), &buf, SyntheticIVF{
		Pattern: PatternConfig{Width: 32, Height: 16, FPS: 10},
		Frames:  12,
	})
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	hdr, err := ParseIVFHeader(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, VideoCodecRaw, hdr.Codec)
	assert.Equal(t, 32, hdr.Width)
	assert.Equal(t, uint32(10), hdr.TimebaseDen)

	d, err := demuxAll(t, buf.Bytes())
	require.NoError(t, err)
	require.Len(t, d.chunks, 12)
	assert.True(t, d.chunks[0].IsKeyframe())
	for i, c := range d.chunks {
		assert.Equal(t, int64(i)*100_000_000, c.Timestamp)
	}
}

func TestWriteSyntheticIVF_Errors(t *testing.T) {
	var buf bytes.Buffer
	_, err := WriteSyntheticIVF(context.Background(), &buf, SyntheticIVF{
		Codec:    VideoCodecVP8,
		Frames:   1,
		Registry: newCountingRegistry().Registry,
	})
	assert.ErrorIs(t, err, ErrUnsupportedCodec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = WriteSyntheticIVF(ctx, &buf, SyntheticIVF{Frames: 1})
	assert.ErrorIs(t, err, context.Canceled)
}
