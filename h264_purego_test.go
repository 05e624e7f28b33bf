//go:build (darwin || linux) && !noh264

package transcode

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireH264(t testing.TB) {
	t.Helper()
	if err := loadMediaH264(); err != nil {
		t.Skipf("H264 unavailable: %v", err)
	}
	if mediaH264EncoderAvailable() == 0 || mediaH264DecoderAvailable() == 0 {
		t.Skip("libmedia_h264 built without encoder or decoder")
	}
}

func TestH264RoundTrip(t *testing.T) {
	requireH264(t)

	pool := NewFramePool()
	cfg := DefaultEncoderConfig(VideoCodecH264, 160, 96)
	enc := &h264Encoder{}
	defer enc.Close()
	require.NoError(t, enc.Configure(cfg))
	assert.Equal(t, ProviderX264, enc.Provider())

	gen := NewPatternGenerator(PatternConfig{Width: 160, Height: 96, FPS: 30, Pattern: PatternMovingBox})
	var outs []EncodedOutput
	for i := 0; i < 10; i++ {
		o, err := enc.Encode(gen.Next())
		require.NoError(t, err)
		outs = append(outs, o...)
	}
	require.NotEmpty(t, outs)
	require.NotNil(t, outs[0].DecoderConfig)
	assert.Equal(t, VideoCodecH264, outs[0].DecoderConfig.Codec)
	assert.Empty(t, outs[0].DecoderConfig.Description)
	assert.Equal(t, FrameTypeKey, outs[0].Chunk.Type)
	assert.Equal(t, FrameTypeKey, ClassifyFrame(VideoCodecH264, outs[0].Chunk.Data))

	dec := newH264Decoder(pool)
	defer dec.Close()
	require.NoError(t, dec.Configure(*outs[0].DecoderConfig))
	assert.Equal(t, ProviderOpenH264, dec.Provider())
	decoded := 0
	for _, o := range outs {
		f, err := dec.Decode(o.Chunk)
		require.NoError(t, err)
		if f == nil {
			continue
		}
		assert.Equal(t, 160, f.Width)
		assert.Equal(t, 96, f.Height)
		f.Release()
		decoded++
	}
	assert.Positive(t, decoded)
	assert.Zero(t, pool.Stats().Outstanding)
}

func TestH264Errors(t *testing.T) {
	requireH264(t)

	enc := &h264Encoder{}
	_, err := enc.Encode(&VideoFrame{Width: 16, Height: 16})
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, enc.Configure(DefaultEncoderConfig(VideoCodecVP8, 16, 16)), ErrInvalidConfig)
	require.NoError(t, enc.Close())
	assert.ErrorIs(t, enc.Configure(DefaultEncoderConfig(VideoCodecH264, 16, 16)), ErrCoderClosed)

	dec := newH264Decoder(nil)
	defer dec.Close()
	_, err = dec.Decode(&EncodedChunk{Data: []byte{1}})
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, dec.Configure(DecoderConfig{Codec: VideoCodecH264, Description: []byte{1}}), ErrInvalidConfig)
	require.NoError(t, dec.Configure(DecoderConfig{Codec: VideoCodecH264, Description: testAVCC}))
	_, err = dec.Decode(&EncodedChunk{})
	assert.ErrorIs(t, err, ErrCorruptChunk)
	_, err = dec.Decode(&EncodedChunk{Data: []byte{0, 0, 0, 9, 0x65}})
	assert.ErrorIs(t, err, ErrCorruptChunk)
}

func TestH264Registered(t *testing.T) {
	requireH264(t)

	assert.True(t, ProviderOpenH264.Available())
	assert.True(t, ProviderX264.Available())
	p, err := DefaultRegistry.CheckDecoderConfig(context.Background(), DecoderConfig{Codec: VideoCodecH264, Description: testAVCC})
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenH264, p)
}

func TestPipeline_H264Output(t *testing.T) {
	requireH264(t)

	pool := NewFramePool()
	sink := &recordingSink{}
	cfg := DefaultEncoderConfig(VideoCodecH264, 128, 72)
	p := NewPipeline(Options{Pool: pool, LoggerFactory: quietLogs()})

	res, err := p.Start(context.Background(), StartRequest{
		Source:        clipSource(t, 320, 180, 30, 30),
		EncoderConfig: cfg,
		Sink:          sink,
	})
	require.NoError(t, err)
	assert.Positive(t, res.Rendered)
	chunks := sink.chunks()
	require.NotEmpty(t, chunks)
	assert.Equal(t, FrameTypeKey, ClassifyFrame(VideoCodecH264, chunks[0].Data))
	assertBalanced(t, pool)
}
