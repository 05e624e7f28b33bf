//go:build (darwin || linux) && !novpx

package transcode

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireVPX(t testing.TB, codec VideoCodec) {
	t.Helper()
	if err := vpxCodecAvailable(codec); err != nil {
		t.Skipf("%s unavailable: %v", codec, err)
	}
}

func TestVPXRoundTrip(t *testing.T) {
	for _, codec := range []VideoCodec{VideoCodecVP8, VideoCodecVP9} {
		t.Run(codec.String(), func(t *testing.T) {
			requireVPX(t, codec)

			pool := NewFramePool()
			cfg := DefaultEncoderConfig(codec, 160, 96)
			enc := newVPXEncoder(codec)
			defer enc.Close()
			require.NoError(t, enc.Configure(cfg))
			assert.Equal(t, ProviderLibvpx, enc.Provider())

			gen := NewPatternGenerator(PatternConfig{Width: 160, Height: 96, FPS: 30, Pattern: PatternMovingBox})
			var outs []EncodedOutput
			for i := 0; i < 10; i++ {
				o, err := enc.Encode(gen.Next())
				require.NoError(t, err)
				outs = append(outs, o...)
			}
			require.NotEmpty(t, outs)
			require.NotNil(t, outs[0].DecoderConfig)
			assert.Equal(t, FrameTypeKey, outs[0].Chunk.Type)
			for _, o := range outs[1:] {
				assert.Nil(t, o.DecoderConfig)
			}

			dec := newVPXDecoder(codec, pool)
			defer dec.Close()
			require.NoError(t, dec.Configure(*outs[0].DecoderConfig))
			decoded := 0
			for _, o := range outs {
				f, err := dec.Decode(o.Chunk)
				require.NoError(t, err)
				if f == nil {
					continue
				}
				assert.Equal(t, 160, f.Width)
				assert.Equal(t, 96, f.Height)
				assert.Equal(t, o.Chunk.Timestamp, f.Timestamp)
				f.Release()
				decoded++
			}
			assert.Equal(t, len(outs), decoded)
			assert.Zero(t, pool.Stats().Outstanding)
		})
	}
}

func TestVPXKeyframeRequest(t *testing.T) {
	requireVPX(t, VideoCodecVP8)

	pool := NewFramePool()
	enc := newVPXEncoder(VideoCodecVP8)
	defer enc.Close()
	require.NoError(t, enc.Configure(DefaultEncoderConfig(VideoCodecVP8, 64, 64)))

	f := uniformFrame(pool, 64, 64, 90, 128, 128)
	defer f.Release()
	for i := 0; i < 3; i++ {
		f.Timestamp = int64(i) * 33_333_333
		_, err := enc.Encode(&f.VideoFrame)
		require.NoError(t, err)
	}
	enc.RequestKeyframe()
	f.Timestamp = 4 * 33_333_333
	outs, err := enc.Encode(&f.VideoFrame)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, FrameTypeKey, outs[0].Chunk.Type)
	assert.Equal(t, FrameTypeKey, ClassifyFrame(VideoCodecVP8, outs[0].Chunk.Data))
}

func TestVPXErrors(t *testing.T) {
	requireVPX(t, VideoCodecVP8)

	enc := newVPXEncoder(VideoCodecVP8)
	_, err := enc.Encode(&VideoFrame{Width: 16, Height: 16})
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, enc.Configure(DefaultEncoderConfig(VideoCodecVP9, 16, 16)), ErrInvalidConfig)
	require.NoError(t, enc.Close())
	assert.ErrorIs(t, enc.Configure(DefaultEncoderConfig(VideoCodecVP8, 16, 16)), ErrCoderClosed)

	dec := newVPXDecoder(VideoCodecVP8, nil)
	defer dec.Close()
	_, err = dec.Decode(&EncodedChunk{Data: []byte{1}})
	assert.ErrorIs(t, err, ErrNotConfigured)
	require.NoError(t, dec.Configure(DecoderConfig{Codec: VideoCodecVP8}))
	_, err = dec.Decode(&EncodedChunk{})
	assert.ErrorIs(t, err, ErrCorruptChunk)
}

func TestPipeline_VP8Output(t *testing.T) {
	requireVPX(t, VideoCodecVP8)

	pool := NewFramePool()
	var out bytes.Buffer
	cfg := DefaultEncoderConfig(VideoCodecVP8, 128, 72)
	target := NewSnapshotTarget("", 0)
	p := NewPipeline(Options{Pool: pool, LoggerFactory: quietLogs()})

	res, err := p.Start(context.Background(), StartRequest{
		Source:        clipSource(t, 320, 180, 30, 30),
		EncoderConfig: cfg,
		RenderFrame:   target.Draw,
		Sink:          NewIVFSink(&out, cfg),
	})
	require.NoError(t, err)
	assert.Positive(t, res.Rendered)
	assert.Equal(t, res.Encode.Out, res.Rendered+1, "one config plus a chunk per rendered frame")
	assert.Equal(t, 128, target.Latest().Bounds().Dx())
	assert.Equal(t, VideoCodecVP8, DetectVideoCodec(out.Bytes()))
	assertBalanced(t, pool)
}
