package transcode

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runDecode(ctx context.Context, s *DecodeStage, data []byte) ([]*DecodedFrame, error) {
	out := make(chan *DecodedFrame)
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx, bytes.NewReader(data), out) }()

	var frames []*DecodedFrame
	for f := range out {
		frames = append(frames, f)
	}
	return frames, <-errc
}

func TestDecodeStage_DecodesInOrder(t *testing.T) {
	pool := NewFramePool()
	s := &DecodeStage{Pool: pool, Log: quietLogger()}

	frames, err := runDecode(context.Background(), s, rawClip(t, 64, 48, 30, 20))
	require.NoError(t, err)
	require.Len(t, frames, 20)

	for i, f := range frames {
		assert.Equal(t, 64, f.Width)
		assert.Equal(t, 48, f.Height)
		assert.Equal(t, int64(i)*1_000_000_000/30, f.Timestamp)
		if i > 0 {
			assert.GreaterOrEqual(t, f.Timestamp, frames[i-1].Timestamp)
		}
	}
	assert.Equal(t, StageStats{In: 20, Out: 20}, s.Stats())

	releaseAll(frames)
	stats := pool.Stats()
	assert.Equal(t, stats.Acquired, stats.Released)
	assert.Zero(t, stats.DoubleReleases)
}

func TestDecodeStage_UnsupportedCodec(t *testing.T) {
	data := rawClip(t, 16, 16, 30, 3)
	copy(data[8:12], "XVID")

	reg := newCountingRegistry()
	s := &DecodeStage{Registry: reg.Registry, Log: quietLogger()}
	frames, err := runDecode(context.Background(), s, data)

	var uce *UnsupportedCodecError
	require.ErrorAs(t, err, &uce)
	assert.Equal(t, StageDecode, uce.Stage)
	assert.Contains(t, uce.Error(), "XVID")
	assert.Empty(t, frames)
	assert.Zero(t, reg.decoders.Load(), "no decoder constructed")
}

func TestDecodeStage_ChunkBeforeConfig(t *testing.T) {
	cfg, chunks := rawChunks(t, 16, 16, 2)
	demux := demuxFunc(func(ctx context.Context, _ io.Reader, h DemuxHandler) error {
		if err := h.OnChunk(ctx, chunks[0]); err != nil {
			return err
		}
		return h.OnConfig(ctx, cfg)
	})

	s := &DecodeStage{Demuxer: demux, Log: quietLogger()}
	frames, err := runDecode(context.Background(), s, nil)
	assert.ErrorIs(t, err, ErrConfigurationOrder)
	stage, unit, ok := FailedStage(err)
	assert.True(t, ok)
	assert.Equal(t, StageDecode, stage)
	assert.Equal(t, UnitChunk, unit)
	assert.Empty(t, frames)
}

func TestDecodeStage_FirstTrackWins(t *testing.T) {
	cfg, chunks := rawChunks(t, 16, 16, 3)
	other := cfg
	other.TrackID = 1

	demux := demuxFunc(func(ctx context.Context, _ io.Reader, h DemuxHandler) error {
		if err := h.OnConfig(ctx, cfg); err != nil {
			return err
		}
		if err := h.OnConfig(ctx, other); err != nil {
			return err
		}
		for _, c := range chunks {
			if err := h.OnChunk(ctx, c); err != nil {
				return err
			}
			dup := c.Clone()
			dup.TrackID = 1
			if err := h.OnChunk(ctx, dup); err != nil {
				return err
			}
		}
		return nil
	})

	reg := newCountingRegistry()
	s := &DecodeStage{Demuxer: demux, Registry: reg.Registry, Log: quietLogger()}
	frames, err := runDecode(context.Background(), s, nil)
	require.NoError(t, err)
	assert.Len(t, frames, 3)
	for _, f := range frames {
		assert.Equal(t, 0, f.TrackID)
	}
	assert.Equal(t, int64(1), reg.decoders.Load())
	assert.Equal(t, int64(1), reg.closed.Load(), "decoder closed at end of run")
	releaseAll(frames)
}

func TestDecodeStage_CodecChangeMidStream(t *testing.T) {
	cfg, chunks := rawChunks(t, 16, 16, 1)
	demux := demuxFunc(func(ctx context.Context, _ io.Reader, h DemuxHandler) error {
		if err := h.OnConfig(ctx, cfg); err != nil {
			return err
		}
		if err := h.OnChunk(ctx, chunks[0]); err != nil {
			return err
		}
		return h.OnConfig(ctx, DecoderConfig{Codec: VideoCodecVP8})
	})

	reg := NewRegistry()
	reg.RegisterDecoder(VideoCodecRaw, ProviderSoftware, DecoderFactory{
		New: func(pool *FramePool) (VideoDecoder, error) { return newRawDecoder(pool), nil },
	})
	reg.RegisterDecoder(VideoCodecVP8, ProviderSoftware, DecoderFactory{
		New: func(pool *FramePool) (VideoDecoder, error) { return newRawDecoder(pool), nil },
	})

	s := &DecodeStage{Demuxer: demux, Registry: reg, Log: quietLogger()}
	frames, err := runDecode(context.Background(), s, nil)
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
	assert.Len(t, frames, 1)
	releaseAll(frames)
}

func TestDecodeStage_CorruptChunk(t *testing.T) {
	cfg, chunks := rawChunks(t, 16, 16, 2)
	bad := chunks[1].Clone()
	bad.Data = bad.Data[:rawHeaderSize+1]
	bad.Timestamp = 777

	demux := demuxFunc(func(ctx context.Context, _ io.Reader, h DemuxHandler) error {
		if err := h.OnConfig(ctx, cfg); err != nil {
			return err
		}
		if err := h.OnChunk(ctx, chunks[0]); err != nil {
			return err
		}
		return h.OnChunk(ctx, bad)
	})

	s := &DecodeStage{Demuxer: demux, Log: quietLogger()}
	frames, err := runDecode(context.Background(), s, nil)
	var cre *CoderRuntimeError
	require.ErrorAs(t, err, &cre)
	assert.Equal(t, StageDecode, cre.Stage)
	assert.Equal(t, UnitChunk, cre.Unit)
	assert.Equal(t, int64(777), cre.Timestamp)
	assert.ErrorIs(t, err, ErrCorruptChunk)
	assert.Len(t, frames, 1)
	releaseAll(frames)
}

func TestDecodeStage_MalformedContainer(t *testing.T) {
	data := rawClip(t, 16, 16, 30, 3)
	s := &DecodeStage{Log: quietLogger()}
	frames, err := runDecode(context.Background(), s, data[:len(data)-2])

	assert.ErrorIs(t, err, ErrMalformedContainer)
	stage, unit, _ := FailedStage(err)
	assert.Equal(t, StageDemux, stage)
	assert.Equal(t, UnitBytes, unit)
	assert.Len(t, frames, 2)
	releaseAll(frames)
}

func TestDecodeStage_NoVideo(t *testing.T) {
	demux := demuxFunc(func(context.Context, io.Reader, DemuxHandler) error { return nil })
	s := &DecodeStage{Demuxer: demux, Log: quietLogger()}
	frames, err := runDecode(context.Background(), s, nil)
	assert.NoError(t, err)
	assert.Empty(t, frames)
}

func TestDecodeStage_CancelReleasesBlockedFrame(t *testing.T) {
	pool := NewFramePool()
	s := &DecodeStage{Pool: pool, Log: quietLogger()}

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan *DecodedFrame)
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx, bytes.NewReader(rawClip(t, 16, 16, 30, 10)), out) }()

	first := <-out
	require.NoError(t, first.Release())

	// Let the stage block on the next send, then cancel.
	require.Eventually(t, func() bool { return pool.Stats().Outstanding == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("decode stage did not stop")
	}
	for f := range out {
		f.Release()
	}
	assert.Zero(t, pool.Stats().Outstanding)
	assert.Zero(t, pool.Stats().DoubleReleases)
}
