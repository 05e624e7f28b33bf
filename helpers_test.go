package transcode

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pion/logging"
	"github.com/stretchr/testify/require"
)

// quietLogs discards everything below error level.
func quietLogs() logging.LoggerFactory {
	return &logging.DefaultLoggerFactory{
		Writer:          io.Discard,
		DefaultLogLevel: logging.LogLevelError,
		ScopeLevels:     map[string]logging.LogLevel{},
	}
}

func quietLogger() logging.LeveledLogger {
	return quietLogs().NewLogger("test")
}

// rawClip returns a synthetic raw IVF clip.
func rawClip(t testing.TB, width, height, fps, frames int) []byte {
	t.Helper()
	var buf bytes.Buffer
	n, err := WriteSyntheticIVF(context.Background(), &buf, SyntheticIVF{
		Pattern: PatternConfig{Width: width, Height: height, FPS: fps, Pattern: PatternMovingBox},
		Frames:  frames,
	})
	require.NoError(t, err)
	require.Equal(t, frames, n)
	return buf.Bytes()
}

// countingRegistry registers the software raw codec and counts every coder
// it constructs. VP8 is registered with an encoder that rejects every
// configuration so it can stand in for an unimplementable codec.
type countingRegistry struct {
	*Registry

	encoders atomic.Int64
	decoders atomic.Int64
	closed   atomic.Int64
}

func newCountingRegistry() *countingRegistry {
	c := &countingRegistry{Registry: NewRegistry()}
	c.RegisterEncoder(VideoCodecRaw, ProviderSoftware, EncoderFactory{
		New: func(*FramePool) (VideoEncoder, error) {
			c.encoders.Add(1)
			return &closeCounter{VideoEncoder: newRawEncoder(), n: &c.closed}, nil
		},
	})
	c.RegisterDecoder(VideoCodecRaw, ProviderSoftware, DecoderFactory{
		Supported: rawDecoderSupported,
		New: func(pool *FramePool) (VideoDecoder, error) {
			c.decoders.Add(1)
			return &decoderCloseCounter{VideoDecoder: newRawDecoder(pool), n: &c.closed}, nil
		},
	})
	c.RegisterEncoder(VideoCodecVP8, ProviderLibvpx, EncoderFactory{
		Supported: func(EncoderConfig) error { return errors.New("library not loaded") },
		New: func(*FramePool) (VideoEncoder, error) {
			c.encoders.Add(1)
			return nil, errors.New("must not be constructed")
		},
	})
	return c
}

type closeCounter struct {
	VideoEncoder
	n *atomic.Int64
}

func (c *closeCounter) Close() error {
	c.n.Add(1)
	return c.VideoEncoder.Close()
}

type decoderCloseCounter struct {
	VideoDecoder
	n *atomic.Int64
}

func (c *decoderCloseCounter) Close() error {
	c.n.Add(1)
	return c.VideoDecoder.Close()
}

// recordingSink keeps every envelope it is given.
type recordingSink struct {
	mu      sync.Mutex
	envs    []Envelope
	closed  int
	failAt  int // fail the Nth write (1-based); 0 never fails
	closeFn func() error
}

func (s *recordingSink) WriteEnvelope(_ context.Context, env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.envs)+1 == s.failAt {
		return errors.New("sink full")
	}
	s.envs = append(s.envs, env)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	s.closed++
	fn := s.closeFn
	s.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil
}

func (s *recordingSink) envelopes() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Envelope(nil), s.envs...)
}

func (s *recordingSink) chunks() []*EncodedChunk {
	var out []*EncodedChunk
	for _, env := range s.envelopes() {
		if env.Kind == EnvelopeChunk {
			out = append(out, env.Chunk)
		}
	}
	return out
}

// collectEnvelopes drains ch into a slice.
func collectEnvelopes(ch <-chan Envelope) []Envelope {
	var envs []Envelope
	for env := range ch {
		envs = append(envs, env)
	}
	return envs
}

// demuxFunc adapts a function to Demuxer.
type demuxFunc func(ctx context.Context, r io.Reader, h DemuxHandler) error

func (f demuxFunc) Run(ctx context.Context, r io.Reader, h DemuxHandler) error { return f(ctx, r, h) }

// rawChunks encodes n generated frames with the raw encoder.
func rawChunks(t testing.TB, width, height, n int) (DecoderConfig, []*EncodedChunk) {
	t.Helper()
	enc := newRawEncoder()
	defer enc.Close()
	require.NoError(t, enc.Configure(DefaultEncoderConfig(VideoCodecRaw, width, height)))

	gen := NewPatternGenerator(PatternConfig{Width: width, Height: height, Pattern: PatternMovingBox})
	var cfg DecoderConfig
	chunks := make([]*EncodedChunk, 0, n)
	for i := 0; i < n; i++ {
		outs, err := enc.Encode(gen.Next())
		require.NoError(t, err)
		for _, o := range outs {
			if o.DecoderConfig != nil {
				cfg = *o.DecoderConfig
			}
			chunks = append(chunks, o.Chunk)
		}
	}
	return cfg, chunks
}
