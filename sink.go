package transcode

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Sink is the terminal consumer of forwarded envelopes. WriteEnvelope is
// called from a single goroutine in stream order; Close once after the last
// envelope, whether or not the run succeeded.
type Sink interface {
	WriteEnvelope(ctx context.Context, env Envelope) error
	Close() error
}

// DiscardSink drops every envelope, counting what it saw.
type DiscardSink struct {
	mu      sync.Mutex
	configs int
	chunks  int
	bytes   int
}

func (s *DiscardSink) WriteEnvelope(_ context.Context, env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch env.Kind {
	case EnvelopeConfig:
		s.configs++
	case EnvelopeChunk:
		s.chunks++
		s.bytes += len(env.Chunk.Data)
	}
	return nil
}

func (s *DiscardSink) Close() error { return nil }

// Chunks returns the number of MediaChunks consumed.
func (s *DiscardSink) Chunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}

// Bytes returns the total payload size consumed.
func (s *DiscardSink) Bytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// IVFSink writes forwarded chunks to an IVF file.
type IVFSink struct {
	w      *IVFWriter
	closer io.Closer
}

// NewIVFSink writes to w using the output parameters in cfg. If w is an
// io.Closer it is closed by Close.
func NewIVFSink(w io.Writer, cfg EncoderConfig) *IVFSink {
	s := &IVFSink{w: NewIVFWriter(w, cfg.Codec, cfg.Width, cfg.Height, cfg.Framerate)}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

func (s *IVFSink) WriteEnvelope(_ context.Context, env Envelope) error {
	switch env.Kind {
	case EnvelopeConfig:
		s.w.SetSize(env.Config.CodedWidth, env.Config.CodedHeight)
		return nil
	case EnvelopeChunk:
		return s.w.WriteChunk(env.Chunk)
	default:
		return fmt.Errorf("ivf sink: invalid envelope kind %d", env.Kind)
	}
}

// Frames returns the number of frames written.
func (s *IVFSink) Frames() int { return s.w.Frames() }

func (s *IVFSink) Close() error {
	err := s.w.Close()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// RTPPacketWriter accepts RTP packets. *webrtc.TrackLocalStaticRTP
// implements it.
type RTPPacketWriter interface {
	WriteRTP(packet *rtp.Packet) error
}

// DefaultMTU is the RTP packet size budget used when none is given.
const DefaultMTU = 1200

const rtpHeaderSize = 12

// RTPSink packetizes forwarded chunks and writes them to an RTPPacketWriter.
type RTPSink struct {
	mu sync.Mutex

	writer      RTPPacketWriter
	payloader   rtp.Payloader
	sequencer   rtp.Sequencer
	ssrc        uint32
	payloadType uint8
	clockRate   uint32
	mtu         int

	packets int
}

// RTPSinkConfig configures an RTPSink.
type RTPSinkConfig struct {
	Codec       VideoCodec
	SSRC        uint32
	PayloadType uint8 // Default: codec's default payload type
	MTU         int   // Default: DefaultMTU
}

// NewRTPSink creates a sink for codecs with a standard RTP payload format.
func NewRTPSink(w RTPPacketWriter, cfg RTPSinkConfig) (*RTPSink, error) {
	payloader, err := newPayloader(cfg.Codec)
	if err != nil {
		return nil, err
	}
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.PayloadType == 0 {
		cfg.PayloadType = cfg.Codec.DefaultPayloadType()
	}
	return &RTPSink{
		writer:      w,
		payloader:   payloader,
		sequencer:   rtp.NewRandomSequencer(),
		ssrc:        cfg.SSRC,
		payloadType: cfg.PayloadType,
		clockRate:   cfg.Codec.ClockRate(),
		mtu:         cfg.MTU,
	}, nil
}

func newPayloader(codec VideoCodec) (rtp.Payloader, error) {
	switch codec {
	case VideoCodecVP8:
		return &codecs.VP8Payloader{}, nil
	case VideoCodecVP9:
		return &codecs.VP9Payloader{}, nil
	case VideoCodecH264:
		return &codecs.H264Payloader{}, nil
	case VideoCodecAV1:
		return &codecs.AV1Payloader{}, nil
	default:
		return nil, fmt.Errorf("no RTP payload format for %s", codec)
	}
}

func (s *RTPSink) WriteEnvelope(_ context.Context, env Envelope) error {
	if env.Kind != EnvelopeChunk {
		return nil
	}
	chunk := env.Chunk

	s.mu.Lock()
	defer s.mu.Unlock()

	payloads := s.payloader.Payload(uint16(s.mtu-rtpHeaderSize), chunk.Data)
	ts := uint32(uint64(chunk.Timestamp) * uint64(s.clockRate) / uint64(time.Second))
	for i, payload := range payloads {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == len(payloads)-1,
				PayloadType:    s.payloadType,
				SequenceNumber: s.sequencer.NextSequenceNumber(),
				Timestamp:      ts,
				SSRC:           s.ssrc,
			},
			Payload: payload,
		}
		if err := s.writer.WriteRTP(pkt); err != nil {
			return fmt.Errorf("write rtp: %w", err)
		}
		s.packets++
	}
	return nil
}

// Packets returns the number of RTP packets written.
func (s *RTPSink) Packets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets
}

func (s *RTPSink) Close() error { return nil }

// SampleWriter accepts whole media samples. *webrtc.TrackLocalStaticSample
// implements it.
type SampleWriter interface {
	WriteSample(sample media.Sample) error
}

// WebRTCSink writes forwarded chunks as samples to a local WebRTC track,
// which handles packetization for every negotiated binding.
type WebRTCSink struct {
	track   SampleWriter
	samples int
}

// NewWebRTCSink creates a sink writing to track.
func NewWebRTCSink(track SampleWriter) *WebRTCSink {
	return &WebRTCSink{track: track}
}

// NewWebRTCTrack creates a local sample track for codec.
func NewWebRTCTrack(codec VideoCodec, id, streamID string) (*webrtc.TrackLocalStaticSample, error) {
	if codec.MimeType() == "" {
		return nil, fmt.Errorf("no WebRTC mime type for %s", codec)
	}
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: codec.MimeType(), ClockRate: codec.ClockRate()},
		id, streamID,
	)
}

func (s *WebRTCSink) WriteEnvelope(_ context.Context, env Envelope) error {
	if env.Kind != EnvelopeChunk {
		return nil
	}
	err := s.track.WriteSample(media.Sample{
		Data:      env.Chunk.Data,
		Duration:  time.Duration(env.Chunk.Duration),
		Timestamp: time.Unix(0, env.Chunk.Timestamp),
	})
	if err != nil {
		return fmt.Errorf("write sample: %w", err)
	}
	s.samples++
	return nil
}

// Samples returns the number of samples written.
func (s *WebRTCSink) Samples() int { return s.samples }

func (s *WebRTCSink) Close() error { return nil }
