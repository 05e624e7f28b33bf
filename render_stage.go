package transcode

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/logging"
)

// RenderStage re-decodes encoded output for preview and forwards it.
//
// It has two outputs. Every decoded frame is passed to Render, synchronously
// and in order. Every MediaChunk envelope is then forwarded on the out
// channel unchanged, after the frames it produced were rendered.
// ConfigRecords configure the internal decoder and are not forwarded.
type RenderStage struct {
	Render   RenderFunc
	Registry *Registry // Default: DefaultRegistry
	Pool     *FramePool
	Log      logging.LeveledLogger
	Metrics  *Metrics

	counters stageCounters
	rendered int64
}

// Stats returns envelopes consumed and chunks forwarded so far.
func (s *RenderStage) Stats() StageStats {
	return s.counters.snapshot()
}

// Rendered returns the number of render callback invocations. It must only
// be called after Run has returned.
func (s *RenderStage) Rendered() int64 {
	return s.rendered
}

// Run consumes envelopes from in until it is closed, closing out when done.
func (s *RenderStage) Run(ctx context.Context, in <-chan Envelope, out chan<- Envelope) error {
	defer close(out)

	log := stageLogger(s.Log, StageRender)
	reg := registryOrDefault(s.Registry)
	if s.Pool == nil {
		s.Pool = NewFramePool()
	}

	var (
		dec   VideoDecoder
		codec VideoCodec
		track = -1
		guard = newOrderGuard(StageRender)
	)
	defer func() {
		if dec != nil {
			if cerr := dec.Close(); cerr != nil {
				log.Warnf("closing decoder: %v", cerr)
			}
		}
	}()

	for {
		var env Envelope
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-in:
			if !ok {
				return s.flush(dec)
			}
			env = e
		}
		s.counters.in.Add(1)

		switch env.Kind {
		case EnvelopeConfig:
			s.Metrics.unit(StageRender, UnitConfig)
			if env.Config == nil {
				return &StageError{Stage: StageRender, Unit: UnitConfig, Err: errors.New("config envelope without a configuration")}
			}
			cfg := *env.Config
			if !guard.config(cfg) || (track >= 0 && cfg.TrackID != track) {
				continue
			}
			provider, err := reg.CheckDecoderConfig(ctx, cfg)
			if err != nil {
				return attribute(StageRender, UnitConfig, err)
			}
			if dec != nil && cfg.Codec != codec {
				return &UnsupportedCodecError{
					Stage:  StageRender,
					Codec:  cfg.Codec,
					Reason: fmt.Sprintf("codec change from %s mid-stream", codec),
				}
			}
			if dec == nil {
				dec, err = reg.NewDecoder(cfg.Codec, provider, s.Pool)
				if err != nil {
					return attribute(StageRender, UnitConfig, err)
				}
				track, codec = cfg.TrackID, cfg.Codec
				log.Debugf("preview decoder %s (%s)", codec, dec.Provider())
			}
			if err := dec.Configure(cfg); err != nil {
				return &CoderRuntimeError{Stage: StageRender, Unit: UnitConfig, Err: err}
			}

		case EnvelopeChunk:
			chunk := env.Chunk
			if chunk == nil {
				return &StageError{Stage: StageRender, Unit: UnitChunk, Err: errors.New("chunk envelope without a chunk")}
			}
			if err := guard.chunk(chunk); err != nil {
				log.Errorf("%v", err)
				return err
			}
			s.Metrics.unit(StageRender, UnitChunk)
			if chunk.TrackID == track {
				frame, err := dec.Decode(chunk)
				if err != nil {
					return &CoderRuntimeError{Stage: StageRender, Unit: UnitChunk, Timestamp: chunk.Timestamp, Err: err}
				}
				if frame != nil {
					s.render(frame)
				}
			}
			if err := sendEnvelope(ctx, out, env); err != nil {
				return err
			}
			s.counters.out.Add(1)

		default:
			return &StageError{Stage: StageRender, Unit: UnitChunk, Err: fmt.Errorf("invalid envelope kind %d", env.Kind)}
		}
	}
}

func (s *RenderStage) render(frame *DecodedFrame) {
	defer frame.Release()
	s.rendered++
	if s.Render != nil {
		s.Render(frame)
	}
}

func (s *RenderStage) flush(dec VideoDecoder) error {
	if dec == nil {
		return nil
	}
	frames, err := dec.Flush()
	if err != nil {
		releaseAll(frames)
		return &CoderRuntimeError{Stage: StageRender, Unit: UnitChunk, Err: fmt.Errorf("flush: %w", err)}
	}
	for _, f := range frames {
		s.render(f)
	}
	return nil
}
