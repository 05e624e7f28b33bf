package transcode

import (
	"context"
	"fmt"

	"github.com/pion/logging"
)

// EncodeStage scales decoded frames to the target size and encodes them.
//
// The output is a single track (TrackID 0). A ConfigRecord is emitted
// immediately before the first MediaChunk and again before the first chunk
// of every new parameter set reported by the encoder.
type EncodeStage struct {
	Config   EncoderConfig
	Registry *Registry // Default: DefaultRegistry
	Pool     *FramePool
	Scaler   *VideoScaler // Default: stretch
	Log      logging.LeveledLogger
	Metrics  *Metrics

	counters stageCounters
}

// Stats returns frames consumed and envelopes emitted so far.
func (s *EncodeStage) Stats() StageStats {
	return s.counters.snapshot()
}

// Run encodes frames from in until it is closed and sends envelopes on out,
// closing out when done. Every received frame is released by this stage.
//
// Preflight runs before anything is received. If it fails no encoder is
// constructed and Run returns without reading in.
func (s *EncodeStage) Run(ctx context.Context, in <-chan *DecodedFrame, out chan<- Envelope) error {
	defer close(out)

	log := stageLogger(s.Log, StageEncode)
	reg := registryOrDefault(s.Registry)
	if s.Pool == nil {
		s.Pool = NewFramePool()
	}
	scaler := s.Scaler
	if scaler == nil {
		scaler = NewVideoScaler(ScaleModeStretch)
	}

	provider, err := reg.CheckEncoderConfig(ctx, s.Config)
	if err != nil {
		err = attribute(StageEncode, UnitConfig, err)
		log.Errorf("preflight: %v", err)
		return err
	}

	enc, err := reg.NewEncoder(s.Config.Codec, provider, s.Pool)
	if err != nil {
		return attribute(StageEncode, UnitConfig, err)
	}
	defer func() {
		if cerr := enc.Close(); cerr != nil {
			log.Warnf("closing encoder: %v", cerr)
		}
	}()
	if err := enc.Configure(s.Config); err != nil {
		return &CoderRuntimeError{Stage: StageEncode, Unit: UnitConfig, Err: err}
	}
	log.Infof("encoding to %s with %s", s.Config, enc.Provider())

	guard := newOrderGuard(StageEncode)
	// A configuration may arrive on an output without a chunk; it then
	// applies to the next chunk.
	var pending *DecoderConfig
	emit := func(outs []EncodedOutput) error {
		for _, o := range outs {
			if o.DecoderConfig != nil {
				cfg := *o.DecoderConfig
				pending = &cfg
			}
			if o.Chunk == nil {
				continue
			}
			if pending != nil {
				cfg := *pending
				pending = nil
				cfg.TrackID = o.Chunk.TrackID
				if guard.config(cfg) {
					if err := sendEnvelope(ctx, out, ConfigRecord(cfg)); err != nil {
						return err
					}
					s.Metrics.envelope(EnvelopeConfig)
					s.counters.out.Add(1)
				}
			}
			if err := guard.chunk(o.Chunk); err != nil {
				return err
			}
			if err := sendEnvelope(ctx, out, MediaChunk(o.Chunk)); err != nil {
				return err
			}
			s.Metrics.envelope(EnvelopeChunk)
			s.counters.out.Add(1)
		}
		return nil
	}

	for {
		var frame *DecodedFrame
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-in:
			if !ok {
				outs, err := enc.Flush()
				if err != nil {
					return &CoderRuntimeError{Stage: StageEncode, Unit: UnitFrame, Err: fmt.Errorf("flush: %w", err)}
				}
				if err := emit(outs); err != nil {
					return err
				}
				log.Debugf("encoded %d frames", s.counters.in.Load())
				return nil
			}
			frame = f
		}

		s.counters.in.Add(1)
		s.Metrics.unit(StageEncode, UnitFrame)

		outs, err := s.encode(enc, scaler, frame)
		if err != nil {
			return err
		}
		if err := emit(outs); err != nil {
			return err
		}
	}
}

// encode scales frame if needed and submits it. frame and any scaled copy
// are released before encode returns.
func (s *EncodeStage) encode(enc VideoEncoder, scaler *VideoScaler, frame *DecodedFrame) ([]EncodedOutput, error) {
	ts := frame.Timestamp
	src := frame
	if frame.Width != s.Config.Width || frame.Height != s.Config.Height {
		scaled := s.Pool.Get(s.Config.Width, s.Config.Height)
		err := scaler.ScaleInto(&scaled.VideoFrame, &frame.VideoFrame)
		frame.Release()
		if err != nil {
			scaled.Release()
			return nil, &CoderRuntimeError{Stage: StageEncode, Unit: UnitFrame, Timestamp: ts, Err: err}
		}
		src = scaled
	}

	outs, err := enc.Encode(&src.VideoFrame)
	src.Release()
	if err != nil {
		return nil, &CoderRuntimeError{Stage: StageEncode, Unit: UnitFrame, Timestamp: ts, Err: err}
	}
	return outs, nil
}
