package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/pion/logging"
)

// DecodeStage demuxes a container and decodes its first video track.
//
// The first configuration the demuxer reports selects the track; chunks and
// configurations of any other track are skipped. A repeated configuration
// for the selected track with different parameters reconfigures the same
// decoder.
type DecodeStage struct {
	Demuxer  Demuxer   // Default: AutoDemuxer
	Registry *Registry // Default: DefaultRegistry
	Pool     *FramePool
	Log      logging.LeveledLogger
	Metrics  *Metrics

	counters stageCounters
}

// Stats returns chunks consumed and frames emitted so far.
func (s *DecodeStage) Stats() StageStats {
	return s.counters.snapshot()
}

// Run decodes everything read from r and sends the frames on out, closing
// out when done. Ownership of each frame passes to the receiver.
func (s *DecodeStage) Run(ctx context.Context, r io.Reader, out chan<- *DecodedFrame) (err error) {
	defer close(out)

	log := stageLogger(s.Log, StageDecode)
	reg := registryOrDefault(s.Registry)
	demuxer := s.Demuxer
	if demuxer == nil {
		demuxer = AutoDemuxer{}
	}
	if s.Pool == nil {
		s.Pool = NewFramePool()
	}

	var (
		dec   VideoDecoder
		codec VideoCodec
		track = -1
		guard = newOrderGuard(StageDecode)
	)
	defer func() {
		if dec != nil {
			if cerr := dec.Close(); cerr != nil {
				log.Warnf("closing decoder: %v", cerr)
			}
		}
	}()

	onConfig := func(ctx context.Context, cfg DecoderConfig) error {
		s.Metrics.unit(StageDecode, UnitConfig)
		changed := guard.config(cfg)
		if track >= 0 && cfg.TrackID != track {
			log.Debugf("skipping config for track %d", cfg.TrackID)
			return nil
		}
		if !changed {
			return nil
		}

		provider, err := reg.CheckDecoderConfig(ctx, cfg)
		if err != nil {
			var uce *UnsupportedCodecError
			if errors.As(err, &uce) && cfg.Codec == VideoCodecUnknown && len(cfg.Description) > 0 {
				uce.Reason = fmt.Sprintf("%s (container codec %q)", uce.Reason, cfg.Description)
			}
			return attribute(StageDecode, UnitConfig, err)
		}

		if dec != nil && cfg.Codec != codec {
			return &UnsupportedCodecError{
				Stage:  StageDecode,
				Codec:  cfg.Codec,
				Reason: fmt.Sprintf("codec change from %s mid-stream", codec),
			}
		}
		if dec == nil {
			dec, err = reg.NewDecoder(cfg.Codec, provider, s.Pool)
			if err != nil {
				return attribute(StageDecode, UnitConfig, err)
			}
			track, codec = cfg.TrackID, cfg.Codec
			log.Infof("decoding track %d with %s (%s)", track, codec, dec.Provider())
		} else {
			log.Infof("reconfiguring decoder: %s", cfg)
		}
		if err := dec.Configure(cfg); err != nil {
			return &CoderRuntimeError{Stage: StageDecode, Unit: UnitConfig, Err: err}
		}
		return nil
	}

	onChunk := func(ctx context.Context, chunk *EncodedChunk) error {
		if err := guard.chunk(chunk); err != nil {
			return err
		}
		if chunk.TrackID != track {
			return nil
		}
		s.counters.in.Add(1)
		s.Metrics.unit(StageDecode, UnitChunk)

		frame, err := dec.Decode(chunk)
		if err != nil {
			return &CoderRuntimeError{Stage: StageDecode, Unit: UnitChunk, Timestamp: chunk.Timestamp, Err: err}
		}
		if frame == nil {
			return nil
		}
		if err := sendFrame(ctx, out, frame); err != nil {
			return err
		}
		s.counters.out.Add(1)
		return nil
	}

	err = demuxer.Run(ctx, r, DemuxHandlerFuncs{Config: onConfig, Chunk: onChunk})
	if err != nil {
		if _, _, ok := FailedStage(err); !ok && !isContextErr(err) {
			err = &StageError{Stage: StageDemux, Unit: UnitBytes, Err: err}
		}
		if !isContextErr(err) {
			log.Errorf("%v", err)
		}
		return err
	}

	if dec == nil {
		log.Warn("container had no video track")
		return nil
	}
	frames, err := dec.Flush()
	if err != nil {
		releaseAll(frames)
		return &CoderRuntimeError{Stage: StageDecode, Unit: UnitChunk, Err: fmt.Errorf("flush: %w", err)}
	}
	for i, f := range frames {
		if err := sendFrame(ctx, out, f); err != nil {
			releaseAll(frames[i+1:])
			return err
		}
		s.counters.out.Add(1)
	}
	log.Debugf("decoded %d frames", s.counters.out.Load())
	return nil
}
