package transcode

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/pion/logging"
)

// RenderFunc receives each frame re-decoded from the encoded output. The
// frame is only valid for the duration of the call; the render stage
// releases it afterwards. Use VideoFrame.Clone to keep pixels.
type RenderFunc func(frame *DecodedFrame)

// StageStats counts the units a stage consumed and produced.
type StageStats struct {
	In  int64
	Out int64
}

type stageCounters struct {
	in  atomic.Int64
	out atomic.Int64
}

func (c *stageCounters) snapshot() StageStats {
	return StageStats{In: c.in.Load(), Out: c.out.Load()}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// attribute makes sure err carries stage identity. Typed stage errors keep
// their own attribution; anything else is wrapped in a StageError.
func attribute(stage Stage, unit UnitKind, err error) error {
	if err == nil || isContextErr(err) {
		return err
	}
	var uce *UnsupportedCodecError
	if errors.As(err, &uce) {
		if uce.Stage == "" {
			uce.Stage = stage
		}
		return err
	}
	if _, _, ok := FailedStage(err); ok {
		return err
	}
	return &StageError{Stage: stage, Unit: unit, Err: err}
}

func stageLogger(l logging.LeveledLogger, stage Stage) logging.LeveledLogger {
	if l != nil {
		return l
	}
	return logging.NewDefaultLoggerFactory().NewLogger(string(stage))
}

func registryOrDefault(r *Registry) *Registry {
	if r != nil {
		return r
	}
	return DefaultRegistry
}

// sendFrame hands f to the next stage. If ctx ends first the frame is
// released, since nobody else will ever own it.
func sendFrame(ctx context.Context, out chan<- *DecodedFrame, f *DecodedFrame) error {
	select {
	case out <- f:
		return nil
	case <-ctx.Done():
		f.Release()
		return ctx.Err()
	}
}

func sendEnvelope(ctx context.Context, out chan<- Envelope, env Envelope) error {
	select {
	case out <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func releaseAll(frames []*DecodedFrame) {
	for _, f := range frames {
		f.Release()
	}
}
