package transcode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/logging"
	"golang.org/x/sync/errgroup"
)

// Options configures a Pipeline. The zero value is usable.
type Options struct {
	Registry      *Registry             // Default: DefaultRegistry
	Demuxer       Demuxer               // Default: AutoDemuxer
	Pool          *FramePool            // Default: a new pool per pipeline
	LoggerFactory logging.LoggerFactory // Default: logging.NewDefaultLoggerFactory()
	Metrics       *Metrics              // Optional
}

// Pipeline composes Decode, Encode, Render+Forward and a Sink for one
// source at a time. A Pipeline may be reused for sequential runs.
type Pipeline struct {
	opts Options
	log  logging.LeveledLogger
}

// NewPipeline creates a pipeline with the given options.
func NewPipeline(opts Options) *Pipeline {
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry
	}
	if opts.Demuxer == nil {
		opts.Demuxer = AutoDemuxer{}
	}
	if opts.Pool == nil {
		opts.Pool = NewFramePool()
	}
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Pipeline{
		opts: opts,
		log:  opts.LoggerFactory.NewLogger("pipeline"),
	}
}

// Pool returns the frame pool shared by the pipeline's stages.
func (p *Pipeline) Pool() *FramePool {
	return p.opts.Pool
}

// StartRequest describes one transcoding run.
type StartRequest struct {
	Source        SourceFile
	EncoderConfig EncoderConfig
	RenderFrame   RenderFunc // Optional
	Sink          Sink       // Default: DiscardSink
}

// Result summarizes a run. It is filled in as far as the run got, also
// when Start returns an error.
type Result struct {
	Name     string
	Decode   StageStats // chunks in, frames out
	Encode   StageStats // frames in, envelopes out
	Render   StageStats // envelopes in, chunks forwarded
	Sink     int64      // envelopes consumed by the sink
	Rendered int64      // render callback invocations
	Elapsed  time.Duration
}

func (r Result) String() string {
	return fmt.Sprintf("%s: decoded=%d encoded=%d rendered=%d forwarded=%d in %v",
		r.Name, r.Decode.Out, r.Encode.In, r.Rendered, r.Render.Out, r.Elapsed.Round(time.Millisecond))
}

// Start runs the source through all stages concurrently and returns once the
// sink has consumed the final unit or any stage failed. The first failure
// cancels every other stage; the returned error carries the stage identity
// (see FailedStage).
func (p *Pipeline) Start(ctx context.Context, req StartRequest) (res Result, err error) {
	start := time.Now()
	defer func() {
		res.Elapsed = time.Since(start)
		p.opts.Metrics.runFinished(err, res.Elapsed)
		switch {
		case err == nil:
			p.log.Infof("%s", res)
		case isContextErr(err):
			p.log.Debugf("%s: canceled after %v", res.Name, res.Elapsed)
		default:
			p.log.Errorf("%s: %v", res.Name, err)
		}
	}()

	if req.Source == nil {
		return res, &StageError{Stage: StageDemux, Unit: UnitBytes, Err: errors.New("no source")}
	}
	res.Name = DisplayName(req.Source.Name())

	sink := req.Sink
	if sink == nil {
		sink = &DiscardSink{}
	}

	rc, err := req.Source.Open()
	if err != nil {
		err = &StageError{Stage: StageDemux, Unit: UnitBytes, Err: fmt.Errorf("open %s: %w", req.Source.Name(), err)}
		if cerr := closeSink(sink); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return res, err
	}
	defer rc.Close()

	decode := &DecodeStage{
		Demuxer:  p.opts.Demuxer,
		Registry: p.opts.Registry,
		Pool:     p.opts.Pool,
		Log:      p.opts.LoggerFactory.NewLogger(string(StageDecode)),
		Metrics:  p.opts.Metrics,
	}
	encode := &EncodeStage{
		Config:   req.EncoderConfig,
		Registry: p.opts.Registry,
		Pool:     p.opts.Pool,
		Log:      p.opts.LoggerFactory.NewLogger(string(StageEncode)),
		Metrics:  p.opts.Metrics,
	}
	render := &RenderStage{
		Render:   req.RenderFrame,
		Registry: p.opts.Registry,
		Pool:     p.opts.Pool,
		Log:      p.opts.LoggerFactory.NewLogger(string(StageRender)),
		Metrics:  p.opts.Metrics,
	}

	p.log.Debugf("%s: starting, target %s", res.Name, req.EncoderConfig)

	// One unit in flight per link.
	frames := make(chan *DecodedFrame)
	encoded := make(chan Envelope)
	forwarded := make(chan Envelope)

	var consumed int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return decode.Run(gctx, rc, frames) })
	g.Go(func() error { return encode.Run(gctx, frames, encoded) })
	g.Go(func() error { return render.Run(gctx, encoded, forwarded) })
	g.Go(func() error { return p.drain(gctx, sink, forwarded, &consumed) })
	err = g.Wait()

	if cerr := closeSink(sink); cerr != nil {
		err = errors.Join(err, cerr)
	}

	res.Decode = decode.Stats()
	res.Encode = encode.Stats()
	res.Render = render.Stats()
	res.Sink = consumed
	res.Rendered = render.Rendered()

	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return res, err
}

func (p *Pipeline) drain(ctx context.Context, sink Sink, in <-chan Envelope, n *int64) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-in:
			if !ok {
				return nil
			}
			unit := UnitChunk
			if env.Kind == EnvelopeConfig {
				unit = UnitConfig
			}
			if err := sink.WriteEnvelope(ctx, env); err != nil {
				return &StageError{Stage: StageSink, Unit: unit, Err: err}
			}
			p.opts.Metrics.unit(StageSink, unit)
			*n++
		}
	}
}

func closeSink(sink Sink) error {
	if err := sink.Close(); err != nil {
		return &StageError{Stage: StageSink, Unit: UnitBytes, Err: fmt.Errorf("close: %w", err)}
	}
	return nil
}
