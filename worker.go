package transcode

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
)

// WorkerState represents the state of a Worker.
type WorkerState int32

const (
	WorkerStateIdle    WorkerState = iota // Waiting for a message
	WorkerStateRunning                    // Transcoding
	WorkerStateStopped                    // Closed
)

func (s WorkerState) String() string {
	switch s {
	case WorkerStateIdle:
		return "idle"
	case WorkerStateRunning:
		return "running"
	case WorkerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Status is the outcome reported in a Completion.
type Status string

const (
	StatusDone   Status = "done"
	StatusFailed Status = "failed"
)

// RenderTarget receives preview frames. Draw is called on the worker's
// pipeline goroutine and must not retain the frame after returning.
type RenderTarget interface {
	Draw(frame *DecodedFrame)
}

// StartMessage asks a Worker to transcode one source. The worker owns
// Target until the matching Completion is delivered.
type StartMessage struct {
	Source        SourceFile
	EncoderConfig EncoderConfig
	Target        RenderTarget // Optional
	Sink          Sink         // Default: DiscardSink
}

// Completion is the single signal reported for every accepted StartMessage.
type Completion struct {
	Name    string
	Status  Status
	Err     error
	Result  Result
	Elapsed time.Duration
}

type workerJob struct {
	msg  StartMessage
	done chan Completion
}

// Worker runs transcoding jobs one at a time on a dedicated goroutine, away
// from whatever goroutine posts them.
type Worker struct {
	pipeline *Pipeline
	log      logging.LeveledLogger

	jobs   chan workerJob
	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Pipeline  *Pipeline             // Default: NewPipeline(Options{})
	QueueSize int                   // Messages accepted while busy. Default: 0
	Logger    logging.LeveledLogger // Default: pion "worker" logger
}

// NewWorker starts a worker goroutine.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.Pipeline == nil {
		cfg.Pipeline = NewPipeline(Options{})
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewDefaultLoggerFactory().NewLogger("worker")
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		pipeline: cfg.Pipeline,
		log:      cfg.Logger,
		jobs:     make(chan workerJob, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	w.state.Store(int32(WorkerStateIdle))
	go w.loop()
	return w
}

// State returns the current worker state.
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// Post hands msg to the worker. It blocks until the worker (or its queue)
// accepts the message, ctx ends, or the worker is closed. ctx only bounds
// the hand-off; the job itself runs until it completes or Close is called.
func (w *Worker) Post(ctx context.Context, msg StartMessage) (<-chan Completion, error) {
	if msg.Source == nil {
		return nil, fmt.Errorf("%w: start message without source", ErrInvalidConfig)
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return nil, ErrWorkerClosed
	}

	job := workerJob{msg: msg, done: make(chan Completion, 1)}
	select {
	case w.jobs <- job:
		return job.done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.ctx.Done():
		return nil, ErrWorkerClosed
	}
}

// Close cancels the running job, fails queued ones and stops the worker.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.cancel()

		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()

		<-w.done
		for {
			select {
			case job := <-w.jobs:
				w.fail(job, ErrWorkerClosed)
			default:
				w.state.Store(int32(WorkerStateStopped))
				return
			}
		}
	})
	return nil
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return
		case job := <-w.jobs:
			// Both cases may be ready at once after Close.
			if w.ctx.Err() != nil {
				w.fail(job, ErrWorkerClosed)
				continue
			}
			w.run(job)
		}
	}
}

func (w *Worker) fail(job workerJob, err error) {
	job.done <- Completion{
		Name:   DisplayName(job.msg.Source.Name()),
		Status: StatusFailed,
		Err:    err,
	}
}

func (w *Worker) run(job workerJob) {
	w.state.CompareAndSwap(int32(WorkerStateIdle), int32(WorkerStateRunning))
	defer w.state.CompareAndSwap(int32(WorkerStateRunning), int32(WorkerStateIdle))

	var render RenderFunc
	if job.msg.Target != nil {
		render = job.msg.Target.Draw
	}

	start := time.Now()
	res, err := w.pipeline.Start(w.ctx, StartRequest{
		Source:        job.msg.Source,
		EncoderConfig: job.msg.EncoderConfig,
		RenderFrame:   render,
		Sink:          job.msg.Sink,
	})

	c := Completion{
		Name:    res.Name,
		Status:  StatusDone,
		Result:  res,
		Elapsed: time.Since(start),
	}
	if err != nil {
		c.Status = StatusFailed
		c.Err = err
	}
	w.log.Debugf("%s: %s in %v", c.Name, c.Status, c.Elapsed)
	job.done <- c
}
