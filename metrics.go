package transcode

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for transcoding runs.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	UnitsTotal       *prometheus.CounterVec
	EnvelopesTotal   *prometheus.CounterVec
	StageErrorsTotal *prometheus.CounterVec
	RunsTotal        *prometheus.CounterVec
	RunDuration      prometheus.Histogram
}

// NewMetrics registers the transcoder collectors on reg. If pool is non-nil
// its outstanding and peak frame counts are exported as gauges.
func NewMetrics(reg prometheus.Registerer, pool *FramePool) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		UnitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcode_units_total",
				Help: "Total number of units handled, by stage and unit kind",
			},
			[]string{"stage", "unit"},
		),
		EnvelopesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcode_envelopes_total",
				Help: "Total number of envelopes emitted by the encode stage, by kind",
			},
			[]string{"kind"},
		),
		StageErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcode_stage_errors_total",
				Help: "Total number of terminal stage errors, by stage and error class",
			},
			[]string{"stage", "error"},
		),
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transcode_runs_total",
				Help: "Total number of pipeline runs, by completion status",
			},
			[]string{"status"},
		),
		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "transcode_run_duration_seconds",
				Help:    "Wall-clock duration of pipeline runs in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),
	}

	if pool != nil {
		factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "transcode_frames_outstanding",
				Help: "Number of decoded frames currently borrowed from the frame pool",
			},
			func() float64 { return float64(pool.Stats().Outstanding) },
		)
		factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "transcode_frames_outstanding_peak",
				Help: "High-water mark of borrowed decoded frames",
			},
			func() float64 { return float64(pool.Stats().PeakOutstanding) },
		)
	}
	return m
}

func (m *Metrics) unit(stage Stage, unit UnitKind) {
	if m == nil {
		return
	}
	m.UnitsTotal.WithLabelValues(string(stage), string(unit)).Inc()
}

func (m *Metrics) envelope(kind EnvelopeKind) {
	if m == nil {
		return
	}
	m.EnvelopesTotal.WithLabelValues(kind.String()).Inc()
}

// runFinished records the outcome of a run and, for failures, the class of
// the terminal error and the stage it came from.
func (m *Metrics) runFinished(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RunDuration.Observe(elapsed.Seconds())
	if err == nil {
		m.RunsTotal.WithLabelValues(string(StatusDone)).Inc()
		return
	}
	m.RunsTotal.WithLabelValues(string(StatusFailed)).Inc()

	stage, _, _ := FailedStage(err)
	if stage == "" {
		stage = "pipeline"
	}
	m.StageErrorsTotal.WithLabelValues(string(stage), errorClass(err)).Inc()
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedCodec):
		return "unsupported_codec"
	case errors.Is(err, ErrCoderRuntime):
		return "coder_runtime"
	case errors.Is(err, ErrConfigurationOrder):
		return "configuration_order"
	case errors.Is(err, ErrMalformedContainer):
		return "malformed_container"
	case isContextErr(err):
		return "canceled"
	default:
		return "other"
	}
}
