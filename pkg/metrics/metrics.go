package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/offlinefirst/screenwatch/pkg/events"
)

// DefaultNamespace prefixes every exported metric.
const DefaultNamespace = "screenwatch"

// Recorder exports pipeline activity to Prometheus. It consumes the event
// stream and implements events.Publisher.
type Recorder struct {
	frames          prometheus.Gauge
	captures        prometheus.Counter
	captureFailures prometheus.Counter
	purges          prometheus.Counter
	purgedFrames    prometheus.Counter
	state           *prometheus.GaugeVec
	compiles        *prometheus.CounterVec
	compileDuration prometheus.Histogram
	compileSkipped  prometheus.Counter
}

// NewRecorder registers the collectors on reg (the default registerer when nil).
func NewRecorder(namespace string, reg prometheus.Registerer) (*Recorder, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		frames: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frames",
			Help:      "Frames currently retained on disk.",
		}),
		captures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captures_total",
			Help:      "Frames successfully admitted.",
		}),
		captureFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_failures_total",
			Help:      "Capture attempts dropped after a failure.",
		}),
		purges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purges_total",
			Help:      "Capacity purges executed.",
		}),
		purgedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purged_frames_total",
			Help:      "Frames deleted by capacity purges.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lifecycle_state",
			Help:      "1 for the current lifecycle state, 0 otherwise.",
		}, []string{"state"}),
		compiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compiles_total",
			Help:      "Finished compiles by outcome.",
		}, []string{"outcome"}),
		compileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compile_duration_seconds",
			Help:      "Wall time of finished compiles.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		compileSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compile_skipped_frames_total",
			Help:      "Frames skipped during compiles because they could not be decoded.",
		}),
	}
	collectors := []prometheus.Collector{
		r.frames, r.captures, r.captureFailures, r.purges, r.purgedFrames,
		r.state, r.compiles, r.compileDuration, r.compileSkipped,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return r, nil
}

// Publish implements events.Publisher.
func (r *Recorder) Publish(ev events.Event) {
	if r == nil {
		return
	}
	switch ev.Kind {
	case events.KindFrameCount:
		r.frames.Set(float64(ev.Count))
		if ev.Path != "" {
			r.captures.Inc()
		}
	case events.KindCaptureFailed:
		r.captureFailures.Inc()
	case events.KindPurged:
		r.purges.Inc()
		r.purgedFrames.Add(float64(ev.Purged))
	case events.KindStateChanged:
		r.state.Reset()
		r.state.WithLabelValues(ev.State).Set(1)
	case events.KindCompileFinished:
		outcome := ev.ErrorKind
		if outcome == "" {
			outcome = "ok"
		}
		r.compiles.WithLabelValues(outcome).Inc()
		r.compileSkipped.Add(float64(ev.Skipped))
	}
}

// ObserveCompile records the duration of a finished compile.
func (r *Recorder) ObserveCompile(d time.Duration) {
	if r == nil {
		return
	}
	r.compileDuration.Observe(d.Seconds())
}

// SetFrames seeds the frame gauge, e.g. after startup.
func (r *Recorder) SetFrames(n int) {
	if r == nil {
		return
	}
	r.frames.Set(float64(n))
}
