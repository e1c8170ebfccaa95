// Package metrics exports recording session activity to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tuzkov/dashcam/session"
)

// Recorder implements session.Observer on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	segments  prometheus.Counter
	rotations prometheus.Counter
	failures  *prometheus.CounterVec
	stale     *prometheus.CounterVec
	state     prometheus.Gauge
}

var _ session.Observer = (*Recorder)(nil)

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		segments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashcam_segments_total",
			Help: "Segments started, including the first of every run.",
		}),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dashcam_rotations_total",
			Help: "Segment rotations.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashcam_failures_total",
			Help: "Recording failures by kind.",
		}, []string{"kind"}),
		stale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashcam_stale_events_total",
			Help: "Events dropped because they did not apply to the session state.",
		}, []string{"event"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dashcam_state",
			Help: "Current session state (0 idle, 1 awaiting preview, 2 recording, 3 rotating, 4 stopping, 5 failed).",
		}),
	}
	r.registry.MustRegister(
		r.segments, r.rotations, r.failures, r.stale, r.state,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) Transition(from, to session.State, _ session.Status) {
	r.state.Set(float64(to))
	if from == session.Rotating && to == session.Recording {
		r.rotations.Inc()
	}
}

func (r *Recorder) Updated(session.Status) {}

func (r *Recorder) SegmentStarted(session.Status) {
	r.segments.Inc()
}

func (r *Recorder) Failure(kind string, _ error) {
	r.failures.With(prometheus.Labels{"kind": kind}).Inc()
}

func (r *Recorder) StaleEvent(event string, _ session.State) {
	r.stale.With(prometheus.Labels{"event": event}).Inc()
}
