package workflow

import (
	"time"

	"github.com/jonathan/survey-agent/internal/types"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records driver activity. A nil *Metrics records nothing.
type Metrics struct {
	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	runs         *prometheus.CounterVec
	iterations   *prometheus.HistogramVec
}

// NewMetrics creates the driver collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "survey_agent_steps_total",
				Help: "Total number of step executions by outcome",
			},
			[]string{"step", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "survey_agent_step_duration_seconds",
				Help:    "Step handler latency",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 9), // 10ms to ~11min
			},
			[]string{"step"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "survey_agent_runs_total",
				Help: "Total number of runs reaching a status",
			},
			[]string{"status"},
		),
		iterations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "survey_agent_gvr_iterations",
				Help:    "Generate iterations used before an artifact reached review",
				Buckets: prometheus.LinearBuckets(1, 1, 10),
			},
			[]string{"kind"},
		),
	}
	for _, c := range []prometheus.Collector{m.steps, m.stepDuration, m.runs, m.iterations} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeStep(step string, status types.TraceStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(step, string(status)).Inc()
	m.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (m *Metrics) observeRun(status types.RunStatus) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) observeReview(kind types.ArtifactKind, iteration int) {
	if m == nil {
		return
	}
	m.iterations.WithLabelValues(string(kind)).Observe(float64(iteration))
}
