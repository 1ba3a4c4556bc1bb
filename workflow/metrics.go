package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/civistack/benefitflow/workflow/state"
)

// Metrics exposes the engine's Prometheus metrics, namespaced
// "benefitflow".
type Metrics struct {
	transitions  *prometheus.CounterVec
	stageLatency *prometheus.HistogramVec
	stageRetries *prometheus.CounterVec
	inflight     *prometheus.GaugeVec
	contention   prometheus.Counter
	deadLetters  *prometheus.CounterVec
}

// NewMetrics registers the engine metrics with the given registry
// (nil uses the default registerer).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "benefitflow",
			Name:      "transitions_total",
			Help:      "State transitions applied, by edge.",
		}, []string{"from", "to"}),
		stageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "benefitflow",
			Name:      "stage_latency_ms",
			Help:      "Stage execution duration in milliseconds.",
			Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 15000, 60000, 120000},
		}, []string{"stage", "status"}),
		stageRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "benefitflow",
			Name:      "stage_retries_total",
			Help:      "Stage retries scheduled, by error class.",
		}, []string{"stage", "class"}),
		inflight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "benefitflow",
			Name:      "stage_inflight",
			Help:      "Stage executions currently running.",
		}, []string{"stage"}),
		contention: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "benefitflow",
			Name:      "advance_contention_total",
			Help:      "Advance attempts that lost the lease or the transition race.",
		}),
		deadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "benefitflow",
			Name:      "dead_letter_total",
			Help:      "Jobs that permanently left the queue.",
		}, []string{"stage"}),
	}
}

// Transition records one applied state transition.
func (m *Metrics) Transition(from, to state.State) {
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// StageLatency records one stage execution.
func (m *Metrics) StageLatency(stage, status string, d time.Duration) {
	m.stageLatency.WithLabelValues(stage, status).Observe(float64(d.Milliseconds()))
}

// StageRetry records a scheduled retry.
func (m *Metrics) StageRetry(stage, class string) {
	m.stageRetries.WithLabelValues(stage, class).Inc()
}

// StageStarted marks a stage execution in flight until the returned
// function is called.
func (m *Metrics) StageStarted(stage string) func() {
	g := m.inflight.WithLabelValues(stage)
	g.Inc()
	return g.Dec
}

// LeaseContention records a lost advance race.
func (m *Metrics) LeaseContention() {
	m.contention.Inc()
}

// DeadLetter records a permanently failed job.
func (m *Metrics) DeadLetter(stage string) {
	m.deadLetters.WithLabelValues(stage).Inc()
}
