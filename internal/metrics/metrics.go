// Package metrics contains the prometheus infrastructure.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ConsensusMetrics instruments write processes. It implements consensus.Metrics.
type ConsensusMetrics struct {
	// Outcomes of finished processes (approved, failure reason, closed).
	outcomes *prometheus.CounterVec

	// Iterations needed before a process finished.
	iterations prometheus.Histogram

	// Duration of a process from start to outcome.
	durations *prometheus.HistogramVec

	// Peers removed from a cortege, by reason.
	exclusions *prometheus.CounterVec

	// Analysis rounds started.
	rounds prometheus.Counter

	// Processes currently running or lingering.
	active prometheus.Gauge
}

// NewConsensusMetrics creates and registers the protocol metrics.
// Repeated calls share the registered collectors.
func NewConsensusMetrics() *ConsensusMetrics {
	m := &ConsensusMetrics{
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortege_outcomes_total",
				Help: "How many write processes finished, partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		iterations: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cortege_iterations",
				Help:    "Analysis iterations needed before a write finished.",
				Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
			},
		),
		durations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "cortege_duration_seconds",
				Help: "How long write processes take, partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		exclusions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortege_exclusions_total",
				Help: "How many peers were removed from a cortege, partitioned by reason.",
			},
			[]string{"reason"},
		),
		rounds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cortege_rounds_total",
				Help: "How many analysis rounds were started.",
			},
		),
		active: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cortege_active_processes",
				Help: "Write processes currently held by the session manager.",
			},
		),
	}

	m.outcomes = registerOnce(m.outcomes).(*prometheus.CounterVec)
	m.iterations = registerOnce(m.iterations).(prometheus.Histogram)
	m.durations = registerOnce(m.durations).(*prometheus.HistogramVec)
	m.exclusions = registerOnce(m.exclusions).(*prometheus.CounterVec)
	m.rounds = registerOnce(m.rounds).(prometheus.Counter)
	m.active = registerOnce(m.active).(prometheus.Gauge)

	return m
}

// PeerExcluded counts a removal from the cortege.
func (m *ConsensusMetrics) PeerExcluded(reason string) {
	m.exclusions.WithLabelValues(reason).Inc()
}

// RoundStarted counts an analysis round.
func (m *ConsensusMetrics) RoundStarted() {
	m.rounds.Inc()
}

// Finished records the outcome of a process.
func (m *ConsensusMetrics) Finished(outcome string, iterations int32, elapsed time.Duration) {
	m.outcomes.WithLabelValues(outcome).Inc()
	m.durations.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if iterations >= 0 {
		m.iterations.Observe(float64(iterations))
	}
}

// ProcessAdded tracks a process taken by the session manager.
func (m *ConsensusMetrics) ProcessAdded() {
	m.active.Inc()
}

// ProcessRemoved tracks a process released by the session manager.
func (m *ConsensusMetrics) ProcessRemoved() {
	m.active.Dec()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Registers the collector with Prometheus. If an identical collector is already
// registered, returns the existing collector, otherwise returns the provided collector.
// Panics if the collector cannot be registered.
func registerOnce(collector prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(collector); err != nil {
		are := &prometheus.AlreadyRegisteredError{}
		if errors.As(err, are) {
			return are.ExistingCollector
		}
		panic(err)
	}
	return collector
}
