package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DispatchMetrics tracks side-effect execution by the dispatcher.
type DispatchMetrics struct {
	attempts *prometheus.CounterVec
	results  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	deferred *prometheus.CounterVec
}

// NewDispatchMetrics registers the dispatcher metrics on the provided registerer.
func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	if reg == nil {
		return &DispatchMetrics{}
	}
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "side_effect_attempts_total",
		Help: "Side effect execution attempts.",
	}, []string{"kind"})
	results := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "side_effect_results_total",
		Help: "Side effect attempt results (succeeded, retry, dead).",
	}, []string{"kind", "result"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "side_effect_duration_seconds",
		Help:    "Duration of a single side effect attempt.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})
	deferred := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "side_effect_deferred_total",
		Help: "Side effects postponed by a send budget.",
	}, []string{"kind"})
	reg.MustRegister(attempts, results, duration, deferred)
	return &DispatchMetrics{
		attempts: attempts,
		results:  results,
		duration: duration,
		deferred: deferred,
	}
}

// ObserveAttempt records one execution attempt and its result.
func (m *DispatchMetrics) ObserveAttempt(kind, result string, d time.Duration) {
	if m == nil || m.attempts == nil {
		return
	}
	kind = normalizeLabel(kind)
	m.attempts.WithLabelValues(kind).Inc()
	m.results.WithLabelValues(kind, normalizeLabel(result)).Inc()
	m.duration.WithLabelValues(kind).Observe(d.Seconds())
}

// IncDeferred counts an intent pushed back because a budget was exhausted.
func (m *DispatchMetrics) IncDeferred(kind string) {
	if m == nil || m.deferred == nil {
		return
	}
	m.deferred.WithLabelValues(normalizeLabel(kind)).Inc()
}
