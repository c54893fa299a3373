package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	leasedMetricsOnce sync.Once
	leasedRegistry    *LeasedMetrics
)

// LeasedMetrics wraps the collectors tracking lease lifecycle and settlement health.
type LeasedMetrics struct {
	transitions    *prometheus.CounterVec
	signatures     *prometheus.CounterVec
	settlements    *prometheus.CounterVec
	activations    *prometheus.CounterVec
	conflicts      prometheus.Counter
	pollLatency    prometheus.Histogram
	pendingBacklog prometheus.Gauge
	httpRequests   *prometheus.CounterVec
	httpLatency    *prometheus.HistogramVec
}

// Leased exposes the lazily-initialised metrics registry for the lease daemon.
func Leased() *LeasedMetrics {
	leasedMetricsOnce.Do(func() {
		leasedRegistry = &LeasedMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rentflow",
				Subsystem: "lease",
				Name:      "transitions_total",
				Help:      "Lease status transitions segmented by source and target status.",
			}, []string{"from", "to"}),
			signatures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rentflow",
				Subsystem: "lease",
				Name:      "signatures_total",
				Help:      "Signature submissions segmented by role and outcome.",
			}, []string{"role", "outcome"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rentflow",
				Subsystem: "settlement",
				Name:      "results_total",
				Help:      "Settlement attempts segmented by obligation kind and outcome.",
			}, []string{"kind", "outcome"}),
			activations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rentflow",
				Subsystem: "lease",
				Name:      "activation_attempts_total",
				Help:      "Activation coordinator invocations segmented by outcome.",
			}, []string{"outcome"}),
			conflicts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "rentflow",
				Subsystem: "settlement",
				Name:      "conflicting_hashes_total",
				Help:      "Settlement confirmations that carried a different transaction hash than the one on record.",
			}),
			pollLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "rentflow",
				Subsystem: "settlement",
				Name:      "poll_duration_seconds",
				Help:      "Time spent polling the processor until a terminal status or timeout.",
				Buckets:   []float64{0.5, 1, 2, 4, 8, 15, 30},
			}),
			pendingBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "rentflow",
				Subsystem: "settlement",
				Name:      "stale_pending_obligations",
				Help:      "Pending obligations found by the last reconciliation sweep.",
			}),
			httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rentflow",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests served segmented by route and status code.",
			}, []string{"route", "status"}),
			httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "rentflow",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			leasedRegistry.transitions,
			leasedRegistry.signatures,
			leasedRegistry.settlements,
			leasedRegistry.activations,
			leasedRegistry.conflicts,
			leasedRegistry.pollLatency,
			leasedRegistry.pendingBacklog,
			leasedRegistry.httpRequests,
			leasedRegistry.httpLatency,
		)
	})
	return leasedRegistry
}

// RecordTransition increments the transition counter.
func (m *LeasedMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(label(from), label(to)).Inc()
}

// RecordSignature records a signature outcome such as "accepted" or "address_mismatch".
func (m *LeasedMetrics) RecordSignature(role, outcome string) {
	if m == nil {
		return
	}
	m.signatures.WithLabelValues(label(role), label(outcome)).Inc()
}

// RecordSettlement records the outcome of a settlement attempt.
func (m *LeasedMetrics) RecordSettlement(kind, outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(label(kind), label(outcome)).Inc()
}

// RecordActivation records the outcome returned by the activation coordinator.
func (m *LeasedMetrics) RecordActivation(outcome string) {
	if m == nil {
		return
	}
	m.activations.WithLabelValues(label(outcome)).Inc()
}

// RecordConflict increments the conflicting settlement alert counter.
func (m *LeasedMetrics) RecordConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// ObservePoll records how long a settlement poll ran.
func (m *LeasedMetrics) ObservePoll(d time.Duration) {
	if m == nil {
		return
	}
	m.pollLatency.Observe(d.Seconds())
}

// SetPendingBacklog publishes the stale pending obligation count.
func (m *LeasedMetrics) SetPendingBacklog(n int) {
	if m == nil {
		return
	}
	m.pendingBacklog.Set(float64(n))
}

// ObserveHTTP records a served HTTP request.
func (m *LeasedMetrics) ObserveHTTP(route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(label(route), status).Inc()
	m.httpLatency.WithLabelValues(label(route)).Observe(d.Seconds())
}

// ConflictCollector exposes the conflict counter for assertions in tests.
func (m *LeasedMetrics) ConflictCollector() prometheus.Collector {
	if m == nil {
		return nil
	}
	return m.conflicts
}

// ActivationCollector exposes the activation counter vector for assertions in tests.
func (m *LeasedMetrics) ActivationCollector() *prometheus.CounterVec {
	if m == nil {
		return nil
	}
	return m.activations
}

func label(value string) string {
	if value = strings.TrimSpace(value); value == "" {
		return "unknown"
	}
	return strings.ToLower(value)
}
