// Package metrics holds the Prometheus collectors for consent lifecycle,
// anchoring and HTTP traffic.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricTransitionsTotal    = "consent_transitions_total"
	MetricCASRetriesTotal     = "consent_cas_retries_total"
	MetricAnchorOutcomesTotal = "consent_anchor_outcomes_total"
	MetricLedgerCallDuration  = "consent_ledger_call_duration_seconds"
	MetricAnchorQueueDepth    = "consent_anchor_queue_depth"
	MetricHTTPRequestsTotal   = "http_requests_total"
	MetricHTTPRequestDuration = "http_request_duration_seconds"
)

// Outcome labels.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"

	AnchorSubmitted = "submitted"
	AnchorConfirmed = "confirmed"
	AnchorFailed    = "failed"
	AnchorRetried   = "retried"
)

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	transitions    *prometheus.CounterVec
	casRetries     *prometheus.CounterVec
	anchorOutcomes *prometheus.CounterVec
	ledgerCalls    *prometheus.HistogramVec
	queueDepth     prometheus.Gauge
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New creates unregistered collectors; call Register to expose them.
func New() *Metrics {
	return &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricTransitionsTotal,
				Help: "Consent lifecycle operations by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		casRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricCASRetriesTotal,
				Help: "Compare-and-swap attempts lost to a concurrent writer",
			},
			[]string{"op"},
		),
		anchorOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricAnchorOutcomesTotal,
				Help: "Ledger anchoring events by outcome",
			},
			[]string{"outcome"},
		),
		ledgerCalls: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricLedgerCallDuration,
				Help:    "Ledger client call latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"call", "outcome"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: MetricAnchorQueueDepth,
				Help: "Outstanding anchoring submissions",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricHTTPRequestsTotal,
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricHTTPRequestDuration,
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
			},
			[]string{"method", "path"},
		),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns every collector, mainly for tests.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.transitions,
		m.casRetries,
		m.anchorOutcomes,
		m.ledgerCalls,
		m.queueDepth,
		m.httpRequests,
		m.httpDuration,
	}
}

func (m *Metrics) IncTransition(op, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) IncCASRetry(op string) {
	if m == nil {
		return
	}
	m.casRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) IncAnchor(outcome string) {
	if m == nil {
		return
	}
	m.anchorOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveLedgerCall(call, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ledgerCalls.WithLabelValues(call, outcome).Observe(d.Seconds())
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// ObserveHTTP records one served request. path should be the route
// template, not the raw URL, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTP(method, path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}
