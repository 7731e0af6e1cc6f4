// Package metrics defines the Prometheus metric collectors used across the
// engine and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "filebot"

// Metrics holds all Prometheus collectors for the engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	RecordOpsTotal       *prometheus.CounterVec
	RecordOpLatency      *prometheus.HistogramVec
	AdapterLatency       *prometheus.HistogramVec
	QueryStrategyTotal   *prometheus.CounterVec
	CacheHitsTotal       *prometheus.CounterVec
	CacheMissesTotal     *prometheus.CounterVec
	CacheEvictionsTotal  *prometheus.CounterVec
	CacheWarmupsTotal    *prometheus.CounterVec
	PoolInUse            prometheus.Gauge
	PoolSize             prometheus.Gauge
	PoolCheckoutWait     prometheus.Histogram
	PoolExhaustedTotal   prometheus.Counter
	XrefFailuresTotal    *prometheus.CounterVec
	LockConflictsTotal   prometheus.Counter
	EventsPublishedTotal *prometheus.CounterVec
	CircuitBreakerState  *prometheus.GaugeVec

	handler http.Handler
}

// New creates all collectors and registers them with reg. Passing nil
// registers with the global default registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency in seconds.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),
		RecordOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "records",
				Name:      "operations_total",
				Help:      "Record operations by file, operation, and outcome.",
			},
			[]string{"file", "op", "outcome"},
		),
		RecordOpLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "records",
				Name:      "operation_seconds",
				Help:      "Record operation latency in seconds.",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"op"},
		),
		AdapterLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "adapter",
				Name:      "call_seconds",
				Help:      "Global store call latency by primitive.",
				Buckets:   []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
			[]string{"primitive"},
		),
		QueryStrategyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "strategy_total",
				Help:      "Query executions by chosen strategy.",
			},
			[]string{"strategy"},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Cache hits by tier.",
			},
			[]string{"tier"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Cache misses by tier.",
			},
			[]string{"tier"},
		),
		CacheEvictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "evictions_total",
				Help:      "Cache evictions by reason (capacity, expired, invalidated).",
			},
			[]string{"reason"},
		),
		CacheWarmupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "warmups_total",
				Help:      "Predictive warm-up attempts by outcome.",
			},
			[]string{"outcome"},
		),
		PoolInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "connections_in_use",
				Help:      "Connections currently checked out.",
			},
		),
		PoolSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "connections",
				Help:      "Configured pool size.",
			},
		),
		PoolCheckoutWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "checkout_wait_seconds",
				Help:      "Time spent waiting for a connection.",
				Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5},
			},
		),
		PoolExhaustedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "exhausted_total",
				Help:      "Checkouts that timed out.",
			},
		),
		XrefFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "xref",
				Name:      "failures_total",
				Help:      "Cross-reference entries that could not be maintained.",
			},
			[]string{"index"},
		),
		LockConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "locks",
				Name:      "conflicts_total",
				Help:      "Lock attempts rejected because another holder owns the record.",
			},
		),
		EventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Record change events by outcome (sent, dropped, failed).",
			},
			[]string{"outcome"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.RecordOpsTotal,
		m.RecordOpLatency,
		m.AdapterLatency,
		m.QueryStrategyTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheEvictionsTotal,
		m.CacheWarmupsTotal,
		m.PoolInUse,
		m.PoolSize,
		m.PoolCheckoutWait,
		m.PoolExhaustedTotal,
		m.XrefFailuresTotal,
		m.LockConflictsTotal,
		m.EventsPublishedTotal,
		m.CircuitBreakerState,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.handler = promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	} else {
		m.handler = promhttp.Handler()
	}
	return m
}

// Handler returns the scrape handler for the registry m was built on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.handler == nil {
		return promhttp.Handler()
	}
	return m.handler
}

func (m *Metrics) ObserveRecordOp(file, op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.RecordOpsTotal.WithLabelValues(file, op, outcome).Inc()
	m.RecordOpLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveAdapter(primitive string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.AdapterLatency.WithLabelValues(primitive).Observe(elapsed.Seconds())
}

func (m *Metrics) CountStrategy(strategy string) {
	if m == nil {
		return
	}
	m.QueryStrategyTotal.WithLabelValues(strategy).Inc()
}

func (m *Metrics) CacheHit(tier string) {
	if m == nil {
		return
	}
	m.CacheHitsTotal.WithLabelValues(tier).Inc()
}

func (m *Metrics) CacheMiss(tier string) {
	if m == nil {
		return
	}
	m.CacheMissesTotal.WithLabelValues(tier).Inc()
}

func (m *Metrics) CacheEviction(reason string) {
	if m == nil {
		return
	}
	m.CacheEvictionsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) CacheWarmup(outcome string) {
	if m == nil {
		return
	}
	m.CacheWarmupsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PoolState(inUse, size int) {
	if m == nil {
		return
	}
	m.PoolInUse.Set(float64(inUse))
	m.PoolSize.Set(float64(size))
}

func (m *Metrics) PoolWait(elapsed time.Duration, exhausted bool) {
	if m == nil {
		return
	}
	m.PoolCheckoutWait.Observe(elapsed.Seconds())
	if exhausted {
		m.PoolExhaustedTotal.Inc()
	}
}

func (m *Metrics) XrefFailure(index string) {
	if m == nil {
		return
	}
	m.XrefFailuresTotal.WithLabelValues(index).Inc()
}

func (m *Metrics) LockConflict() {
	if m == nil {
		return
	}
	m.LockConflictsTotal.Inc()
}

func (m *Metrics) EventPublished(outcome string) {
	if m == nil {
		return
	}
	m.EventsPublishedTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) BreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}
