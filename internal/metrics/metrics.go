// Package metrics exposes gateway dispatch, connection, worker pool and
// breaker activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gogogo1024/spgate"
	"github.com/gogogo1024/spgate/internal/breaker"
	"github.com/gogogo1024/spgate/internal/worker"
)

const namespace = "spgate"

// Metrics owns a private registry. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	dispatchTotal    *prometheus.CounterVec
	routeFallback    *prometheus.CounterVec
	connectionFaults *prometheus.CounterVec
	openConnections  *prometheus.GaugeVec

	asyncSubmitted  *prometheus.CounterVec
	asyncDropped    *prometheus.CounterVec
	asyncProcessed  *prometheus.CounterVec
	asyncDuration   *prometheus.HistogramVec
	asyncQueueDepth *prometheus.GaugeVec

	breakerState *prometheus.GaugeVec
}

var (
	_ spgate.Observer = (*Metrics)(nil)
	_ worker.Observer = (*Metrics)(nil)
)

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Dispatch cycles by endpoint, mode and outcome.",
		}, []string{"endpoint", "mode", "outcome"}),

		routeFallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_fallback_total",
			Help:      "Requests whose routing key fell back to the default handler.",
		}, []string{"endpoint"}),

		connectionFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_faults_total",
			Help:      "Connections closed by a fatal error.",
		}, []string{"endpoint"}),

		openConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Currently open connections.",
		}, []string{"endpoint"}),

		asyncSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "async",
			Name:      "submitted_total",
			Help:      "Async commands accepted into a pool queue.",
		}, []string{"pool"}),

		asyncDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "async",
			Name:      "dropped_total",
			Help:      "Async commands rejected because the pool queue was full.",
		}, []string{"pool"}),

		asyncProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "async",
			Name:      "processed_total",
			Help:      "Async commands executed, by status.",
		}, []string{"pool", "status"}),

		asyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "async",
			Name:      "duration_seconds",
			Help:      "Async command execution time.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}, []string{"pool"}),

		asyncQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "async",
			Name:      "queue_depth",
			Help:      "Pool queue depth observed at the last submission.",
		}, []string{"pool"}),

		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state per handler (0=closed, 1=open, 2=half-open).",
		}, []string{"handler"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.dispatchTotal,
		m.routeFallback,
		m.connectionFaults,
		m.openConnections,
		m.asyncSubmitted,
		m.asyncDropped,
		m.asyncProcessed,
		m.asyncDuration,
		m.asyncQueueDepth,
		m.breakerState,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) Dispatched(endpoint, mode, outcome string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(endpoint, mode, outcome).Inc()
}

func (m *Metrics) ConnectionOpened(endpoint string) {
	if m == nil {
		return
	}
	m.openConnections.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) ConnectionClosed(endpoint string) {
	if m == nil {
		return
	}
	m.openConnections.WithLabelValues(endpoint).Dec()
}

func (m *Metrics) ConnectionFault(endpoint string) {
	if m == nil {
		return
	}
	m.connectionFaults.WithLabelValues(endpoint).Inc()
}

// RouteFallback returns a hook for spgate.OnFallback bound to endpoint.
func (m *Metrics) RouteFallback(endpoint string) func(key string) {
	return func(string) {
		if m == nil {
			return
		}
		m.routeFallback.WithLabelValues(endpoint).Inc()
	}
}

func (m *Metrics) Submitted(pool string, depth int) {
	if m == nil {
		return
	}
	m.asyncSubmitted.WithLabelValues(pool).Inc()
	m.asyncQueueDepth.WithLabelValues(pool).Set(float64(depth))
}

func (m *Metrics) Dropped(pool string) {
	if m == nil {
		return
	}
	m.asyncDropped.WithLabelValues(pool).Inc()
}

func (m *Metrics) Processed(pool string, took time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.asyncProcessed.WithLabelValues(pool, status).Inc()
	m.asyncDuration.WithLabelValues(pool).Observe(took.Seconds())
}

// BreakerStateChanged matches breaker.OnStateChange.
func (m *Metrics) BreakerStateChanged(handler string, _, to breaker.State) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(handler).Set(float64(to))
}
