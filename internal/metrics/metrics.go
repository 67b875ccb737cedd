// Package metrics defines the Prometheus collectors exported by cloudml.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cloudml"

// Metrics groups every collector.
type Metrics struct {
	LiveModels          prometheus.Gauge
	RegistryOps         *prometheus.CounterVec
	ObservationsTotal   *prometheus.CounterVec
	BatchDuration       *prometheus.HistogramVec
	EventsTotal         *prometheus.CounterVec
	BreakerState        *prometheus.GaugeVec
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	WebSocketClients    prometheus.Gauge
}

// New registers all collectors with reg. Use prometheus.NewRegistry() in
// tests to avoid clashing with the global registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LiveModels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "models",
			Help:      "Number of live models",
		}),
		RegistryOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "operations_total",
			Help:      "Registry operations by operation and result",
		}, []string{"op", "result"}),
		ObservationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trainer",
			Name:      "observations_total",
			Help:      "Observations absorbed by model type",
		}, []string{"type"}),
		BatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "trainer",
			Name:      "batch_duration_seconds",
			Help:      "Time to validate, train and commit one ingest batch",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"type"}),
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "events_total",
			Help:      "Lifecycle events emitted by type",
		}, []string{"type"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "breaker_state",
			Help:      "1 for the current store circuit breaker state, 0 otherwise",
		}, []string{"state"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		WebSocketClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "clients",
			Help:      "Connected /ws subscribers",
		}),
	}
}

// SetLiveModels records the number of live models.
func (m *Metrics) SetLiveModels(n int) {
	if m == nil {
		return
	}
	m.LiveModels.Set(float64(n))
}

// RegistryOp counts one registry operation.
func (m *Metrics) RegistryOp(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RegistryOps.WithLabelValues(op, result).Inc()
}

// ObserveBatch records one committed ingest batch.
func (m *Metrics) ObserveBatch(modelType string, n int, d time.Duration) {
	if m == nil {
		return
	}
	m.ObservationsTotal.WithLabelValues(modelType).Add(float64(n))
	m.BatchDuration.WithLabelValues(modelType).Observe(d.Seconds())
}

// Event counts one lifecycle event.
func (m *Metrics) Event(eventType string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(eventType).Inc()
}

// SetBreakerState marks state as the current circuit state.
func (m *Metrics) SetBreakerState(state string) {
	if m == nil {
		return
	}
	for _, s := range []string{"closed", "half-open", "open"} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.BreakerState.WithLabelValues(s).Set(v)
	}
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, statusLabel(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// WebSocketConnected adjusts the subscriber gauge by delta.
func (m *Metrics) WebSocketConnected(delta int) {
	if m == nil {
		return
	}
	m.WebSocketClients.Add(float64(delta))
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
