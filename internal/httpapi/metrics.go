package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles Prometheus collectors for the HTTP API and the store
// events it observes.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	wsClients       prometheus.Gauge
	sseClients      prometheus.Gauge
	broadcastDrops  *prometheus.CounterVec
	rateLimited     prometheus.Counter
	eventsSent      *prometheus.CounterVec
	clipEvents      *prometheus.CounterVec
	storeErrors     *prometheus.CounterVec
}

func newMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cliprater",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests received",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cliprater",
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cliprater",
			Name:      "ws_clients",
			Help:      "Current connected WebSocket clients",
		}),
		sseClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cliprater",
			Name:      "sse_clients",
			Help:      "Current connected SSE clients",
		}),
		broadcastDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cliprater",
			Name:      "broadcast_drops_total",
			Help:      "Clip events dropped because a client was too slow",
		}, []string{"transport"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cliprater",
			Name:      "http_rate_limited_total",
			Help:      "HTTP requests rejected by the per-client rate limiter",
		}),
		eventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cliprater",
			Name:      "events_sent_total",
			Help:      "Clip events delivered to stream clients",
		}, []string{"transport"}),
		clipEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cliprater",
			Name:      "clip_events_total",
			Help:      "Successful store writes by event type",
		}, []string{"type"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cliprater",
			Name:      "store_errors_total",
			Help:      "Failed store operations by operation and error kind",
		}, []string{"op", "kind"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.wsClients,
		m.sseClients,
		m.broadcastDrops,
		m.rateLimited,
		m.eventsSent,
		m.clipEvents,
		m.storeErrors,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

func (m *Metrics) IncWSClients(delta float64) {
	if m == nil {
		return
	}
	m.wsClients.Add(delta)
}

func (m *Metrics) IncSSEClients(delta float64) {
	if m == nil {
		return
	}
	m.sseClients.Add(delta)
}

func (m *Metrics) IncBroadcastDrops(transport string) {
	if m == nil {
		return
	}
	m.broadcastDrops.WithLabelValues(transport).Inc()
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) IncEventsSent(transport string) {
	if m == nil {
		return
	}
	m.eventsSent.WithLabelValues(transport).Inc()
}

func (m *Metrics) IncClipEvent(eventType string) {
	if m == nil {
		return
	}
	m.clipEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncStoreError(op, kind string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op, kind).Inc()
}
