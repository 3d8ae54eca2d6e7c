// Package monitoring exposes the service's Prometheus metrics.
package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors registered on a private registry so multiple
// instances (one per test) never collide.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive     prometheus.Gauge
	SessionsCreated    prometheus.Counter
	SessionsTerminated *prometheus.CounterVec
	ConverseDuration   *prometheus.HistogramVec

	// Engine metrics
	EngineCalls    *prometheus.CounterVec
	EngineDuration *prometheus.HistogramVec

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	startTime time.Time
}

// NewMetrics creates a metrics collector with process and Go runtime collectors attached.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kvtavern_sessions_active",
			Help: "Number of live sessions holding an execution state",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "kvtavern_sessions_created_total",
			Help: "Total number of sessions successfully primed",
		}),
		SessionsTerminated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kvtavern_sessions_terminated_total",
			Help: "Total number of sessions torn down, by reason",
		}, []string{"reason"}),
		ConverseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kvtavern_converse_duration_seconds",
			Help:    "Duration of converse calls including guard wait",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"status"}),

		EngineCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kvtavern_engine_calls_total",
			Help: "Total number of engine calls, by operation and outcome",
		}, []string{"op", "status"}),
		EngineDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kvtavern_engine_call_duration_seconds",
			Help:    "Engine call latency in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"op"}),

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kvtavern_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kvtavern_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "kvtavern_uptime_seconds",
		Help: "Seconds since the metrics collector was created",
	}, func() float64 {
		return time.Since(m.startTime).Seconds()
	})

	return m
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveEngineCall records one engine call.
func (m *Metrics) ObserveEngineCall(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.EngineCalls.WithLabelValues(op, status).Inc()
	m.EngineDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveConverse records one converse call.
func (m *Metrics) ObserveConverse(d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ConverseDuration.WithLabelValues(status).Observe(d.Seconds())
}

// SessionOpened records a successfully created session.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.SessionsActive.Inc()
}

// SessionClosed records a session teardown.
func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.SessionsTerminated.WithLabelValues(reason).Inc()
	m.SessionsActive.Dec()
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
