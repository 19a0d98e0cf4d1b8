// Package metrics exposes the service's Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-medlabel/pkg/circuitbreaker"
)

const namespace = "medlabel"

// Metrics holds all application metrics. Its methods satisfy the recorder
// interfaces of the resolver, ingestion and directory packages.
type Metrics struct {
	Resolutions       *prometheus.CounterVec
	DirectoryCalls    *prometheus.CounterVec
	DirectoryDuration *prometheus.HistogramVec
	Ingestions        *prometheus.CounterVec
	Placeholders      prometheus.Counter
	FeedMessages      *prometheus.CounterVec
	OutboxPending     prometheus.Gauge
	OutboxPublished   prometheus.Counter
	HTTPRequests      *prometheus.HistogramVec
}

// New creates the metrics and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Bohcode resolutions by outcome",
		}, []string{"status"}),
		DirectoryCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_calls_total",
			Help:      "Drug directory calls by operation and result",
		}, []string{"op", "result"}),
		DirectoryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "directory_call_duration_seconds",
			Help:      "Drug directory call latency",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"op"}),
		Ingestions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestions_total",
			Help:      "Ingested prescriptions, new or duplicate",
		}, []string{"kind"}),
		Placeholders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestion_placeholders_total",
			Help:      "Placeholder medicines created during ingestion",
		}),
		FeedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_messages_total",
			Help:      "Prescription feed messages handled",
		}, []string{"result"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending_entries",
			Help:      "Outbox entries waiting to be published",
		}),
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Outbox entries published",
		}),
		HTTPRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "route", "code"}),
	}

	reg.MustRegister(
		m.Resolutions,
		m.DirectoryCalls,
		m.DirectoryDuration,
		m.Ingestions,
		m.Placeholders,
		m.FeedMessages,
		m.OutboxPending,
		m.OutboxPublished,
		m.HTTPRequests,
	)
	return m
}

// ObserveResolution counts one resolver outcome.
func (m *Metrics) ObserveResolution(status string) {
	m.Resolutions.WithLabelValues(status).Inc()
}

// ObserveDirectoryCall records one directory request.
func (m *Metrics) ObserveDirectoryCall(op string, d time.Duration, ok bool) {
	result := "ok"
	if !ok {
		result = "no_result"
	}
	m.DirectoryCalls.WithLabelValues(op, result).Inc()
	m.DirectoryDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveIngestion records one ingested prescription.
func (m *Metrics) ObserveIngestion(duplicate bool, placeholders int) {
	kind := "new"
	if duplicate {
		kind = "duplicate"
	}
	m.Ingestions.WithLabelValues(kind).Inc()
	m.Placeholders.Add(float64(placeholders))
}

// ObserveFeedMessage records a handled feed message.
func (m *Metrics) ObserveFeedMessage(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.FeedMessages.WithLabelValues(result).Inc()
}

// SetOutboxPending sets the pending gauge.
func (m *Metrics) SetOutboxPending(n int64) {
	m.OutboxPending.Set(float64(n))
}

// Middleware times requests by their chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}

// BreakerCollector exports the state of every breaker in a manager.
type BreakerCollector struct {
	manager *circuitbreaker.Manager
	desc    *prometheus.Desc
}

// NewBreakerCollector returns a collector for m; register it next to the metrics.
func NewBreakerCollector(m *circuitbreaker.Manager) *BreakerCollector {
	return &BreakerCollector{
		manager: m,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "circuit_breaker_state"),
			"Circuit breaker state (0=closed, 1=open, 2=half-open)",
			[]string{"name"}, nil),
	}
}

func (c *BreakerCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *BreakerCollector) Collect(ch chan<- prometheus.Metric) {
	for _, h := range c.manager.Health() {
		var v float64
		switch h.State {
		case circuitbreaker.StateOpen:
			v = 1
		case circuitbreaker.StateHalfOpen:
			v = 2
		}
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, v, h.Name)
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
