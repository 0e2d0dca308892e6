// Package metrics exposes Prometheus collectors for the progress relay service.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/remote-progress-relay/internal/remoteprogress"
)

// RelayCollector records relay lifecycle metrics. It satisfies
// remoteprogress.Observer and is shared by every relay the service spawns.
type RelayCollector struct {
	updates    *prometheus.CounterVec
	terminated *prometheus.CounterVec
	active     prometheus.Gauge
	percent    prometheus.Histogram
}

// NewRelayCollector registers relay collectors against reg.
func NewRelayCollector(reg prometheus.Registerer) (*RelayCollector, error) {
	if reg == nil {
		return nil, fmt.Errorf("metrics registerer is required")
	}
	c := &RelayCollector{
		updates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "progressrelay_updates_total",
				Help: "Progress values stored and signaled, labeled by state.",
			},
			[]string{"state"},
		),
		terminated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "progressrelay_relays_terminated_total",
				Help: "Relays that stopped, labeled by reason and whether the stop was fatal.",
			},
			[]string{"reason", "fatal"},
		),
		active: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "progressrelay_relays_active",
				Help: "Relays currently running.",
			},
		),
		percent: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "progressrelay_update_percent",
				Help:    "Distribution of relayed progress percentages.",
				Buckets: []float64{0, 10, 25, 50, 75, 90, 100},
			},
		),
	}
	for _, col := range []prometheus.Collector{c.updates, c.terminated, c.active, c.percent} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("register relay collector: %w", err)
		}
	}
	return c, nil
}

// Started marks a relay as running.
func (c *RelayCollector) Started() {
	c.active.Inc()
}

// Relayed counts one stored progress value.
func (c *RelayCollector) Relayed(p remoteprogress.Progress) {
	c.updates.WithLabelValues(string(p.State)).Inc()
	c.percent.Observe(float64(p.Percent))
}

// Terminated counts the relay outcome and releases the active slot.
func (c *RelayCollector) Terminated(o remoteprogress.Outcome) {
	c.terminated.WithLabelValues(string(o.Reason), strconv.FormatBool(o.Fatal())).Inc()
	c.active.Dec()
}

// HTTPMetrics instruments the API router.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewHTTPMetrics registers HTTP collectors against reg.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	factory := promauto.With(reg)
	return &HTTPMetrics{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "progressrelay_http_requests_total",
				Help: "HTTP requests served, labeled by method, route and code.",
			},
			[]string{"method", "route", "code"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "progressrelay_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		),
	}
}

// Middleware is a chi middleware that records HTTP request metrics.
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(ww.status)).Inc()
		m.duration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler exposes the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the wrapped writer so streaming handlers keep working.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
