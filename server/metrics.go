package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors exposed on /metrics. Each App owns its own
// registry so several apps can coexist in one process (tests).
type Metrics struct {
	registry *prometheus.Registry

	FlowsStarted    *prometheus.CounterVec
	FlowsCompleted  *prometheus.CounterVec
	FlowsFailed     *prometheus.CounterVec
	Notifications   *prometheus.CounterVec
	HookFailures    *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors. sockets, if non-nil, is sampled for
// the open connection gauge.
func NewMetrics(sockets func() int) (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FlowsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oauthsock_flows_started_total",
			Help: "OAuth flows initiated, by protocol and provider.",
		}, []string{"protocol", "provider"}),
		FlowsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oauthsock_flows_completed_total",
			Help: "OAuth callbacks that produced a result.",
		}, []string{"protocol", "provider"}),
		FlowsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oauthsock_flows_failed_total",
			Help: "OAuth callbacks that failed, by failure kind.",
		}, []string{"protocol", "provider", "kind"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oauthsock_notifications_total",
			Help: "Completion notifications by outcome (sent|unbound|socket_gone|send_failed).",
		}, []string{"provider", "outcome"}),
		HookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oauthsock_hook_failures_total",
			Help: "Completion hooks that returned an error or panicked.",
		}, []string{"provider"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "oauthsock_http_requests_total",
			Help: "HTTP requests by route pattern and status.",
		}, []string{"method", "route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oauthsock_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	collectors := []prometheus.Collector{
		m.FlowsStarted, m.FlowsCompleted, m.FlowsFailed,
		m.Notifications, m.HookFailures,
		m.HTTPRequests, m.RequestDuration,
	}
	if sockets != nil {
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "oauthsock_sockets_open",
			Help: "Currently open realtime connections.",
		}, func() float64 { return float64(sockets()) }))
	}
	for _, c := range collectors {
		if err := registerCollector(m.registry, c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Instrument records per-route request counts and latency. It reads the
// matched chi pattern after the handler ran so ids never become labels.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := wrapRecorder(w)
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		m.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func registerCollector(reg prometheus.Registerer, c prometheus.Collector) error {
	if err := reg.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return nil
		}
		return err
	}
	return nil
}
