package api

import (
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	authRejected    *prometheus.CounterVec
	updatesEnqueued *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polybot_api_requests_total",
			Help: "Webhook server requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "polybot_api_request_duration_seconds",
			Help:    "Webhook server latency in seconds.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route"}),
		authRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polybot_api_auth_rejections_total",
			Help: "Webhook calls refused for a bad token, by reason.",
		}, []string{"reason"}),
		updatesEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polybot_queue_updates_enqueued_total",
			Help: "Telegram updates handed to the queue, by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.latency,
		m.authRejected,
		m.updatesEnqueued,
	)
	return m
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snoop := httpsnoop.CaptureMetrics(next, w, r)

		route := routeLabel(r.URL.Path)
		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(snoop.Code)).Inc()
		m.latency.WithLabelValues(r.Method, route).Observe(snoop.Duration.Seconds())
	})
}

// routeLabel maps a request path onto a fixed label set. Anything that is not
// a known static route is the webhook, whose path carries the bot token.
func routeLabel(path string) string {
	switch path {
	case "/", "/healthz", "/metrics":
		return path
	default:
		return "/{token}/"
	}
}
