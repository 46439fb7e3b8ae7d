package bot

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	updatesTotal   *prometheus.CounterVec
	filterDuration *prometheus.HistogramVec
	pendingTotal   *prometheus.CounterVec
}

// NewMetrics registers the bot collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		updatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polybot_updates_total",
			Help: "Telegram updates handled by kind and outcome.",
		}, []string{"kind", "outcome"}),
		filterDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "polybot_filter_duration_seconds",
			Help:    "Time spent fetching, filtering and storing one image.",
			Buckets: prometheus.DefBuckets,
		}, []string{"filter", "outcome"}),
		pendingTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polybot_concat_pending_total",
			Help: "Concat buffer transitions.",
		}, []string{"transition"}),
	}
	if reg != nil {
		reg.MustRegister(m.updatesTotal, m.filterDuration, m.pendingTotal)
	}
	return m
}
