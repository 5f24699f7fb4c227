package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the daemon's Prometheus collectors, registered on a private
// registry so tests can build isolated instances.
type Metrics struct {
	Registry *prometheus.Registry

	SendsTotal        *prometheus.CounterVec
	CompletionSeconds prometheus.Histogram
	TokensTotal       *prometheus.CounterVec
	FeedClients       prometheus.Gauge
}

func NewMetrics(droppedEvents func() float64) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		Registry: reg,
		SendsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nbcon_assistant",
			Name:      "sends_total",
			Help:      "Message sends by outcome.",
		}, []string{"outcome"}),
		CompletionSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nbcon_assistant",
			Name:      "completion_duration_seconds",
			Help:      "Wall time of send requests including completion.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nbcon_assistant",
			Name:      "tokens_total",
			Help:      "Completion tokens consumed by direction.",
		}, []string{"direction"}),
		FeedClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "nbcon_assistant",
			Name:      "feed_clients",
			Help:      "Connected websocket feed clients.",
		}),
	}

	if droppedEvents != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "nbcon_assistant",
			Name:      "feed_dropped_events_total",
			Help:      "Change-feed events dropped on saturated subscribers.",
		}, droppedEvents)
	}
	return m
}
