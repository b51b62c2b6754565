package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "realtime"

type serverMetrics struct {
	connections   prometheus.Gauge
	rooms         prometheus.Gauge
	published     prometheus.Counter
	delivered     prometheus.Counter
	dropped       prometheus.Counter
	invalidFrames prometheus.Counter
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &serverMetrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Currently open websocket connections.",
		}),
		rooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "rooms",
			Help:      "Rooms with at least one member.",
		}),
		published: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "published_frames_total",
			Help:      "Frames handed to Publish.",
		}),
		delivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "delivered_frames_total",
			Help:      "Frames enqueued to connection write buffers.",
		}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_frames_total",
			Help:      "Frames dropped because a consumer's write buffer was full.",
		}),
		invalidFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "invalid_frames_total",
			Help:      "Inbound frames dropped as malformed or unknown.",
		}),
	}
}
