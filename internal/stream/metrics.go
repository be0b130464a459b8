package stream

import "github.com/prometheus/client_golang/prometheus"

var (
	publishedUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fittrack",
		Subsystem: "stream",
		Name:      "updates_published_total",
		Help:      "Tracking updates broadcast to live subscribers, labeled by type.",
	}, []string{"type"})

	droppedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fittrack",
		Subsystem: "stream",
		Name:      "messages_dropped_total",
		Help:      "Messages dropped because a subscriber buffer was full.",
	})
)

func init() {
	prometheus.MustRegister(publishedUpdates, droppedMessages)
}
