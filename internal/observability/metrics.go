package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	activityPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fittrack",
		Subsystem: "persistence",
		Name:      "last_activity_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent activity write committed to the store.",
	})

	trackingStartedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fittrack",
		Subsystem: "tracking",
		Name:      "sessions_started_total",
		Help:      "Number of tracking sessions opened.",
	})

	trackingFinalizedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fittrack",
		Subsystem: "tracking",
		Name:      "sessions_finalized_total",
		Help:      "Number of tracking sessions finalized, labeled by reason.",
	}, []string{"reason"})

	trackingDeactivatedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fittrack",
		Subsystem: "tracking",
		Name:      "sessions_deactivated_total",
		Help:      "Number of tracking sessions closed without finalizing, labeled by reason.",
	}, []string{"reason"})

	distanceUpdateCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fittrack",
		Subsystem: "tracking",
		Name:      "distance_updates_total",
		Help:      "Number of distance updates applied to open sessions.",
	})

	sessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fittrack",
		Subsystem: "tracking",
		Name:      "session_duration_seconds",
		Help:      "Duration of finalized tracking sessions.",
		Buckets:   prometheus.ExponentialBuckets(60, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(
		activityPersistGauge,
		trackingStartedCounter,
		trackingFinalizedCounter,
		trackingDeactivatedCounter,
		distanceUpdateCounter,
		sessionDuration,
	)
}

// RecordActivityPersisted updates the persistence watermark gauge.
func RecordActivityPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	activityPersistGauge.Set(float64(ts.Unix()))
}

// RecordTrackingStarted counts an opened session.
func RecordTrackingStarted() {
	trackingStartedCounter.Inc()
}

// RecordTrackingFinalized counts a finalized session and observes its duration.
func RecordTrackingFinalized(reason string, durationSec int64) {
	trackingFinalizedCounter.WithLabelValues(reason).Inc()
	sessionDuration.Observe(float64(durationSec))
}

// RecordTrackingDeactivated counts a session closed without finalizing.
func RecordTrackingDeactivated(reason string) {
	trackingDeactivatedCounter.WithLabelValues(reason).Inc()
}

// RecordDistanceUpdate counts an applied distance update.
func RecordDistanceUpdate() {
	distanceUpdateCounter.Inc()
}
