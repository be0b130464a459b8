package gps

import "github.com/prometheus/client_golang/prometheus"

var samplesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fittrack",
	Subsystem: "gps",
	Name:      "samples_total",
	Help:      "Position samples processed by the distance filter, labeled by outcome.",
}, []string{"reason"})

var positionErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "fittrack",
	Subsystem: "gps",
	Name:      "position_errors_total",
	Help:      "Position source failures, labeled by reason.",
}, []string{"reason"})

func init() {
	prometheus.MustRegister(samplesProcessed, positionErrors)
}

func observeSample(reason Reason) {
	samplesProcessed.WithLabelValues(string(reason)).Inc()
}
