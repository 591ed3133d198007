package actuator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var actionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "automod_actuator_duration_sec",
	Help:    "Duration of moderation action requests to the platform",
	Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
}, []string{"action", "status"})
