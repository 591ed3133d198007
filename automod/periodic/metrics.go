package periodic

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_periodic_job_runs",
	Help: "Number of periodic job passes, by job and result",
}, []string{"job", "result"})

var jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "automod_periodic_job_duration_sec",
	Help:    "Duration of periodic job passes",
	Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
}, []string{"job"})
