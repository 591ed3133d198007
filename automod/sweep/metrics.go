package sweep

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sweptRecords = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_sweep_records",
	Help: "Number of expired sanction records deactivated, by sanction kind",
}, []string{"kind"})
