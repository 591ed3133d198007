package keylock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var lockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_keylock_acquisitions",
	Help: "Number of per-key section acquisitions, by whether the caller had to wait",
}, []string{"result"})
