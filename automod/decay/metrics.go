package decay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ledgersDecayed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_decay_ledgers",
	Help: "Number of ledgers visited by decay passes, by result",
}, []string{"result"})

var boostsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "automod_decay_boosts_submitted",
	Help: "Number of decay boosts accepted",
})
