package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var policyVersion = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "automod_policy_version",
	Help: "Currently loaded moderation policy version (value is always 1)",
}, []string{"version"})

var policyReloads = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_policy_reloads",
	Help: "Number of policy file reload attempts",
}, []string{"result"})
