package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var auditQueued = promauto.NewCounter(prometheus.CounterOpts{
	Name: "automod_audit_queued",
	Help: "Number of audit events queued for delivery",
})

var auditDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "automod_audit_dropped",
	Help: "Number of audit events dropped because the delivery queue was full",
})

var auditErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "automod_audit_errors",
	Help: "Number of audit events which failed delivery",
})
