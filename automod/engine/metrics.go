package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventProcessDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "automod_event_duration_sec",
	Help: "Total duration of violation event processing",
}, []string{"status"})

var eventProcessCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_event_processed",
	Help: "Number of violation events processed, by outcome",
}, []string{"status"})

var messagesClassified = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_messages_classified",
	Help: "Number of messages classified, by highest matched tier",
}, []string{"tier"})

var classifyErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "automod_classify_errors",
	Help: "Number of messages which could not be classified",
})

var sanctionsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_sanctions_issued",
	Help: "Number of sanction records created, by kind",
}, []string{"kind"})

var actuatorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_actuator_errors",
	Help: "Number of failed platform actions, by action",
}, []string{"action"})

var circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_circuit_breaker_trips",
	Help: "Number of actions skipped because a circuit breaker tripped",
}, []string{"action"})
