package handlers

import "github.com/prometheus/client_golang/prometheus"

// intakeTotal counts submissions by queue and outcome
// (accepted, replay, rejected, error). Rejected envelopes have no queue yet
// and use queue="".
var intakeTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "intake_requests_total",
		Help: "Mutation submissions by queue and outcome.",
	},
	[]string{"queue", "outcome"},
)

func init() {
	prometheus.MustRegister(intakeTotal)
}
