package bus

import "github.com/prometheus/client_golang/prometheus"

var (
	// publishedTotal counts Publish calls by outcome (logged, duplicate, error).
	publishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_published_total",
			Help: "Events published to the bus by outcome.",
		},
		[]string{"outcome"},
	)

	// deliveriesTotal counts delivery attempts by subscriber and outcome
	// (delivered, retry, dead).
	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_deliveries_total",
			Help: "Event delivery attempts per subscriber by outcome.",
		},
		[]string{"subscriber", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(publishedTotal, deliveriesTotal)
}
