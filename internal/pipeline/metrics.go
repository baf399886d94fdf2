package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline collectors. Labels are bounded: queue names come from the closed
// entity/operation sets and outcomes from Kind.String.
var (
	// messagesTotal counts finished processing attempts by queue and outcome
	// (ok, duplicate, transient, validation, retry_exhausted).
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_messages_total",
			Help: "Processed work queue messages by outcome.",
		},
		[]string{"queue", "outcome"},
	)

	// processingSeconds records time from dequeue to final disposition.
	processingSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_processing_seconds",
			Help:    "Time spent processing one message.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// QueueDepth and DLQDepth are refreshed by the alarm monitor.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_queue_depth",
			Help: "Messages owned by a work queue (ready and in flight).",
		},
		[]string{"queue"},
	)
	DLQDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_dlq_depth",
			Help: "Dead letters per originating work queue.",
		},
		[]string{"queue"},
	)
)

func init() {
	prometheus.MustRegister(messagesTotal, processingSeconds, QueueDepth, DLQDepth)
}
