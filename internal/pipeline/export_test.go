package pipeline

import "github.com/prometheus/client_golang/prometheus"

// MessagesCounter exposes the per-queue outcome counter to external tests.
func MessagesCounter(queue, outcome string) prometheus.Counter {
	return messagesTotal.WithLabelValues(queue, outcome)
}
