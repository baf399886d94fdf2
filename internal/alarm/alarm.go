// Package alarm delivers operational alerts: queue backlogs, dead-letter
// growth, error-rate spikes and exhausted retry budgets.
//
// Hooks are fire-and-forget. Notify must never block or fail the caller,
// which is usually a pipeline worker in the middle of disposing a message.
package alarm

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-event-pipeline/internal/domain"
)

// Kind names the condition an Alert reports.
type Kind string

const (
	KindQueueDepth          Kind = "queue_depth"
	KindDLQDepth            Kind = "dlq_depth"
	KindErrorRate           Kind = "error_rate"
	KindRetryExhausted      Kind = "retry_exhausted"
	KindSubscriberExhausted Kind = "subscriber_exhausted"
)

// Alert describes one crossing or one terminal failure.
type Alert struct {
	EntityType domain.EntityType `json:"entity_type,omitempty"`
	Operation  domain.Operation  `json:"operation,omitempty"`
	Queue      string            `json:"queue,omitempty"`
	Subscriber string            `json:"subscriber,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
	EventID    string            `json:"event_id,omitempty"`
	Kind       Kind              `json:"kind"`
	Value      float64           `json:"value"`
	Threshold  float64           `json:"threshold"`
	LastError  string            `json:"last_error,omitempty"`
	At         time.Time         `json:"at"`
}

// Hook receives alerts.
type Hook interface {
	Notify(ctx context.Context, a Alert)
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, a Alert)

// Notify calls f.
func (f HookFunc) Notify(ctx context.Context, a Alert) { f(ctx, a) }

// Nop discards alerts.
var Nop Hook = HookFunc(func(context.Context, Alert) {})

// LogHook writes alerts to the global zerolog logger.
type LogHook struct{}

// Notify logs a at warn level (error level for terminal failures).
func (LogHook) Notify(_ context.Context, a Alert) {
	ev := log.Warn()
	if a.Kind == KindRetryExhausted || a.Kind == KindSubscriberExhausted {
		ev = log.Error()
	}
	ev.Str("alarm", string(a.Kind)).
		Str("entity_type", string(a.EntityType)).
		Str("operation", string(a.Operation)).
		Str("queue", a.Queue).
		Str("subscriber", a.Subscriber).
		Str("request_id", a.RequestID).
		Str("event_id", a.EventID).
		Float64("value", a.Value).
		Float64("threshold", a.Threshold).
		Str("last_error", a.LastError).
		Time("at", a.At).
		Msg("alarm")
}

// Multi fans an alert out to several hooks.
type Multi []Hook

// Notify forwards a to every non-nil hook.
func (m Multi) Notify(ctx context.Context, a Alert) {
	for _, h := range m {
		if h != nil {
			h.Notify(ctx, a)
		}
	}
}
