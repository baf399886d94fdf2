package pipeline

import (
	"errors"
	"fmt"

	"github.com/tbourn/go-event-pipeline/internal/services"
)

// Kind is the failure class a processing error belongs to. It decides the
// fate of the message: acknowledge, release for retry, or dead-letter.
type Kind int

const (
	// KindNone means the request succeeded.
	KindNone Kind = iota
	// KindTransient errors are retried with backoff.
	KindTransient
	// KindValidation errors are dead-lettered at once.
	KindValidation
	// KindDuplicate means the request was already fully handled.
	KindDuplicate
	// KindTerminal means the retry budget ran out.
	KindTerminal
	// KindSubscriber is a subscriber that exhausted its own delivery budget.
	KindSubscriber
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "ok"
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindDuplicate:
		return "duplicate"
	case KindTerminal:
		return "retry_exhausted"
	case KindSubscriber:
		return "subscriber_exhausted"
	}
	return "unknown"
}

// DuplicateDelivery reports a redelivered request whose work is already
// done. It is an outcome, not a failure: the message is acknowledged.
var DuplicateDelivery = errors.New("duplicate delivery")

// ValidationError is a permanent rejection of a request's payload.
type ValidationError struct {
	RequestID string
	Err       error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("request %s rejected: %v", e.RequestID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// TransientError wraps a failure that may succeed on a later attempt
// (persistence, bus publish, lease contention).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// TerminalRetryExhaustion is raised when a request failed MaxAttempts times.
type TerminalRetryExhaustion struct {
	RequestID string
	Attempts  int
	Last      error
}

func (e *TerminalRetryExhaustion) Error() string {
	return fmt.Sprintf("request %s exhausted %d attempts: %v", e.RequestID, e.Attempts, e.Last)
}

func (e *TerminalRetryExhaustion) Unwrap() error { return e.Last }

// SubscriberDeliveryFailure is raised when one subscriber gave up on one
// event. It never affects the write path or other subscribers.
type SubscriberDeliveryFailure struct {
	Subscriber string
	EventID    string
	Attempts   int
	Err        error
}

func (e *SubscriberDeliveryFailure) Error() string {
	return fmt.Sprintf("subscriber %s gave up on event %s after %d attempts: %v", e.Subscriber, e.EventID, e.Attempts, e.Err)
}

func (e *SubscriberDeliveryFailure) Unwrap() error { return e.Err }

// Classify maps any error onto a Kind. Unknown errors are transient.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var (
		ve *ValidationError
		te *TerminalRetryExhaustion
		se *SubscriberDeliveryFailure
	)
	switch {
	case errors.Is(err, DuplicateDelivery):
		return KindDuplicate
	case errors.As(err, &ve), services.IsInvalid(err):
		return KindValidation
	case errors.As(err, &te):
		return KindTerminal
	case errors.As(err, &se):
		return KindSubscriber
	}
	return KindTransient
}
