// Package bus is the durable event bus. Publish logs a domain event together
// with one delivery row per matching subscription in a single transaction;
// Dispatchers then drain each subscriber's deliveries independently.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"github.com/tbourn/go-event-pipeline/internal/domain"
	"github.com/tbourn/go-event-pipeline/internal/repo"
)

var tracer = otel.Tracer("bus")

// Subscriber consumes events. A nil error acknowledges the event; any error
// is a negative acknowledgement and the delivery is retried. Delivery is
// at-least-once, so implementations deduplicate on EventID.
type Subscriber interface {
	Name() string
	Deliver(ctx context.Context, evt domain.DomainEvent) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc struct {
	ID string
	Fn func(ctx context.Context, evt domain.DomainEvent) error
}

func (s SubscriberFunc) Name() string { return s.ID }

func (s SubscriberFunc) Deliver(ctx context.Context, evt domain.DomainEvent) error {
	return s.Fn(ctx, evt)
}

// Pattern selects events. Empty fields match anything.
type Pattern struct {
	EntityType domain.EntityType `yaml:"entity_type" json:"entity_type,omitempty"`
	Operation  domain.Operation  `yaml:"operation"   json:"operation,omitempty"`
}

// Match reports whether evt satisfies p.
func (p Pattern) Match(evt domain.DomainEvent) bool {
	return (p.EntityType == "" || p.EntityType == evt.EntityType) &&
		(p.Operation == "" || p.Operation == evt.Operation)
}

// PublishError is returned when an event could not be made durable. The
// caller treats it as transient.
type PublishError struct {
	EventID string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish event %s: %v", e.EventID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ErrInvalidEvent is wrapped by Publish for events missing required fields.
var ErrInvalidEvent = errors.New("invalid event")

type subscription struct {
	id      string
	pattern Pattern
	sub     Subscriber
}

// SubscriptionHandle removes its subscription when Unsubscribe is called.
type SubscriptionHandle struct {
	bus *Bus
	id  string
}

// Unsubscribe stops routing new events to the subscription. Deliveries
// already recorded stay and are still dispatched. Calling it twice is safe.
func (h SubscriptionHandle) Unsubscribe() {
	if h.bus != nil {
		h.bus.remove(h.id)
	}
}

// Bus routes published events to subscriptions.
type Bus struct {
	db  *gorm.DB
	now func() time.Time

	mu   sync.RWMutex
	subs []subscription
}

// New returns a Bus storing its log in db. A nil now uses time.Now.
func New(db *gorm.DB, now func() time.Time) *Bus {
	if now == nil {
		now = time.Now
	}
	return &Bus{db: db, now: now}
}

// Subscribe routes events matching p to s.
func (b *Bus) Subscribe(p Pattern, s Subscriber) SubscriptionHandle {
	id := uuid.NewString()
	b.mu.Lock()
	b.subs = append(b.subs, subscription{id: id, pattern: p, sub: s})
	b.mu.Unlock()
	return SubscriptionHandle{bus: b, id: id}
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Route returns the names of subscribers whose patterns match evt, sorted
// and without duplicates.
func (b *Bus) Route(evt domain.DomainEvent) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, s := range b.subs {
		if !s.pattern.Match(evt) {
			continue
		}
		name := s.sub.Name()
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Subscribers returns every distinct subscriber, sorted by name.
func (b *Bus) Subscribers() []Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	byName := make(map[string]Subscriber)
	for _, s := range b.subs {
		if _, ok := byName[s.sub.Name()]; !ok {
			byName[s.sub.Name()] = s.sub
		}
	}
	out := make([]Subscriber, 0, len(byName))
	for _, s := range byName {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Publish makes evt durable and schedules it for every matching subscriber.
// Once it returns nil the event survives a crash. Publishing an event id
// that is already logged succeeds without creating new deliveries.
func (b *Bus) Publish(ctx context.Context, evt domain.DomainEvent) error {
	ctx, span := tracer.Start(ctx, "Bus.Publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", evt.EventID),
		attribute.String("entity.type", string(evt.EntityType)),
		attribute.String("operation", string(evt.Operation)),
	)

	if evt.EventID == "" || !evt.EntityType.Valid() || !evt.Operation.Valid() {
		err := &PublishError{EventID: evt.EventID, Err: ErrInvalidEvent}
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	subscribers := b.Route(evt)
	now := b.now().UTC()
	err := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := repo.EventExists(ctx, tx, evt.EventID)
		if err != nil {
			return err
		}
		if exists {
			return errAlreadyLogged
		}
		if _, err := repo.InsertEvent(ctx, tx, evt, now); err != nil {
			return err
		}
		return repo.InsertDeliveries(ctx, tx, evt.EventID, subscribers, now)
	})
	switch {
	case err == nil:
		span.SetAttributes(attribute.Int("bus.deliveries", len(subscribers)))
		publishedTotal.WithLabelValues("logged").Inc()
		return nil
	case errors.Is(err, errAlreadyLogged), errors.Is(err, repo.ErrDuplicate):
		span.SetAttributes(attribute.Bool("bus.duplicate", true))
		publishedTotal.WithLabelValues("duplicate").Inc()
		return nil
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		publishedTotal.WithLabelValues("error").Inc()
		return &PublishError{EventID: evt.EventID, Err: err}
	}
}

var errAlreadyLogged = errors.New("event already logged")
