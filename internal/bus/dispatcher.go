package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"github.com/tbourn/go-event-pipeline/internal/alarm"
	"github.com/tbourn/go-event-pipeline/internal/domain"
	"github.com/tbourn/go-event-pipeline/internal/pipeline"
	"github.com/tbourn/go-event-pipeline/internal/repo"
)

// DispatcherOptions tunes one subscriber's delivery loop.
type DispatcherOptions struct {
	// Policy bounds redelivery. Its MaxAttempts is the subscriber's budget.
	Policy pipeline.Policy
	// Timeout bounds a single Deliver call.
	Timeout time.Duration
	// PollInterval is the pause between empty polls.
	PollInterval time.Duration
	// BatchSize is the number of due deliveries fetched per poll.
	BatchSize int
	Hook      alarm.Hook
	Now       func() time.Time
}

func (o *DispatcherOptions) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 16
	}
	if o.Hook == nil {
		o.Hook = alarm.Nop
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Dispatcher delivers one subscriber's pending events in order of due time.
// Each subscriber gets its own Dispatcher, so a slow or failing subscriber
// only delays itself.
type Dispatcher struct {
	db   *gorm.DB
	sub  Subscriber
	opts DispatcherOptions
}

// NewDispatcher returns a dispatcher for sub.
func NewDispatcher(db *gorm.DB, sub Subscriber, opts DispatcherOptions) *Dispatcher {
	opts.defaults()
	return &Dispatcher{db: db, sub: sub, opts: opts}
}

// Subscriber returns the subscriber served by d.
func (d *Dispatcher) Subscriber() string { return d.sub.Name() }

// Run drains due deliveries until ctx is cancelled. It returns nil on
// cancellation; storage errors are logged and retried after PollInterval.
func (d *Dispatcher) Run(ctx context.Context) error {
	l := log.With().Str("subscriber", d.sub.Name()).Logger()
	l.Info().Msg("dispatcher started")
	defer l.Info().Msg("dispatcher stopped")

	for {
		n, err := d.DrainOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			l.Error().Err(err).Msg("drain deliveries")
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d.opts.PollInterval):
		}
	}
}

// DrainOnce fetches one batch of due deliveries and attempts each of them.
// It returns how many deliveries were attempted.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	rows, err := repo.DueDeliveries(ctx, d.db, d.sub.Name(), d.opts.BatchSize, d.now())
	if err != nil {
		return 0, err
	}
	for i := range rows {
		if ctx.Err() != nil {
			return i, nil
		}
		if err := d.attempt(ctx, &rows[i]); err != nil {
			return i + 1, err
		}
	}
	return len(rows), nil
}

func (d *Dispatcher) attempt(ctx context.Context, row *domain.Delivery) error {
	evt := row.Event.Event()
	name := d.sub.Name()

	ctx, span := tracer.Start(ctx, "Dispatcher.Deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("subscriber", name),
		attribute.String("event.id", evt.EventID),
		attribute.Int("delivery.attempt", row.Attempt),
	)

	derr := d.deliver(ctx, evt)
	now := d.now()
	if derr == nil {
		deliveriesTotal.WithLabelValues(name, "delivered").Inc()
		return ignoreGone(repo.MarkDelivered(ctx, d.db, row.ID, now))
	}
	span.RecordError(derr)
	span.SetStatus(codes.Error, derr.Error())

	l := log.With().Str("subscriber", name).Str("event_id", evt.EventID).Int("attempt", row.Attempt).Logger()
	dec := d.opts.Policy.Next(row.Attempt, now)
	if !dec.Terminal {
		deliveriesTotal.WithLabelValues(name, "retry").Inc()
		l.Warn().Err(derr).Dur("delay", dec.Delay).Msg("delivery failed, rescheduled")
		return ignoreGone(repo.RescheduleDelivery(ctx, d.db, row.ID, row.Attempt+1, dec.NextEligibleAt, derr.Error(), now))
	}

	failure := &pipeline.SubscriberDeliveryFailure{Subscriber: name, EventID: evt.EventID, Attempts: row.Attempt + 1, Err: derr}
	deliveriesTotal.WithLabelValues(name, "dead").Inc()
	l.Error().Err(failure).Msg("delivery budget exhausted")
	if err := repo.MarkDeliveryDead(ctx, d.db, row.ID, row.Attempt+1, derr.Error(), now); err != nil {
		return ignoreGone(err)
	}
	d.opts.Hook.Notify(ctx, alarm.Alert{
		EntityType: evt.EntityType,
		Operation:  evt.Operation,
		Subscriber: name,
		EventID:    evt.EventID,
		RequestID:  evt.CausationID,
		Kind:       alarm.KindSubscriberExhausted,
		Value:      float64(row.Attempt + 1),
		Threshold:  float64(d.opts.Policy.MaxAttempts),
		LastError:  derr.Error(),
		At:         now.UTC(),
	})
	return nil
}

// deliver calls the subscriber under the per-delivery timeout. A panic in
// the subscriber counts as a failed delivery.
func (d *Dispatcher) deliver(ctx context.Context, evt domain.DomainEvent) (err error) {
	dctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return d.sub.Deliver(dctx, evt)
}

// ignoreGone treats a delivery that is no longer pending as handled.
func ignoreGone(err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	return err
}

func (d *Dispatcher) now() time.Time { return d.opts.Now().UTC() }

// Dispatchers builds one dispatcher per subscriber currently on b. tune, if
// non-nil, adjusts the options per subscriber name.
func Dispatchers(db *gorm.DB, b *Bus, base DispatcherOptions, tune func(name string, o DispatcherOptions) DispatcherOptions) []*Dispatcher {
	subs := b.Subscribers()
	out := make([]*Dispatcher, 0, len(subs))
	for _, s := range subs {
		o := base
		if tune != nil {
			o = tune(s.Name(), o)
		}
		out = append(out, NewDispatcher(db, s, o))
	}
	return out
}
