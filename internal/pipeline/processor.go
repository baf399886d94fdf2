package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"

	"github.com/tbourn/go-event-pipeline/internal/alarm"
	"github.com/tbourn/go-event-pipeline/internal/domain"
	"github.com/tbourn/go-event-pipeline/internal/ledger"
	"github.com/tbourn/go-event-pipeline/internal/queue"
	"github.com/tbourn/go-event-pipeline/internal/services"
)

var tracer = otel.Tracer("pipeline")

// Publisher accepts domain events. A nil return means the event is durable.
type Publisher interface {
	Publish(ctx context.Context, evt domain.DomainEvent) error
}

// Mutator validates and applies mutation requests. services.Registry
// implements it.
type Mutator interface {
	Validate(req domain.MutationRequest) error
	Apply(ctx context.Context, tx *gorm.DB, req domain.MutationRequest) (services.Result, error)
}

// Config tunes a Processor.
type Config struct {
	Workers    int
	BatchSize  int
	Visibility time.Duration
	// Grace is how long in-flight work may continue after shutdown starts.
	Grace     time.Duration
	Policy    Policy
	LedgerTTL time.Duration
	// PollBackoff is the pause after a failed Dequeue.
	PollBackoff time.Duration
	// IdlePause is the shortest cycle of a worker that found no work. An
	// empty Dequeue that returns sooner is padded up to it.
	IdlePause time.Duration
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.Visibility <= 0 {
		c.Visibility = 30 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 10 * time.Second
	}
	if c.Policy.MaxAttempts <= 0 {
		c.Policy = DefaultPolicy()
	}
	if c.LedgerTTL <= 0 {
		c.LedgerTTL = c.Policy.LedgerTTL(time.Hour)
	}
	if c.PollBackoff <= 0 {
		c.PollBackoff = time.Second
	}
	if c.IdlePause <= 0 {
		c.IdlePause = 100 * time.Millisecond
	}
}

// Deps are the collaborators of a Processor.
type Deps struct {
	DB        *gorm.DB
	Queue     queue.WorkQueue
	Ledger    ledger.Ledger
	Mutator   Mutator
	Publisher Publisher
	Hook      alarm.Hook
	Now       func() time.Time
}

// Processor drains one work queue with a pool of workers. Every dequeued
// message ends acknowledged, released for retry or dead-lettered.
type Processor struct {
	d    Deps
	cfg  Config
	rate errorWindow
}

// NewProcessor returns a processor for deps.Queue.
func NewProcessor(deps Deps, cfg Config) *Processor {
	cfg.defaults()
	if deps.Hook == nil {
		deps.Hook = alarm.Nop
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Processor{d: deps, cfg: cfg}
}

// Name returns the queue the processor drains.
func (p *Processor) Name() string { return p.d.Queue.Name() }

// ErrorRate returns the share of failed messages in the current window and
// the number of messages behind it. The window restarts only when it held at
// least minSamples. It satisfies alarm.RateSource.
func (p *Processor) ErrorRate(minSamples int64) (float64, int64) { return p.rate.take(minSamples) }

// Run starts the workers and blocks until ctx is cancelled and in-flight
// work has finished or the grace period ran out. Messages not disposed of
// by then stay leased and reappear once their visibility window lapses.
func (p *Processor) Run(ctx context.Context) error {
	l := log.With().Str("queue", p.Name()).Int("workers", p.cfg.Workers).Logger()
	l.Info().Msg("processor started")

	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, work, id)
		}(i)
	}

	<-ctx.Done()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.cfg.Grace):
		l.Warn().Dur("grace", p.cfg.Grace).Msg("grace period over, abandoning in-flight messages")
		cancelWork()
		<-done
	}
	l.Info().Msg("processor stopped")
	return nil
}

// worker dequeues with ctx (stops on shutdown) and processes with work
// (outlives ctx by the grace period).
func (p *Processor) worker(ctx, work context.Context, id int) {
	l := log.With().Str("queue", p.Name()).Int("worker", id).Logger()
	for ctx.Err() == nil {
		started := time.Now()
		batch, err := p.d.Queue.Dequeue(ctx, p.cfg.BatchSize, p.cfg.Visibility)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.Error().Err(err).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollBackoff):
			}
			continue
		}
		if len(batch) == 0 {
			if rest := p.cfg.IdlePause - time.Since(started); rest > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(rest):
				}
			}
			continue
		}

		ka := p.keepAlive(work, batch)
		for _, d := range batch {
			if ctx.Err() != nil {
				break
			}
			p.Handle(work, d)
			ka.done(d.Receipt)
		}
		ka.stop()
	}
}

// Handle processes one delivery and disposes of it. It returns the outcome.
func (p *Processor) Handle(ctx context.Context, d queue.Delivery) Kind {
	start := time.Now()
	req := d.Request
	l := log.With().
		Str("queue", p.Name()).
		Str("request_id", req.RequestID).
		Int("attempt", req.Attempt).
		Int("receive_count", d.ReceiveCount).
		Logger()

	ctx, span := tracer.Start(ctx, "Processor.Handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("queue", p.Name()),
		attribute.String("request.id", req.RequestID),
		attribute.Int("request.attempt", req.Attempt),
	)

	err := p.process(ctx, req)
	kind := Classify(err)
	if err != nil && kind != KindDuplicate {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	switch kind {
	case KindNone, KindDuplicate:
		p.dispose(l, "acknowledge", p.d.Queue.Acknowledge(ctx, d.Receipt))
		if kind == KindNone {
			l.Info().Msg("request processed")
		} else {
			l.Debug().Msg("duplicate delivery acknowledged")
		}

	case KindValidation:
		l.Warn().Err(err).Msg("request rejected, dead-lettered")
		p.dispose(l, "dead-letter", p.d.Queue.DeadLetter(ctx, d.Receipt, domain.FailureValidation, err.Error()))

	default:
		dec := p.cfg.Policy.Next(req.Attempt, p.now())
		if !dec.Terminal {
			kind = KindTransient
			st, rerr := p.d.Queue.Release(ctx, d.Receipt, dec.Delay, err.Error())
			p.dispose(l, "release", rerr)
			if rerr == nil {
				l.Warn().Err(err).Dur("delay", dec.Delay).Time("next_eligible_at", st.NextEligibleAt).Msg("request failed, retry scheduled")
			}
			break
		}
		kind = KindTerminal
		term := &TerminalRetryExhaustion{RequestID: req.RequestID, Attempts: req.Attempt + 1, Last: err}
		l.Error().Err(term).Msg("retry budget exhausted, dead-lettered")
		derr := p.d.Queue.DeadLetter(ctx, d.Receipt, domain.FailureRetryExhausted, err.Error())
		p.dispose(l, "dead-letter", derr)
		if derr == nil {
			p.d.Hook.Notify(ctx, alarm.Alert{
				EntityType: req.EntityType,
				Operation:  req.Operation,
				Queue:      p.Name(),
				RequestID:  req.RequestID,
				Kind:       alarm.KindRetryExhausted,
				Value:      float64(req.Attempt + 1),
				Threshold:  float64(p.cfg.Policy.MaxAttempts),
				LastError:  err.Error(),
				At:         p.now(),
			})
		}
	}

	span.SetAttributes(attribute.String("outcome", kind.String()))
	messagesTotal.WithLabelValues(p.Name(), kind.String()).Inc()
	processingSeconds.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
	p.rate.observe(kind)
	return kind
}

// dispose logs a failed queue operation. A lost lease means another worker
// owns the message now; anything else leaves the message to reappear after
// its visibility window.
func (p *Processor) dispose(l zerolog.Logger, op string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrLeaseLost):
		l.Warn().Str("op", op).Msg("lease lost before disposition")
	default:
		l.Error().Err(err).Str("op", op).Msg("queue disposition failed")
	}
}

// process runs the request through ledger, mutation and publish.
func (p *Processor) process(ctx context.Context, req domain.MutationRequest) error {
	rec, err := p.d.Ledger.Lookup(ctx, req.RequestID)
	if err != nil {
		return &TransientError{Op: "ledger lookup", Err: err}
	}
	if rec.Published() {
		return DuplicateDelivery
	}
	if rec == nil {
		if rec, err = p.apply(ctx, req); err != nil {
			return err
		}
	}
	return p.publish(ctx, rec)
}

// apply validates and commits the mutation together with its ledger record.
// If another worker committed first, its record is returned instead.
func (p *Processor) apply(ctx context.Context, req domain.MutationRequest) (*domain.IdempotencyRecord, error) {
	if err := p.d.Mutator.Validate(req); err != nil {
		return nil, &ValidationError{RequestID: req.RequestID, Err: err}
	}

	rec := &domain.IdempotencyRecord{
		RequestID:  req.RequestID,
		EntityType: req.EntityType,
		Operation:  req.Operation,
		EventID:    domain.EventIDFor(req.RequestID),
		Attempt:    req.Attempt,
	}
	err := p.d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res, err := p.d.Mutator.Apply(ctx, tx, req)
		if err != nil {
			return err
		}
		rec.EntityID = res.EntityID
		rec.EventPayload = []byte(res.Snapshot.Data)
		rec.PayloadVersion = res.Snapshot.Version
		return p.d.Ledger.MarkProcessed(ctx, tx, rec, p.cfg.LedgerTTL)
	})
	if err == nil {
		return rec, nil
	}

	// A twin delivery may have committed while this one ran. Whatever the
	// error (ledger key, entity key, not found), its record wins and our
	// mutation rolled back with the transaction.
	won, lerr := p.d.Ledger.Lookup(ctx, req.RequestID)
	switch {
	case lerr != nil:
		return nil, &TransientError{Op: "ledger lookup", Err: errors.Join(err, lerr)}
	case won != nil && won.Published():
		return nil, DuplicateDelivery
	case won != nil:
		return won, nil
	case errors.Is(err, ledger.ErrDuplicate):
		// The twin rolled back after all; try again.
		return nil, &TransientError{Op: "mark processed", Err: err}
	case services.IsInvalid(err):
		return nil, &ValidationError{RequestID: req.RequestID, Err: err}
	default:
		return nil, &TransientError{Op: "apply", Err: err}
	}
}

// publish hands the record's event to the bus and marks it published.
func (p *Processor) publish(ctx context.Context, rec *domain.IdempotencyRecord) error {
	evt := rec.Event()
	if err := p.d.Publisher.Publish(ctx, evt); err != nil {
		return &TransientError{Op: "publish", Err: err}
	}
	if err := p.d.Ledger.MarkPublished(ctx, rec.RequestID, evt.EventID); err != nil {
		// The bus deduplicates on event id, so the retry only re-marks.
		return &TransientError{Op: "mark published", Err: err}
	}
	return nil
}

func (p *Processor) now() time.Time { return p.d.Now().UTC() }

// leaseKeeper tracks the receipts of a batch still being worked on.
type leaseKeeper struct {
	mu       sync.Mutex
	pending  map[string]struct{}
	cancel   context.CancelFunc
	finished chan struct{}
}

// keepAlive extends the leases of a batch at half the visibility window
// until each message is disposed of.
func (p *Processor) keepAlive(ctx context.Context, batch []queue.Delivery) *leaseKeeper {
	ctx, cancel := context.WithCancel(ctx)
	k := &leaseKeeper{pending: make(map[string]struct{}, len(batch)), cancel: cancel, finished: make(chan struct{})}
	for _, d := range batch {
		k.pending[d.Receipt] = struct{}{}
	}
	go func() {
		defer close(k.finished)
		t := time.NewTicker(max(p.cfg.Visibility/2, time.Millisecond))
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			for _, r := range k.receipts() {
				err := p.d.Queue.ExtendVisibility(ctx, r, p.cfg.Visibility)
				if errors.Is(err, queue.ErrLeaseLost) {
					k.done(r)
				} else if err != nil && ctx.Err() == nil {
					log.Warn().Err(err).Str("queue", p.Name()).Msg("extend visibility")
				}
			}
		}
	}()
	return k
}

func (k *leaseKeeper) receipts() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, 0, len(k.pending))
	for r := range k.pending {
		out = append(out, r)
	}
	return out
}

func (k *leaseKeeper) done(receipt string) {
	k.mu.Lock()
	delete(k.pending, receipt)
	k.mu.Unlock()
}

func (k *leaseKeeper) stop() {
	k.cancel()
	<-k.finished
}

// errorWindow counts outcomes until ErrorRate consumes them.
type errorWindow struct {
	mu     sync.Mutex
	total  int64
	failed int64
}

func (w *errorWindow) observe(k Kind) {
	w.mu.Lock()
	w.total++
	if k != KindNone && k != KindDuplicate {
		w.failed++
	}
	w.mu.Unlock()
}

func (w *errorWindow) take(min int64) (float64, int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	total, failed := w.total, w.failed
	if total == 0 {
		return 0, 0
	}
	if total >= min {
		w.total, w.failed = 0, 0
	}
	return float64(failed) / float64(total), total
}
