// Package queue implements the durable per-entity, per-operation work queues
// and their shared dead-letter queue on top of the repo layer.
//
// Delivery is at-least-once: Dequeue hides a message for a visibility window
// and hands out a receipt token. The holder must Acknowledge, Release or
// DeadLetter the message with that receipt before the window lapses, or the
// message becomes visible again and another worker receives it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-event-pipeline/internal/domain"
	"github.com/tbourn/go-event-pipeline/internal/repo"
)

// ErrLeaseLost is returned when a receipt no longer owns its message.
var ErrLeaseLost = repo.ErrLeaseLost

// ErrDeadLettered is returned by Enqueue for a request id that sits in the
// dead-letter queue. Redrive is the only way back.
var ErrDeadLettered = repo.ErrDeadLettered

// ErrWrongQueue is returned by Enqueue when a request belongs to another queue.
var ErrWrongQueue = errors.New("request does not belong to this queue")

// Delivery is one message handed to a worker.
type Delivery struct {
	Request      domain.MutationRequest
	Receipt      string
	ReceiveCount int
}

// WorkQueue is a durable FIFO-ish queue of mutation requests for one
// (entity type, operation) pair.
type WorkQueue interface {
	Name() string
	Enqueue(ctx context.Context, req *domain.MutationRequest) error
	Dequeue(ctx context.Context, batchSize int, visibility time.Duration) ([]Delivery, error)
	Acknowledge(ctx context.Context, receipt string) error
	Release(ctx context.Context, receipt string, delay time.Duration, lastErr string) (domain.RetryState, error)
	DeadLetter(ctx context.Context, receipt string, kind domain.FailureKind, reason string) error
	ExtendVisibility(ctx context.Context, receipt string, d time.Duration) error
	Depth(ctx context.Context) (int64, error)
	DLQDepth(ctx context.Context) (int64, error)
}

// Options tunes Dequeue polling.
type Options struct {
	// PollTimeout bounds how long Dequeue waits for a visible message.
	// Zero means a single non-blocking attempt.
	PollTimeout time.Duration
	// PollInterval is the delay between claim attempts while waiting.
	PollInterval time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

// SQLQueue is a WorkQueue stored in the queue_messages table.
type SQLQueue struct {
	db   *gorm.DB
	name string
	opts Options
}

// New returns the work queue called name (see domain.QueueName).
func New(db *gorm.DB, name string, opts Options) *SQLQueue {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	return &SQLQueue{db: db, name: name, opts: opts}
}

// Name returns the queue name.
func (q *SQLQueue) Name() string { return q.name }

// Enqueue stores req. Enqueuing a request id that is already queued is a
// no-op; one that was dead-lettered fails with ErrDeadLettered.
func (q *SQLQueue) Enqueue(ctx context.Context, req *domain.MutationRequest) error {
	if req == nil || req.RequestID == "" {
		return errors.New("enqueue: request id is required")
	}
	if req.Queue() != q.name {
		return fmt.Errorf("%w: %s into %s", ErrWrongQueue, req.Queue(), q.name)
	}
	_, err := repo.EnqueueMessage(ctx, q.db, req, q.opts.now())
	if errors.Is(err, repo.ErrDuplicate) {
		return nil
	}
	return err
}

// Dequeue claims up to batchSize visible messages and hides them for
// visibility. It waits at most PollTimeout for work and returns an empty
// slice if none showed up. Cancellation of ctx ends the wait with ctx.Err().
func (q *SQLQueue) Dequeue(ctx context.Context, batchSize int, visibility time.Duration) ([]Delivery, error) {
	deadline := q.opts.now().Add(q.opts.PollTimeout)
	for {
		rows, err := repo.ClaimMessages(ctx, q.db, q.name, batchSize, visibility, q.opts.now())
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if len(rows) > 0 {
			out := make([]Delivery, 0, len(rows))
			for _, m := range rows {
				out = append(out, Delivery{Request: m.Request(), Receipt: m.Receipt, ReceiveCount: m.ReceiveCount})
			}
			return out, nil
		}
		if !q.opts.now().Before(deadline) {
			return nil, nil
		}

		t := time.NewTimer(q.opts.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// Acknowledge removes a processed message.
func (q *SQLQueue) Acknowledge(ctx context.Context, receipt string) error {
	return repo.AckMessage(ctx, q.db, receipt)
}

// Release makes a message visible again after delay, counting one failed
// attempt. It returns the resulting retry state.
func (q *SQLQueue) Release(ctx context.Context, receipt string, delay time.Duration, lastErr string) (domain.RetryState, error) {
	m, err := repo.ReleaseMessage(ctx, q.db, receipt, delay, lastErr, q.opts.now())
	if err != nil {
		return domain.RetryState{}, err
	}
	return domain.RetryState{
		RequestID:      m.RequestID,
		Attempt:        m.Attempt,
		NextEligibleAt: m.VisibleAt,
		LastError:      m.LastError,
	}, nil
}

// DeadLetter moves a message into the dead-letter queue.
func (q *SQLQueue) DeadLetter(ctx context.Context, receipt string, kind domain.FailureKind, reason string) error {
	_, err := repo.MoveToDeadLetter(ctx, q.db, receipt, kind, reason, q.opts.now())
	return err
}

// ExtendVisibility keeps a message hidden for another d from now.
func (q *SQLQueue) ExtendVisibility(ctx context.Context, receipt string, d time.Duration) error {
	return repo.ExtendLease(ctx, q.db, receipt, d, q.opts.now())
}

// Depth returns the number of messages the queue owns, in flight included.
func (q *SQLQueue) Depth(ctx context.Context) (int64, error) {
	return repo.CountMessages(ctx, q.db, q.name)
}

// DLQDepth returns the number of dead letters that came from this queue.
func (q *SQLQueue) DLQDepth(ctx context.Context) (int64, error) {
	return repo.CountDeadLetters(ctx, q.db, q.name)
}

var _ WorkQueue = (*SQLQueue)(nil)
