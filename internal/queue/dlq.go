package queue

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-event-pipeline/internal/domain"
	"github.com/tbourn/go-event-pipeline/internal/repo"
)

// DeadLetters exposes the operator side of the dead-letter queue: inspect,
// redrive and purge. Messages only leave the dead-letter queue through these
// calls.
type DeadLetters struct {
	db   *gorm.DB
	opts Options
}

// NewDeadLetters returns the dead-letter queue stored on db.
func NewDeadLetters(db *gorm.DB, opts Options) *DeadLetters {
	return &DeadLetters{db: db, opts: opts}
}

// List returns a page of dead letters, newest failure first, and the total.
// An empty queue name lists all queues.
func (d *DeadLetters) List(ctx context.Context, queue string, offset, limit int) ([]domain.DeadLetter, int64, error) {
	total, err := repo.CountDeadLetters(ctx, d.db, queue)
	if err != nil {
		return nil, 0, err
	}
	rows, err := repo.ListDeadLettersPage(ctx, d.db, queue, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// Get returns a dead letter by id.
func (d *DeadLetters) Get(ctx context.Context, id string) (*domain.DeadLetter, error) {
	return repo.GetDeadLetter(ctx, d.db, id)
}

// FindByRequest returns the dead letter of a request.
func (d *DeadLetters) FindByRequest(ctx context.Context, requestID string) (*domain.DeadLetter, error) {
	return repo.FindDeadLetterByRequest(ctx, d.db, requestID)
}

// Count returns the number of dead letters (all queues when queue is empty).
func (d *DeadLetters) Count(ctx context.Context, queue string) (int64, error) {
	return repo.CountDeadLetters(ctx, d.db, queue)
}

// Redrive moves a dead letter back to its work queue with attempt reset to 0.
func (d *DeadLetters) Redrive(ctx context.Context, id string) (domain.MutationRequest, error) {
	m, err := repo.RedriveDeadLetter(ctx, d.db, id, d.opts.now())
	if err != nil {
		return domain.MutationRequest{}, err
	}
	return m.Request(), nil
}

// Purge deletes dead letters that failed before cutoff (all when zero).
func (d *DeadLetters) Purge(ctx context.Context, queue string, cutoff time.Time) (int64, error) {
	return repo.PurgeDeadLetters(ctx, d.db, queue, cutoff)
}
