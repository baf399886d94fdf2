package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-event-pipeline/internal/domain"
	"github.com/tbourn/go-event-pipeline/internal/repo"
)

// Set holds the nine work queues, one per (entity type, operation) pair, and
// routes requests to the queue that owns them.
type Set struct {
	db     *gorm.DB
	opts   Options
	queues map[string]*SQLQueue
}

// NewSet opens every work queue on db.
func NewSet(db *gorm.DB, opts Options) *Set {
	s := &Set{db: db, opts: opts, queues: make(map[string]*SQLQueue)}
	for _, e := range domain.EntityTypes {
		for _, op := range domain.Operations {
			name := domain.QueueName(e, op)
			s.queues[name] = New(db, name, opts)
		}
	}
	return s
}

// Get returns the queue owning (e, op).
func (s *Set) Get(e domain.EntityType, op domain.Operation) (*SQLQueue, error) {
	q, ok := s.queues[domain.QueueName(e, op)]
	if !ok {
		return nil, fmt.Errorf("no work queue for %s/%s", e, op)
	}
	return q, nil
}

// Names returns the queue names in sorted order.
func (s *Set) Names() []string {
	out := make([]string, 0, len(s.queues))
	for n := range s.queues {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Enqueue routes req to its owning queue.
func (s *Set) Enqueue(ctx context.Context, req *domain.MutationRequest) error {
	q, err := s.Get(req.EntityType, req.Operation)
	if err != nil {
		return err
	}
	return q.Enqueue(ctx, req)
}

// Stats returns aggregate counts for every queue, sorted by name.
func (s *Set) Stats(ctx context.Context) ([]repo.QueueStats, error) {
	now := s.opts.now()
	out := make([]repo.QueueStats, 0, len(s.queues))
	for _, n := range s.Names() {
		st, err := repo.GetQueueStats(ctx, s.db, n, now)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Status reports where a request currently is.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProcessed    Status = "processed"
	StatusDeadLettered Status = "dead_lettered"
	StatusUnknown      Status = "unknown"
)

// RequestStatus describes a request for the status endpoint.
type RequestStatus struct {
	RequestID   string             `json:"request_id"`
	Status      Status             `json:"status"`
	Queue       string             `json:"queue,omitempty"`
	Attempt     int                `json:"attempt"`
	LastError   string             `json:"last_error,omitempty"`
	FailureKind domain.FailureKind `json:"failure_kind,omitempty"`
	EntityID    string             `json:"entity_id,omitempty"`
	EventID     string             `json:"event_id,omitempty"`
	NextAt      *time.Time         `json:"next_eligible_at,omitempty"`
}

// Lookup reports whether requestID is queued, processed (per the ledger
// table) or dead-lettered. A request that is nowhere is StatusUnknown.
func (s *Set) Lookup(ctx context.Context, requestID string) (RequestStatus, error) {
	st := RequestStatus{RequestID: requestID, Status: StatusUnknown}

	if m, err := repo.FindMessageByRequest(ctx, s.db, requestID); err == nil {
		at := m.VisibleAt
		st.Status, st.Queue, st.Attempt, st.LastError, st.NextAt = StatusPending, m.Queue, m.Attempt, m.LastError, &at
		return st, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return st, err
	}

	if d, err := repo.FindDeadLetterByRequest(ctx, s.db, requestID); err == nil {
		st.Status, st.Queue, st.Attempt, st.LastError, st.FailureKind = StatusDeadLettered, d.Queue, d.Attempts, d.LastError, d.FailureKind
		return st, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return st, err
	}

	if rec, err := repo.GetIdempotency(ctx, s.db, requestID, s.opts.now()); err == nil {
		st.Status, st.EntityID, st.Attempt = StatusProcessed, rec.EntityID, rec.Attempt
		st.Queue = domain.QueueName(rec.EntityType, rec.Operation)
		if rec.Published() {
			st.EventID = rec.EventID
		}
		return st, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return st, err
	}
	return st, nil
}
