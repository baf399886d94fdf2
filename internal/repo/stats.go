// Package repo implements the data persistence layer for the pipeline,
// backed by GORM. This file provides small aggregate queries used by the
// admin API, the metrics gauges and the alarm monitor.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-event-pipeline/internal/domain"
)

// QueueStats summarizes one work queue.
//
//   - Ready:    rows visible now
//   - InFlight: rows hidden by a lease or a backoff delay
//   - Dead:     rows of this queue in the dead-letter table
//   - Oldest:   EnqueuedAt of the oldest row still queued, nil when empty
type QueueStats struct {
	Queue    string     `json:"queue"`
	Ready    int64      `json:"ready"`
	InFlight int64      `json:"in_flight"`
	Dead     int64      `json:"dead"`
	Oldest   *time.Time `json:"oldest_enqueued_at,omitempty"`
}

// Depth is the number of requests the queue still owns.
func (s QueueStats) Depth() int64 { return s.Ready + s.InFlight }

// GetQueueStats returns aggregate counts for queue at now.
func GetQueueStats(ctx context.Context, db *gorm.DB, queue string, now time.Time) (QueueStats, error) {
	st := QueueStats{Queue: queue}
	base := func() *gorm.DB {
		return db.WithContext(ctx).Model(&domain.QueueMessage{}).Where("queue = ?", queue)
	}

	if err := base().Where("visible_at <= ?", now.UTC()).Count(&st.Ready).Error; err != nil {
		return st, err
	}
	if err := base().Where("visible_at > ?", now.UTC()).Count(&st.InFlight).Error; err != nil {
		return st, err
	}
	var err error
	if st.Dead, err = CountDeadLetters(ctx, db, queue); err != nil {
		return st, err
	}
	if st.Depth() == 0 {
		return st, nil
	}

	// Get oldest enqueued_at (avoid MIN() -> TEXT in SQLite)
	var row struct {
		EnqueuedAt time.Time
	}
	if err := base().Select("enqueued_at").Order("enqueued_at ASC").Limit(1).Scan(&row).Error; err != nil {
		return st, err
	}
	st.Oldest = &row.EnqueuedAt
	return st, nil
}
