package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Janitor purges expired ledger records every Interval until its context
// ends.
type Janitor struct {
	Ledger   Ledger
	Interval time.Duration
	Now      func() time.Time
}

// Run blocks until ctx is cancelled. It always returns nil so it can sit in
// an errgroup next to the workers.
func (j *Janitor) Run(ctx context.Context) error {
	interval := j.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	now := j.Now
	if now == nil {
		now = time.Now
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := j.Ledger.Purge(ctx, now().UTC())
			if err != nil {
				log.Warn().Err(err).Msg("ledger purge failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("purged", n).Msg("ledger purge")
			}
		}
	}
}
