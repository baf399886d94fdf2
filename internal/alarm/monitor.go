package alarm

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-event-pipeline/internal/domain"
)

// DepthSource reports the backlog of one work queue.
type DepthSource interface {
	Name() string
	Depth(ctx context.Context) (int64, error)
	DLQDepth(ctx context.Context) (int64, error)
}

// RateSource reports the failure ratio observed since the window was last
// consumed and the number of samples behind it. The window is consumed only
// once it holds at least minSamples, so low-volume queues accumulate.
type RateSource interface {
	ErrorRate(minSamples int64) (rate float64, samples int64)
}

// Thresholds are the alert levels. A zero threshold disables that check.
type Thresholds struct {
	QueueDepth int64
	DLQDepth   int64
	ErrorRate  float64
	// MinSamples is the smallest sample size an error rate is judged on.
	MinSamples int64
}

// Monitor polls queue depths and error rates and raises an alert when a
// value crosses its threshold. Alerts are edge-triggered: one per crossing,
// re-armed once the value drops back below the threshold.
type Monitor struct {
	Queues     []DepthSource
	Rates      map[string]RateSource // keyed by queue name
	Thresholds Thresholds
	Hook       Hook
	Interval   time.Duration
	// Observe, when set, receives every depth reading (metrics gauges).
	Observe func(queue string, depth, dlq int64)
	Now     func() time.Time

	above map[string]bool
}

// Run checks every Interval until ctx is cancelled. It returns nil.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		m.Check(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Check performs one polling pass.
func (m *Monitor) Check(ctx context.Context) {
	if m.above == nil {
		m.above = make(map[string]bool)
	}
	for _, q := range m.Queues {
		name := q.Name()
		depth, err := q.Depth(ctx)
		if err != nil {
			log.Warn().Err(err).Str("queue", name).Msg("monitor: queue depth")
			continue
		}
		dlq, err := q.DLQDepth(ctx)
		if err != nil {
			log.Warn().Err(err).Str("queue", name).Msg("monitor: dlq depth")
			continue
		}
		if m.Observe != nil {
			m.Observe(name, depth, dlq)
		}
		if th := m.Thresholds.QueueDepth; th > 0 {
			m.edge(ctx, name, KindQueueDepth, float64(depth), float64(th))
		}
		if th := m.Thresholds.DLQDepth; th > 0 {
			m.edge(ctx, name, KindDLQDepth, float64(dlq), float64(th))
		}
		if src, ok := m.Rates[name]; ok && m.Thresholds.ErrorRate > 0 {
			rate, n := src.ErrorRate(m.Thresholds.MinSamples)
			if n >= m.Thresholds.MinSamples {
				m.edge(ctx, name, KindErrorRate, rate, m.Thresholds.ErrorRate)
			}
		}
	}
}

func (m *Monitor) edge(ctx context.Context, queue string, kind Kind, value, threshold float64) {
	key := queue + "|" + string(kind)
	over := value >= threshold
	was := m.above[key]
	m.above[key] = over
	if !over || was {
		return
	}
	a := Alert{Queue: queue, Kind: kind, Value: value, Threshold: threshold, At: m.now()}
	if e, op, err := domain.ParseQueueName(queue); err == nil {
		a.EntityType, a.Operation = e, op
	}
	if m.Hook != nil {
		m.Hook.Notify(ctx, a)
	}
}

func (m *Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}
