// Package pipeline drains the work queues: it validates and applies each
// mutation request, publishes the resulting domain event and decides what
// happens to requests that fail (retry later, or dead-letter).
package pipeline

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Default retry bounds.
const (
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 5
	DefaultJitter      = 0.2
	// MaxJitter is the widest spread that keeps successive uncapped delays
	// non-decreasing: 2(1-j) >= 1+j.
	MaxJitter = 1.0 / 3
)

// Decision is the outcome of Policy.Next.
type Decision struct {
	// Terminal is true when the retry budget is spent.
	Terminal bool
	// Delay before the next attempt (zero when Terminal).
	Delay time.Duration
	// NextEligibleAt is now+Delay.
	NextEligibleAt time.Time
}

// Policy computes exponential backoff with a bounded number of attempts.
// It is pure apart from the jitter source; a nil Rand (or Jitter 0) makes it
// fully deterministic.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// Jitter spreads each delay uniformly over ±Jitter of its value. Values
	// above MaxJitter are treated as MaxJitter.
	Jitter float64
	// Rand returns a float in [0,1). Nil disables jitter.
	Rand func() float64
}

// DefaultPolicy returns the default bounds with seeded jitter.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		MaxAttempts: DefaultMaxAttempts,
		Jitter:      DefaultJitter,
		Rand:        LockedRand(time.Now().UnixNano()),
	}
}

// LockedRand returns a goroutine-safe uniform source seeded with seed.
func LockedRand(seed int64) func() float64 {
	var mu sync.Mutex
	r := rand.New(rand.NewSource(seed))
	return func() float64 {
		mu.Lock()
		defer mu.Unlock()
		return r.Float64()
	}
}

// Next decides what to do after the 0-based attempt failedAttempt failed.
//
// failedAttempt+1 attempts have been made; once that reaches MaxAttempts the
// decision is terminal. Otherwise the delay is BaseDelay*2^failedAttempt,
// capped at MaxDelay, jittered and capped again.
func (p Policy) Next(failedAttempt int, now time.Time) Decision {
	if failedAttempt < 0 {
		failedAttempt = 0
	}
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}
	if failedAttempt+1 >= max {
		return Decision{Terminal: true, NextEligibleAt: now}
	}
	d := p.backoff(failedAttempt)
	return Decision{Delay: d, NextEligibleAt: now.Add(d)}
}

func (p Policy) backoff(failedAttempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	capd := p.MaxDelay
	if capd < base {
		capd = base
	}

	raw := float64(base) * math.Pow(2, float64(failedAttempt))
	if raw > float64(capd) || math.IsInf(raw, 0) {
		raw = float64(capd)
	}
	if p.Jitter > 0 && p.Rand != nil {
		j := min(p.Jitter, MaxJitter)
		raw *= 1 - j + 2*j*p.Rand()
	}
	if raw > float64(capd) {
		raw = float64(capd)
	}
	if raw < 0 {
		raw = 0
	}
	return time.Duration(raw)
}

// LedgerTTL is how long a ledger record must outlive its request: long
// enough that every redelivery within the retry budget still finds it.
func (p Policy) LedgerTTL(margin time.Duration) time.Duration {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return time.Duration(attempts)*p.MaxDelay + margin
}
