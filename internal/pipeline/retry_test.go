package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPolicy_TerminalExactlyAtMaxAttempts(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, MaxAttempts: 3}
	now := time.Now()

	require.False(t, p.Next(0, now).Terminal)
	require.False(t, p.Next(1, now).Terminal)
	require.True(t, p.Next(2, now).Terminal, "third failure must exhaust a budget of three")
	require.True(t, p.Next(7, now).Terminal)
}

func TestPolicy_ExponentialAndCapped(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, MaxAttempts: 10}
	now := time.Now()

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		d := p.Next(i, now)
		require.Equal(t, w, d.Delay, "attempt %d", i)
		require.Equal(t, now.Add(w), d.NextEligibleAt)
	}
}

func TestPolicy_MonotonicWithJitter(t *testing.T) {
	p := Policy{
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		MaxAttempts: 12,
		Jitter:      DefaultJitter,
		Rand:        LockedRand(42),
	}
	now := time.Now()
	for run := 0; run < 50; run++ {
		prev := time.Duration(0)
		for a := 0; a < p.MaxAttempts-1; a++ {
			d := p.Next(a, now).Delay
			require.LessOrEqual(t, d, p.MaxDelay)
			if prev < p.MaxDelay*8/10 {
				require.GreaterOrEqual(t, d, prev, "delay decreased at attempt %d", a)
			}
			prev = d
		}
	}
}

func TestPolicy_JitterBounds(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 5, Jitter: 0.2}

	p.Rand = func() float64 { return 0 }
	require.Equal(t, 800*time.Millisecond, p.Next(0, time.Now()).Delay)

	p.Rand = func() float64 { return 0.999999 }
	require.InDelta(t, float64(1200*time.Millisecond), float64(p.Next(0, time.Now()).Delay), float64(time.Millisecond))
}

func TestPolicy_WideJitterIsClamped(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 5, Jitter: 0.5}
	now := time.Now()

	p.Rand = func() float64 { return 0.999999 }
	high := p.Next(0, now).Delay
	p.Rand = func() float64 { return 0 }
	low := p.Next(1, now).Delay

	require.InDelta(t, float64(time.Second*4/3), float64(high), float64(time.Millisecond))
	require.InDelta(t, float64(time.Second*4/3), float64(low), float64(time.Millisecond))
	require.GreaterOrEqual(t, low, high-time.Millisecond, "worst-case neighbours must not go backwards")
}

func TestPolicy_Defaults(t *testing.T) {
	var p Policy
	d := p.Next(0, time.Now())
	require.True(t, d.Terminal, "zero MaxAttempts behaves as a single attempt")

	p = DefaultPolicy()
	require.Equal(t, DefaultMaxAttempts, p.MaxAttempts)
	require.False(t, p.Next(0, time.Now()).Terminal)
}

func TestPolicy_LedgerTTL(t *testing.T) {
	p := Policy{MaxDelay: 30 * time.Second, MaxAttempts: 5}
	require.Equal(t, 150*time.Second+time.Hour, p.LedgerTTL(time.Hour))
}
