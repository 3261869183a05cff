package aggregator

import (
	"sync"
	"time"
)

// breaker is a consecutive-failure circuit breaker with exponential cooldown.
// While open, workers stop reserving jobs so a failing store does not burn
// through every job's attempt budget.
type breaker struct {
	mu sync.Mutex

	trip      int
	baseDelay time.Duration
	maxDelay  time.Duration

	fails     int
	openUntil time.Time
}

func newBreaker(trip int, base, maxDelay time.Duration) *breaker {
	if trip < 0 {
		return nil
	}
	if trip == 0 {
		trip = 5
	}
	if base <= 0 {
		base = 2 * time.Second
	}
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	if maxDelay < base {
		maxDelay = base
	}
	return &breaker{trip: trip, baseDelay: base, maxDelay: maxDelay}
}

// openUntilTime returns the end of the current cooldown, or zero when closed.
func (b *breaker) openUntilTime(now time.Time) time.Time {
	if b == nil {
		return time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return b.openUntil
	}
	return time.Time{}
}

func (b *breaker) record(now time.Time, failed bool) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !failed {
		b.fails = 0
		b.openUntil = time.Time{}
		return
	}
	b.fails++
	if b.fails < b.trip {
		return
	}
	d := b.baseDelay
	for i := 0; i < b.fails-b.trip; i++ {
		d *= 2
		if d >= b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	b.openUntil = now.Add(d)
}

func (b *breaker) state(now time.Time) (fails int, open bool) {
	if b == nil {
		return 0, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fails, !b.openUntil.IsZero() && now.Before(b.openUntil)
}
