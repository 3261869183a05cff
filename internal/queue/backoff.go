package queue

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// retryPlan decides what happens to a job whose attempt failed.
// dead is true when the job must not be retried; otherwise delay is the wait
// before it becomes ready again.
func retryPlan(opt Options, attempts int, cause error, rng *lockedRand) (delay time.Duration, dead bool) {
	if IsPermanent(cause) || attempts >= opt.MaxAttempts {
		return 0, true
	}
	return backoffDelay(opt, attempts, cause, rng), false
}

// backoffDelay returns Backoff * 2^(attempts-1), bounded by MaxBackoff.
// A RetryAfter hint replaces the exponential value.
func backoffDelay(opt Options, attempts int, cause error, rng *lockedRand) time.Duration {
	var d time.Duration
	var ra RetryAfterError
	if cause != nil && errors.As(cause, &ra) {
		d = ra.RetryAfter()
	} else {
		d = opt.Backoff
		for i := 1; i < attempts; i++ {
			d *= 2
			if d >= opt.MaxBackoff {
				break
			}
		}
	}
	if opt.Jitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * opt.Jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	if d > opt.MaxBackoff {
		d = opt.MaxBackoff
	}
	return d
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func newLockedRand() *lockedRand {
	return &lockedRand{r: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}
