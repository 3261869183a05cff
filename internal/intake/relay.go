package intake

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"livepoll/internal/queue"
	"livepoll/internal/store"
	logx "livepoll/pkg/logx"
)

// RelayConfig tunes the outbox sweep.
//
// Defaults: Grace 10s, BatchSize 100, RatePerSec 0 (unpaced).
type RelayConfig struct {
	Disabled   bool
	Grace      time.Duration
	BatchSize  int
	RatePerSec int
}

// Relay re-enqueues stored votes whose job was never admitted, which
// happens when the process dies or the queue fails between persist and enqueue.
type Relay struct {
	votes store.Votes
	q     queue.Queue
	log   logx.Logger
	now   func() time.Time

	mu  sync.Mutex
	cfg RelayConfig
	lim *rate.Limiter
}

func NewRelay(cfg RelayConfig, votes store.Votes, q queue.Queue, log logx.Logger) *Relay {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Relay{
		votes: votes,
		q:     q,
		log:   log.With(logx.String("comp", "outbox")),
		now:   time.Now,
	}
	r.Apply(cfg)
	return r
}

// Apply swaps the sweep settings; it is safe to call while sweeps run.
func (r *Relay) Apply(cfg RelayConfig) {
	if cfg.Grace <= 0 {
		cfg.Grace = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	r.mu.Lock()
	r.cfg = cfg
	r.lim = lim
	r.mu.Unlock()
}

// RunOnce sweeps one batch and returns how many jobs it admitted. It stops
// at the first failure; the rest are picked up by the next sweep.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	r.mu.Lock()
	cfg, lim := r.cfg, r.lim
	r.mu.Unlock()
	if cfg.Disabled {
		return 0, nil
	}

	pending, err := r.votes.ListUnenqueued(ctx, r.now().Add(-cfg.Grace), cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, v := range pending {
		if err := lim.Wait(ctx); err != nil {
			return n, err
		}
		if err := enqueue(ctx, r.q, r.votes, v, r.now()); err != nil {
			r.log.Warn("relay enqueue failed", logx.String("vote", v.ID), logx.Err(err))
			return n, err
		}
		n++
	}
	if n > 0 {
		r.log.Info("relayed stranded votes", logx.Int("count", n))
	}
	return n, nil
}
