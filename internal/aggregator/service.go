package aggregator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync/atomic"
	"time"

	"livepoll/internal/eventbus"
	"livepoll/internal/poll"
	"livepoll/internal/queue"
	"livepoll/internal/runtime/supervisor"
	"livepoll/internal/store"
	logx "livepoll/pkg/logx"
)

// Config controls the worker pool.
//
// Defaults (when fields are zero):
//   - Concurrency: 5
//   - ConflictRetries: 8
//   - IdleWait: 200ms
//   - JobTimeout: 10s
//   - BreakerTrip: 5 (negative disables the breaker)
type Config struct {
	Concurrency     int
	ConflictRetries int
	IdleWait        time.Duration
	JobTimeout      time.Duration

	BreakerTrip     int
	BreakerDelay    time.Duration
	BreakerMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.ConflictRetries <= 0 {
		c.ConflictRetries = 8
	}
	if c.IdleWait <= 0 {
		c.IdleWait = 200 * time.Millisecond
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 10 * time.Second
	}
	return c
}

// Stats are cumulative since process start.
type Stats struct {
	Processed   uint64 `json:"processed"`
	Applied     uint64 `json:"applied"`
	Duplicates  uint64 `json:"duplicates"`
	Conflicts   uint64 `json:"conflicts"`
	Failed      uint64 `json:"failed"`
	BreakerOpen bool   `json:"breakerOpen"`
	StoreFails  int    `json:"storeFailures"`
}

// Service folds queued votes into poll aggregates.
//
// Each job is applied at most once per vote id (the store ledger enforces
// it), writes are optimistic against the poll version, and every successful
// or duplicate application publishes the full snapshot on vote-updates.
type Service struct {
	cfg   Config
	polls store.Polls
	q     queue.Queue
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	brk  *breaker
	gate *pollGate

	processed  atomic.Uint64
	applied    atomic.Uint64
	duplicates atomic.Uint64
	conflicts  atomic.Uint64
	failed     atomic.Uint64
}

func New(cfg Config, polls store.Polls, q queue.Queue, bus eventbus.Bus, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg,
		polls: polls,
		q:     q,
		bus:   bus,
		log:   log.With(logx.String("comp", "aggregator")),
		now:   time.Now,
		brk:   newBreaker(cfg.BreakerTrip, cfg.BreakerDelay, cfg.BreakerMaxDelay),
		gate:  newPollGate(),
	}
}

// Start launches the worker pool on sup. Workers that fail are restarted
// with backoff; a closed queue stops them for good.
func (s *Service) Start(sup *supervisor.Supervisor) {
	for i := 0; i < s.cfg.Concurrency; i++ {
		sup.GoRestart(fmt.Sprintf("aggregator.worker.%d", i), s.Run,
			supervisor.WithRestartBackoff(250*time.Millisecond, 10*time.Second),
		)
	}
	s.log.Info("aggregation workers started", logx.Int("concurrency", s.cfg.Concurrency))
}

func (s *Service) Stats() Stats {
	fails, open := s.brk.state(s.now())
	return Stats{
		Processed:   s.processed.Load(),
		Applied:     s.applied.Load(),
		Duplicates:  s.duplicates.Load(),
		Conflicts:   s.conflicts.Load(),
		Failed:      s.failed.Load(),
		BreakerOpen: open,
		StoreFails:  fails,
	}
}

// Run is one worker loop. It returns nil once the queue is closed.
func (s *Service) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if until := s.brk.openUntilTime(s.now()); !until.IsZero() {
			if !sleepCtx(ctx, until.Sub(s.now())) {
				return ctx.Err()
			}
			continue
		}

		d, err := s.q.Reserve(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reserve: %w", err)
		}
		if d == nil {
			// Spread idle polls so workers do not wake in lockstep.
			wait := s.cfg.IdleWait/2 + rand.N(s.cfg.IdleWait/2+1)
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
			continue
		}
		s.Process(ctx, d)
	}
}

// Process handles one delivery and acknowledges it.
func (s *Service) Process(ctx context.Context, d *queue.Delivery) {
	s.processed.Add(1)
	log := s.log.With(logx.String("job", d.Job.ID), logx.Int("attempt", d.Job.Attempts))

	var (
		p       *poll.Poll
		applied bool
	)
	payload, err := DecodePayload(d.Job.Payload)
	if err == nil {
		jobCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
		if release, ok := s.gate.acquire(jobCtx, payload.PollID); ok {
			p, applied, err = s.applyGuarded(jobCtx, payload)
			release()
		} else {
			err = poll.Transient(jobCtx.Err())
		}
		cancel()
	}

	if err != nil {
		if ctx.Err() != nil {
			// Shutting down. The lease will expire and the job is redelivered.
			return
		}
		s.failed.Add(1)
		// A tripped breaker means the store is down; hold the retry until
		// the cooldown ends instead of spending attempts on the backoff.
		if !queue.IsPermanent(err) {
			if until := s.brk.openUntilTime(s.now()); !until.IsZero() {
				err = queue.RetryAfter(err, until.Sub(s.now()))
			}
		}
		log.Warn("aggregation failed", logx.Err(err), logx.Bool("permanent", queue.IsPermanent(err)))
		if ferr := s.q.Fail(ctx, d, err); ferr != nil {
			s.ackError(log, "fail", ferr)
		}
		return
	}

	result := "duplicate"
	if applied {
		result = fmt.Sprintf("applied version=%d total=%d", p.Version, p.TotalVotes)
	}
	if cerr := s.q.Complete(ctx, d, result); cerr != nil {
		s.ackError(log, "complete", cerr)
		return
	}
	log.Debug("aggregation done", logx.String("result", result))
}

func (s *Service) ackError(log logx.Logger, op string, err error) {
	if errors.Is(err, queue.ErrLeaseLost) {
		// Another worker owns the job now; its outcome wins.
		log.Debug("ack ignored, lease lost", logx.String("op", op))
		return
	}
	log.Error("ack failed", logx.String("op", op), logx.Err(err))
}

func (s *Service) applyGuarded(ctx context.Context, pl Payload) (p *poll.Poll, applied bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("aggregation panicked", logx.String("vote", pl.VoteID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return s.Apply(ctx, pl)
}

// Apply folds one vote into its poll. It reports applied=false when the vote
// was already counted; the current snapshot is still published so a viewer
// that missed the first broadcast catches up.
func (s *Service) Apply(ctx context.Context, pl Payload) (*poll.Poll, bool, error) {
	for attempt := 0; ; attempt++ {
		cur, err := s.polls.GetPoll(ctx, pl.PollID)
		if err != nil {
			return nil, false, s.storeError(err)
		}

		done, err := s.polls.IsApplied(ctx, pl.PollID, pl.VoteID)
		if err != nil {
			return nil, false, s.storeError(err)
		}
		if done {
			s.duplicates.Add(1)
			s.brk.record(s.now(), false)
			s.publish(ctx, cur)
			return cur, false, nil
		}

		next := cur.Clone()
		next.Apply(pl.Answers)
		out, err := s.polls.CommitAggregate(ctx, store.AggregateUpdate{
			PollID:          cur.ID,
			VoteID:          pl.VoteID,
			ExpectedVersion: cur.Version,
			Questions:       next.Questions,
			TotalVotes:      next.TotalVotes,
		})
		switch {
		case err == nil:
			s.applied.Add(1)
			s.brk.record(s.now(), false)
			s.publish(ctx, out)
			return out, true, nil

		case errors.Is(err, store.ErrAlreadyApplied):
			// Lost a race with another delivery of the same vote.
			continue

		case errors.Is(err, store.ErrVersionConflict):
			s.conflicts.Add(1)
			if attempt >= s.cfg.ConflictRetries {
				return nil, false, poll.Transient(fmt.Errorf("poll %s: %d version conflicts: %w", cur.ID, attempt+1, err))
			}
			if !sleepCtx(ctx, time.Duration(rand.N(attempt+1)+1)*time.Millisecond) {
				return nil, false, ctx.Err()
			}

		default:
			return nil, false, s.storeError(err)
		}
	}
}

// storeError classifies a store failure for the queue. A missing poll will
// never appear, so the job is dead-lettered at once.
func (s *Service) storeError(err error) error {
	if errors.Is(err, poll.ErrNotFound) {
		s.brk.record(s.now(), false)
		return queue.Permanent(err)
	}
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.brk.record(s.now(), true)
	}
	return poll.Transient(err)
}

func (s *Service) publish(ctx context.Context, p *poll.Poll) {
	if s.bus == nil || p == nil {
		return
	}
	m := eventbus.NewVoteMessage(p)
	m.Time = s.now()
	if err := s.bus.Publish(ctx, eventbus.ChannelVoteUpdates, m); err != nil {
		s.log.Warn("publish vote update failed", logx.String("poll", p.ID), logx.Err(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
