package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "livepoll/pkg/logx"
)

var ErrStarted = errors.New("maintenance: already started")

// Job is a periodic housekeeping function. Spec is anything robfig/cron
// parses, seconds optional ("@every 5s", "*/10 * * * * *", "@hourly").
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration // 0 means no per-run deadline
	Run     func(ctx context.Context) error
}

type JobStats struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Runs     uint64        `json:"runs"`
	Failures uint64        `json:"failures"`
	LastRun  time.Time     `json:"lastRun,omitempty"`
	LastTook time.Duration `json:"lastTook"`
	LastErr  string        `json:"lastError,omitempty"`
	Next     time.Time     `json:"next,omitempty"`
}

type entry struct {
	job Job
	id  cron.EntryID

	runs     atomic.Uint64
	failures atomic.Uint64

	mu       sync.Mutex
	lastRun  time.Time
	lastTook time.Duration
	lastErr  string
}

// Service runs Jobs on a cron. A run that is still going when its next tick
// fires is skipped, so a slow reap never piles up behind itself.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	tz     string
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	ctx    context.Context
	jobs   []*entry
}

func New(timezone string, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log.With(logx.String("comp", "maintenance")),
		tz:     strings.TrimSpace(timezone),
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Add registers a job. Jobs must be added before Start. An empty spec
// disables the job.
func (s *Service) Add(j Job) error {
	if strings.TrimSpace(j.Spec) == "" {
		s.log.Info("maintenance job disabled", logx.String("job", j.Name))
		return nil
	}
	if j.Run == nil {
		return fmt.Errorf("maintenance: job %q has no run func", j.Name)
	}
	if _, err := s.parser.Parse(j.Spec); err != nil {
		return fmt.Errorf("maintenance: job %q: bad spec %q: %w", j.Name, j.Spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return ErrStarted
	}
	s.jobs = append(s.jobs, &entry{job: j})
	return nil
}

// Start schedules every job. Runs get ctx (plus the job timeout) and stop
// being scheduled once Stop is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return ErrStarted
	}
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	s.loc = s.loadLocationLocked()
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, e := range s.jobs {
		id, err := s.c.AddJob(e.job.Spec, s.wrap(s.ctx, e))
		if err != nil {
			s.c = nil
			return fmt.Errorf("maintenance: schedule %q: %w", e.job.Name, err)
		}
		e.id = id
	}
	s.c.Start()
	s.log.Info("maintenance started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
	return nil
}

func (s *Service) wrap(parent context.Context, e *entry) cron.Job {
	return cron.FuncJob(func() {
		if parent.Err() != nil {
			return
		}
		ctx := parent
		if e.job.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parent, e.job.Timeout)
			defer cancel()
		}

		start := time.Now()
		err := e.job.Run(ctx)
		took := time.Since(start)

		e.runs.Add(1)
		e.mu.Lock()
		e.lastRun = start
		e.lastTook = took
		e.lastErr = ""
		if err != nil {
			e.lastErr = err.Error()
		}
		e.mu.Unlock()

		if err != nil && !errors.Is(err, context.Canceled) {
			e.failures.Add(1)
			s.log.Warn("maintenance job failed", logx.String("job", e.job.Name), logx.Duration("took", took), logx.Err(err))
		}
	})
}

// Stop halts scheduling and waits for running jobs, or for ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetTimezone switches the schedule location, restarting the cron if it runs.
func (s *Service) SetTimezone(tz string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tz = strings.TrimSpace(tz)
	if tz == s.tz {
		return
	}
	s.tz = tz
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	if err := s.startLocked(); err != nil {
		s.log.Error("maintenance restart failed", logx.Err(err))
	}
}

func (s *Service) Stats() []JobStats {
	s.mu.Lock()
	c := s.c
	jobs := append([]*entry(nil), s.jobs...)
	s.mu.Unlock()

	out := make([]JobStats, 0, len(jobs))
	for _, e := range jobs {
		st := JobStats{
			Name:     e.job.Name,
			Spec:     e.job.Spec,
			Runs:     e.runs.Load(),
			Failures: e.failures.Load(),
		}
		e.mu.Lock()
		st.LastRun, st.LastTook, st.LastErr = e.lastRun, e.lastTook, e.lastErr
		e.mu.Unlock()
		if c != nil {
			st.Next = c.Entry(e.id).Next
		}
		out = append(out, st)
	}
	return out
}

func (s *Service) loadLocationLocked() *time.Location {
	if s.tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(s.tz)
	if err != nil {
		s.log.Warn("bad timezone, using local", logx.String("tz", s.tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger routes robfig/cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
