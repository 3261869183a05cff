package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"livepoll/internal/queue"
	logx "livepoll/pkg/logx"
)

// DeadLetter is a job that left the queue without completing.
type DeadLetter struct {
	JobID    string    `json:"jobId"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

type Snapshot struct {
	Counts     map[queue.EventType]uint64 `json:"counts"`
	Dropped    uint64                     `json:"dropped"`
	RecentDead []DeadLetter               `json:"recentDead"`
}

// Monitor is a queue.Observer. OnEvent only hands the event to a buffered
// channel; Run does the counting and logging off the queue's hot path.
type Monitor struct {
	log     logx.Logger
	events  chan queue.Event
	dropped atomic.Uint64

	mu       sync.Mutex
	counts   map[queue.EventType]uint64
	dead     []DeadLetter
	keepDead int
}

// New returns a monitor buffering up to buffer events and remembering the
// last keepDead dead letters. Zero values mean 1024 and 50.
func New(buffer, keepDead int, log logx.Logger) *Monitor {
	if buffer <= 0 {
		buffer = 1024
	}
	if keepDead <= 0 {
		keepDead = 50
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{
		log:      log.With(logx.String("comp", "monitor")),
		events:   make(chan queue.Event, buffer),
		counts:   make(map[queue.EventType]uint64),
		keepDead: keepDead,
	}
}

func (m *Monitor) OnEvent(e queue.Event) {
	select {
	case m.events <- e:
	default:
		m.dropped.Add(1)
	}
}

// Run consumes events until ctx is done. It fits supervisor.Go.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-m.events:
			m.record(e)
		}
	}
}

func (m *Monitor) record(e queue.Event) {
	m.mu.Lock()
	m.counts[e.Type]++
	if e.Type == queue.EventDead {
		m.dead = append(m.dead, DeadLetter{JobID: e.JobID, Attempts: e.Attempts, Error: e.Err, At: e.Time})
		if over := len(m.dead) - m.keepDead; over > 0 {
			m.dead = append(m.dead[:0:0], m.dead[over:]...)
		}
	}
	m.mu.Unlock()

	switch e.Type {
	case queue.EventFailed:
		m.log.Warn("vote job failed, retry scheduled",
			logx.String("job", e.JobID),
			logx.Int("attempt", e.Attempts),
			logx.Duration("delay", e.Delay),
			logx.String("err", e.Err),
		)
	case queue.EventDead:
		m.log.Error("vote job dead-lettered",
			logx.String("job", e.JobID),
			logx.Int("attempts", e.Attempts),
			logx.String("err", e.Err),
		)
	case queue.EventStalled:
		m.log.Warn("vote job lease expired", logx.String("job", e.JobID), logx.Int("attempt", e.Attempts))
	case queue.EventCompleted:
		m.log.Debug("vote job completed", logx.String("job", e.JobID))
	}
}

func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[queue.EventType]uint64, len(m.counts))
	for k, v := range m.counts {
		counts[k] = v
	}
	dead := make([]DeadLetter, len(m.dead))
	// newest first
	for i := range m.dead {
		dead[i] = m.dead[len(m.dead)-1-i]
	}
	return Snapshot{Counts: counts, Dropped: m.dropped.Load(), RecentDead: dead}
}

// Report logs the counters together with the queue's own stats. Maintenance
// calls it on a schedule.
func (m *Monitor) Report(ctx context.Context, q queue.Queue) error {
	snap := m.Snapshot()
	fields := []logx.Field{
		logx.Any("counts", snap.Counts),
		logx.Uint64("dropped_events", snap.Dropped),
	}
	if q != nil {
		st, err := q.Stats(ctx)
		if err != nil {
			m.log.Warn("queue stats failed", logx.Err(err))
			return err
		}
		fields = append(fields,
			logx.Int64("waiting", st.Waiting),
			logx.Int64("delayed", st.Delayed),
			logx.Int64("active", st.Active),
			logx.Int64("completed", st.Completed),
			logx.Int64("failed", st.Failed),
		)
	}
	m.log.Info("queue report", fields...)
	return nil
}
