package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a single-process Queue. Jobs do not survive a restart; use the
// redis driver when that matters.
type Memory struct {
	opt Options
	rng *lockedRand

	mu        sync.Mutex
	jobs      map[string]*memJob
	waiting   []string
	delayed   map[string]time.Time
	completed []string // newest first
	failed    []string // newest first
	closed    bool
}

type memJob struct {
	Job
	token      string
	leaseUntil time.Time
}

func NewMemory(opt Options) *Memory {
	return &Memory{
		opt:     opt.withDefaults(),
		rng:     newLockedRand(),
		jobs:    map[string]*memJob{},
		delayed: map[string]time.Time{},
	}
}

func (q *Memory) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = q.opt.Now()
	}
	q.opt.Observer.OnEvent(e)
}

func (q *Memory) Add(_ context.Context, job Job) error {
	now := q.opt.Now()
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if _, ok := q.jobs[job.ID]; ok {
		q.mu.Unlock()
		return nil
	}
	j := &memJob{Job: Job{
		ID:          job.ID,
		Payload:     append([]byte(nil), job.Payload...),
		State:       StateWaiting,
		MaxAttempts: q.opt.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}}
	q.jobs[job.ID] = j
	q.waiting = append(q.waiting, job.ID)
	q.mu.Unlock()

	q.emit(Event{Type: EventWaiting, JobID: job.ID, Time: now})
	return nil
}

// promote moves due delayed jobs to waiting. Caller holds q.mu.
func (q *Memory) promote(now time.Time) {
	if len(q.delayed) == 0 {
		return
	}
	var due []string
	for id, at := range q.delayed {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool { return q.delayed[due[i]].Before(q.delayed[due[j]]) })
	for _, id := range due {
		delete(q.delayed, id)
		if j, ok := q.jobs[id]; ok {
			j.State = StateWaiting
			q.waiting = append(q.waiting, id)
		}
	}
}

func (q *Memory) Reserve(_ context.Context) (*Delivery, error) {
	now := q.opt.Now()
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	q.promote(now)
	for len(q.waiting) > 0 {
		id := q.waiting[0]
		q.waiting = q.waiting[1:]
		j, ok := q.jobs[id]
		if !ok || j.State != StateWaiting {
			continue
		}
		j.Attempts++
		j.State = StateActive
		j.UpdatedAt = now
		j.token = uuid.NewString()
		j.leaseUntil = now.Add(q.opt.VisibilityTimeout)
		d := &Delivery{Job: j.copyJob(), Token: j.token, LeaseUntil: j.leaseUntil}
		q.mu.Unlock()

		q.emit(Event{Type: EventActive, JobID: id, Attempts: d.Job.Attempts, Time: now})
		return d, nil
	}
	q.mu.Unlock()
	return nil, nil
}

// leased returns the job if d still holds its lease. Caller holds q.mu.
func (q *Memory) leased(d *Delivery) (*memJob, error) {
	j, ok := q.jobs[d.Job.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if j.State != StateActive || j.token != d.Token {
		return nil, ErrLeaseLost
	}
	return j, nil
}

func (q *Memory) Complete(_ context.Context, d *Delivery, result string) error {
	now := q.opt.Now()
	q.mu.Lock()
	j, err := q.leased(d)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	j.State = StateCompleted
	j.Result = result
	j.UpdatedAt = now
	j.token = ""
	q.completed = q.retain(q.completed, j.ID, q.opt.KeepCompleted)
	attempts := j.Attempts
	q.mu.Unlock()

	q.emit(Event{Type: EventCompleted, JobID: d.Job.ID, Attempts: attempts, Time: now})
	return nil
}

func (q *Memory) Fail(_ context.Context, d *Delivery, cause error) error {
	now := q.opt.Now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	q.mu.Lock()
	j, err := q.leased(d)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	j.LastError = msg
	j.UpdatedAt = now
	j.token = ""
	attempts := j.Attempts
	delay, dead := retryPlan(q.opt, attempts, cause, q.rng)
	if dead {
		q.bury(j)
	} else {
		j.State = StateDelayed
		q.delayed[j.ID] = now.Add(delay)
	}
	q.mu.Unlock()

	if dead {
		q.emit(Event{Type: EventDead, JobID: d.Job.ID, Attempts: attempts, Err: msg, Time: now})
	} else {
		q.emit(Event{Type: EventFailed, JobID: d.Job.ID, Attempts: attempts, Err: msg, Delay: delay, Time: now})
	}
	return nil
}

// bury parks j in the dead set. Caller holds q.mu.
func (q *Memory) bury(j *memJob) {
	j.State = StateDead
	q.failed = q.retain(q.failed, j.ID, q.opt.KeepFailed)
}

// retain pushes id at the head of list and forgets jobs beyond keep.
// Caller holds q.mu.
func (q *Memory) retain(list []string, id string, keep int) []string {
	list = append([]string{id}, list...)
	if len(list) <= keep {
		return list
	}
	for _, old := range list[keep:] {
		delete(q.jobs, old)
	}
	return list[:keep]
}

func (q *Memory) Reap(_ context.Context) (int, error) {
	now := q.opt.Now()
	var events []Event

	q.mu.Lock()
	var expired []*memJob
	for _, j := range q.jobs {
		if j.State == StateActive && !j.leaseUntil.After(now) {
			expired = append(expired, j)
		}
	}
	sort.Slice(expired, func(a, b int) bool { return expired[a].leaseUntil.Before(expired[b].leaseUntil) })
	for _, j := range expired {
		j.token = ""
		j.UpdatedAt = now
		events = append(events, Event{Type: EventStalled, JobID: j.ID, Attempts: j.Attempts, Time: now})
		if j.Attempts >= j.MaxAttempts {
			j.LastError = "lease expired"
			q.bury(j)
			events = append(events, Event{Type: EventDead, JobID: j.ID, Attempts: j.Attempts, Err: j.LastError, Time: now})
			continue
		}
		j.State = StateWaiting
		q.waiting = append([]string{j.ID}, q.waiting...)
	}
	q.mu.Unlock()

	for _, e := range events {
		q.emit(e)
	}
	return len(expired), nil
}

func (q *Memory) Retry(_ context.Context, id string) error {
	now := q.opt.Now()
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return ErrNotFound
	}
	if j.State != StateDead {
		q.mu.Unlock()
		return ErrNotDead
	}
	for i, fid := range q.failed {
		if fid == id {
			q.failed = append(q.failed[:i], q.failed[i+1:]...)
			break
		}
	}
	j.State = StateWaiting
	j.Attempts = 0
	j.LastError = ""
	j.UpdatedAt = now
	q.waiting = append(q.waiting, id)
	q.mu.Unlock()

	q.emit(Event{Type: EventWaiting, JobID: id, Time: now})
	return nil
}

func (q *Memory) Get(_ context.Context, id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := j.copyJob()
	return &cp, nil
}

func (q *Memory) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var st Stats
	for _, j := range q.jobs {
		switch j.State {
		case StateWaiting:
			st.Waiting++
		case StateDelayed:
			st.Delayed++
		case StateActive:
			st.Active++
		}
	}
	st.Completed = int64(len(q.completed))
	st.Failed = int64(len(q.failed))
	return st, nil
}

func (q *Memory) Completed(_ context.Context, n int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list(q.completed, n), nil
}

func (q *Memory) Failed(_ context.Context, n int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list(q.failed, n), nil
}

func (q *Memory) list(ids []string, n int) []Job {
	if n <= 0 || n > len(ids) {
		n = len(ids)
	}
	out := make([]Job, 0, n)
	for _, id := range ids[:n] {
		if j, ok := q.jobs[id]; ok {
			out = append(out, j.copyJob())
		}
	}
	return out
}

func (q *Memory) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}

func (j *memJob) copyJob() Job {
	cp := j.Job
	cp.Payload = append([]byte(nil), j.Payload...)
	return cp
}
