package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const reapBatch = 500

// Redis is a Queue shared by every process pointing at the same server and
// prefix. All state transitions run as Lua scripts, so concurrent workers in
// different processes never hand out the same lease twice.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	opt    Options
	rng    *lockedRand
}

// NewRedis wraps an existing client. The client is owned by the caller.
func NewRedis(rdb redis.UniversalClient, prefix string, opt Options) *Redis {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "livepoll:queue"
	}
	return &Redis{rdb: rdb, prefix: prefix, opt: opt.withDefaults(), rng: newLockedRand()}
}

func (q *Redis) key(parts ...string) string {
	return q.prefix + ":" + strings.Join(parts, ":")
}

func (q *Redis) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = q.opt.Now()
	}
	q.opt.Observer.OnEvent(e)
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func (q *Redis) Add(ctx context.Context, job Job) error {
	now := q.opt.Now()
	n, err := addScript.Run(ctx, q.rdb, nil, q.prefix, job.ID, job.Payload, q.opt.MaxAttempts, ms(now)).Int()
	if err != nil {
		return fmt.Errorf("queue: add %s: %w", job.ID, err)
	}
	if n == 1 {
		q.emit(Event{Type: EventWaiting, JobID: job.ID, Time: now})
	}
	return nil
}

func (q *Redis) Reserve(ctx context.Context) (*Delivery, error) {
	now := q.opt.Now()
	token := uuid.NewString()
	res, err := reserveScript.Run(ctx, q.rdb, nil, q.prefix, ms(now), q.opt.VisibilityTimeout.Milliseconds(), token).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: reserve: %w", err)
	}
	if len(res) != 5 {
		return nil, fmt.Errorf("queue: reserve: unexpected reply of %d items", len(res))
	}
	j := Job{
		ID:          toString(res[0]),
		Payload:     []byte(toString(res[1])),
		State:       StateActive,
		Attempts:    int(toInt64(res[2])),
		MaxAttempts: int(toInt64(res[3])),
		CreatedAt:   time.UnixMilli(toInt64(res[4])),
		UpdatedAt:   now,
	}
	d := &Delivery{Job: j, Token: token, LeaseUntil: now.Add(q.opt.VisibilityTimeout)}
	q.emit(Event{Type: EventActive, JobID: j.ID, Attempts: j.Attempts, Time: now})
	return d, nil
}

func (q *Redis) Complete(ctx context.Context, d *Delivery, result string) error {
	now := q.opt.Now()
	n, err := completeScript.Run(ctx, q.rdb, nil, q.prefix, d.Job.ID, d.Token, ms(now), result, q.opt.KeepCompleted).Int()
	if err != nil {
		return fmt.Errorf("queue: complete %s: %w", d.Job.ID, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	q.emit(Event{Type: EventCompleted, JobID: d.Job.ID, Attempts: d.Job.Attempts, Time: now})
	return nil
}

func (q *Redis) Fail(ctx context.Context, d *Delivery, cause error) error {
	now := q.opt.Now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	delay, dead := retryPlan(q.opt, d.Job.Attempts, cause, q.rng)
	delayMS := delay.Milliseconds()
	if dead {
		delayMS = -1
	}
	n, err := failScript.Run(ctx, q.rdb, nil, q.prefix, d.Job.ID, d.Token, ms(now), msg, delayMS, q.opt.KeepFailed).Int()
	if err != nil {
		return fmt.Errorf("queue: fail %s: %w", d.Job.ID, err)
	}
	switch n {
	case 0:
		return ErrLeaseLost
	case 2:
		q.emit(Event{Type: EventDead, JobID: d.Job.ID, Attempts: d.Job.Attempts, Err: msg, Time: now})
	default:
		q.emit(Event{Type: EventFailed, JobID: d.Job.ID, Attempts: d.Job.Attempts, Err: msg, Delay: delay, Time: now})
	}
	return nil
}

func (q *Redis) Reap(ctx context.Context) (int, error) {
	now := q.opt.Now()
	res, err := reapScript.Run(ctx, q.rdb, nil, q.prefix, ms(now), q.opt.KeepFailed, reapBatch).Slice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("queue: reap: %w", err)
	}
	count := 0
	for i := 0; i+2 < len(res); i += 3 {
		id := toString(res[i])
		attempts := int(toInt64(res[i+1]))
		q.emit(Event{Type: EventStalled, JobID: id, Attempts: attempts, Time: now})
		if toString(res[i+2]) == "dead" {
			q.emit(Event{Type: EventDead, JobID: id, Attempts: attempts, Err: "lease expired", Time: now})
		}
		count++
	}
	return count, nil
}

func (q *Redis) Retry(ctx context.Context, id string) error {
	now := q.opt.Now()
	n, err := retryScript.Run(ctx, q.rdb, nil, q.prefix, id, ms(now)).Int()
	if err != nil {
		return fmt.Errorf("queue: retry %s: %w", id, err)
	}
	switch n {
	case -1:
		return ErrNotFound
	case 0:
		return ErrNotDead
	}
	q.emit(Event{Type: EventWaiting, JobID: id, Time: now})
	return nil
}

func (q *Redis) Get(ctx context.Context, id string) (*Job, error) {
	m, err := q.rdb.HGetAll(ctx, q.key("job", id)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: get %s: %w", id, err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	j := jobFromHash(id, m)
	return &j, nil
}

func (q *Redis) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	wait := pipe.LLen(ctx, q.key("wait"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	active := pipe.ZCard(ctx, q.key("active"))
	completed := pipe.LLen(ctx, q.key("completed"))
	failed := pipe.LLen(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	return Stats{
		Waiting:   wait.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

func (q *Redis) Completed(ctx context.Context, n int) ([]Job, error) {
	return q.list(ctx, "completed", n)
}

func (q *Redis) Failed(ctx context.Context, n int) ([]Job, error) {
	return q.list(ctx, "failed", n)
}

func (q *Redis) list(ctx context.Context, name string, n int) ([]Job, error) {
	stop := int64(-1)
	if n > 0 {
		stop = int64(n - 1)
	}
	ids, err := q.rdb.LRange(ctx, q.key(name), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list %s: %w", name, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, q.key("job", id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue: list %s: %w", name, err)
	}
	out := make([]Job, 0, len(ids))
	for i, id := range ids {
		m := cmds[i].Val()
		if len(m) == 0 {
			continue
		}
		out = append(out, jobFromHash(id, m))
	}
	return out, nil
}

// Close is a no-op; the Redis client belongs to the caller.
func (q *Redis) Close() error { return nil }

func jobFromHash(id string, m map[string]string) Job {
	atoi := func(k string) int64 {
		v, _ := strconv.ParseInt(m[k], 10, 64)
		return v
	}
	return Job{
		ID:          id,
		Payload:     []byte(m["payload"]),
		State:       State(m["state"]),
		Attempts:    int(atoi("attempts")),
		MaxAttempts: int(atoi("max")),
		LastError:   m["err"],
		Result:      m["result"],
		CreatedAt:   time.UnixMilli(atoi("created")),
		UpdatedAt:   time.UnixMilli(atoi("updated")),
	}
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	default:
		return 0
	}
}
