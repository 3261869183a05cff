package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types(id string) []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventType
	for _, e := range r.events {
		if e.JobID == id {
			out = append(out, e.Type)
		}
	}
	return out
}

type driverFactory func(t *testing.T, opt Options) Queue

func drivers() map[string]driverFactory {
	return map[string]driverFactory{
		"memory": func(t *testing.T, opt Options) Queue { return NewMemory(opt) },
		"redis": func(t *testing.T, opt Options) Queue {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })
			return NewRedis(rdb, "test:queue", opt)
		},
	}
}

func forEachDriver(t *testing.T, fn func(t *testing.T, mk driverFactory)) {
	for name, mk := range drivers() {
		t.Run(name, func(t *testing.T) { fn(t, mk) })
	}
}

func mustReserve(t *testing.T, q Queue) *Delivery {
	t.Helper()
	d, err := q.Reserve(context.Background())
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if d == nil {
		t.Fatalf("Reserve: nothing ready")
	}
	return d
}

func mustBeEmpty(t *testing.T, q Queue) {
	t.Helper()
	d, err := q.Reserve(context.Background())
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if d != nil {
		t.Fatalf("expected nothing ready, got %s (attempt %d)", d.Job.ID, d.Job.Attempts)
	}
}

func TestAddIsIdempotentByID(t *testing.T) {
	forEachDriver(t, func(t *testing.T, mk driverFactory) {
		ctx := context.Background()
		q := mk(t, Options{})
		for i := 0; i < 3; i++ {
			if err := q.Add(ctx, Job{ID: "v1", Payload: []byte(`{"n":1}`)}); err != nil {
				t.Fatalf("Add: %v", err)
			}
		}
		st, err := q.Stats(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if st.Waiting != 1 {
			t.Fatalf("waiting = %d, want 1", st.Waiting)
		}
		d := mustReserve(t, q)
		if d.Job.ID != "v1" || string(d.Job.Payload) != `{"n":1}` || d.Job.Attempts != 1 {
			t.Fatalf("unexpected delivery %+v", d.Job)
		}
		mustBeEmpty(t, q)
	})
}

func TestRetryWithExponentialBackoffThenDead(t *testing.T) {
	forEachDriver(t, func(t *testing.T, mk driverFactory) {
		ctx := context.Background()
		clk := newFakeClock()
		rec := &recorder{}
		q := mk(t, Options{Now: clk.Now, Observer: rec})

		if err := q.Add(ctx, Job{ID: "v1"}); err != nil {
			t.Fatal(err)
		}
		boom := errors.New("store unavailable")

		d := mustReserve(t, q)
		if err := q.Fail(ctx, d, boom); err != nil {
			t.Fatalf("Fail: %v", err)
		}
		mustBeEmpty(t, q)
		clk.Advance(999 * time.Millisecond)
		mustBeEmpty(t, q)
		clk.Advance(time.Millisecond)

		d = mustReserve(t, q)
		if d.Job.Attempts != 2 {
			t.Fatalf("attempts = %d, want 2", d.Job.Attempts)
		}
		if err := q.Fail(ctx, d, boom); err != nil {
			t.Fatal(err)
		}
		clk.Advance(time.Second)
		mustBeEmpty(t, q)
		clk.Advance(time.Second)

		d = mustReserve(t, q)
		if d.Job.Attempts != 3 {
			t.Fatalf("attempts = %d, want 3", d.Job.Attempts)
		}
		if err := q.Fail(ctx, d, boom); err != nil {
			t.Fatal(err)
		}
		clk.Advance(time.Hour)
		mustBeEmpty(t, q)

		failed, err := q.Failed(ctx, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(failed) != 1 || failed[0].ID != "v1" || failed[0].State != StateDead || failed[0].LastError != boom.Error() {
			t.Fatalf("failed = %+v", failed)
		}
		want := []EventType{EventWaiting, EventActive, EventFailed, EventActive, EventFailed, EventActive, EventDead}
		if got := rec.types("v1"); fmt.Sprint(got) != fmt.Sprint(want) {
			t.Fatalf("events = %v, want %v", got, want)
		}
	})
}

func TestPermanentSkipsRetry(t *testing.T) {
	forEachDriver(t, func(t *testing.T, mk driverFactory) {
		ctx := context.Background()
		clk := newFakeClock()
		q := mk(t, Options{Now: clk.Now})
		_ = q.Add(ctx, Job{ID: "v1"})
		d := mustReserve(t, q)
		if err := q.Fail(ctx, d, Permanent(errors.New("poll not found"))); err != nil {
			t.Fatal(err)
		}
		clk.Advance(time.Hour)
		mustBeEmpty(t, q)
		j, err := q.Get(ctx, "v1")
		if err != nil {
			t.Fatal(err)
		}
		if j.State != StateDead || j.Attempts != 1 {
			t.Fatalf("job = %+v", j)
		}
	})
}

func TestRetryAfterHint(t *testing.T) {
	forEachDriver(t, func(t *testing.T, mk driverFactory) {
		ctx := context.Background()
		clk := newFakeClock()
		q := mk(t, Options{Now: clk.Now})
		_ = q.Add(ctx, Job{ID: "v1"})
		d := mustReserve(t, q)
		_ = q.Fail(ctx, d, RetryAfter(errors.New("busy"), 5*time.Second))
		clk.Advance(4 * time.Second)
		mustBeEmpty(t, q)
		clk.Advance(time.Second)
		mustReserve(t, q)
	})
}

func TestRetentionKeepsNewest(t *testing.T) {
	forEachDriver(t, func(t *testing.T, mk driverFactory) {
		ctx := context.Background()
		q := mk(t, Options{KeepCompleted: 3, KeepFailed: 2})
		for i := 1; i <= 5; i++ {
			_ = q.Add(ctx, Job{ID: fmt.Sprintf("c%d", i)})
		}
		for i := 1; i <= 5; i++ {
			d := mustReserve(t, q)
			if err := q.Complete(ctx, d, "ok"); err != nil {
				t.Fatalf("Complete: %v", err)
			}
		}
		done, err := q.Completed(ctx, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(done) != 3 || done[0].ID != "c5" || done[2].ID != "c3" {
			t.Fatalf("completed = %+v", done)
		}
		if done[0].Result != "ok" {
			t.Fatalf("result = %q", done[0].Result)
		}
		if _, err := q.Get(ctx, "c1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("trimmed job should be gone, err = %v", err)
		}

		for i := 1; i <= 3; i++ {
			_ = q.Add(ctx, Job{ID: fmt.Sprintf("f%d", i)})
			d := mustReserve(t, q)
			_ = q.Fail(ctx, d, Permanent(errors.New("bad")))
		}
		st, _ := q.Stats(ctx)
		if st.Completed != 3 || st.Failed != 2 {
			t.Fatalf("stats = %+v", st)
		}
	})
}

func TestExpiredLeaseIsRedelivered(t *testing.T) {
	forEachDriver(t, func(t *testing.T, mk driverFactory) {
		ctx := context.Background()
		clk := newFakeClock()
		rec := &recorder{}
		q := mk(t, Options{Now: clk.Now, VisibilityTimeout: 10 * time.Second, Observer: rec})
		_ = q.Add(ctx, Job{ID: "v1"})

		first := mustReserve(t, q)
		clk.Advance(5 * time.Second)
		if n, _ := q.Reap(ctx); n != 0 {
			t.Fatalf("reaped %d before expiry", n)
		}
		clk.Advance(6 * time.Second)
		n, err := q.Reap(ctx)
		if err != nil || n != 1 {
			t.Fatalf("Reap = %d, %v", n, err)
		}

		second := mustReserve(t, q)
		if second.Job.Attempts != 2 || second.Token == first.Token {
			t.Fatalf("second delivery = %+v", second)
		}
		if err := q.Complete(ctx, first, "late"); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("stale ack err = %v, want ErrLeaseLost", err)
		}
		if err := q.Complete(ctx, second, "ok"); err != nil {
			t.Fatalf("Complete: %v", err)
		}
		got := rec.types("v1")
		if got[len(got)-1] != EventCompleted {
			t.Fatalf("events = %v", got)
		}
		var stalled bool
		for _, e := range got {
			if e == EventStalled {
				stalled = true
			}
		}
		if !stalled {
			t.Fatalf("missing stalled event: %v", got)
		}
	})
}

func TestReapDeadLettersWhenAttemptsExhausted(t *testing.T) {
	forEachDriver(t, func(t *testing.T, mk driverFactory) {
		ctx := context.Background()
		clk := newFakeClock()
		q := mk(t, Options{Now: clk.Now, MaxAttempts: 1, VisibilityTimeout: time.Second})
		_ = q.Add(ctx, Job{ID: "v1"})
		mustReserve(t, q)
		clk.Advance(2 * time.Second)
		if _, err := q.Reap(ctx); err != nil {
			t.Fatal(err)
		}
		mustBeEmpty(t, q)
		j, err := q.Get(ctx, "v1")
		if err != nil {
			t.Fatal(err)
		}
		if j.State != StateDead || j.LastError != "lease expired" {
			t.Fatalf("job = %+v", j)
		}
	})
}

func TestManualRetryOfDeadJob(t *testing.T) {
	forEachDriver(t, func(t *testing.T, mk driverFactory) {
		ctx := context.Background()
		q := mk(t, Options{})
		_ = q.Add(ctx, Job{ID: "v1"})
		_ = q.Add(ctx, Job{ID: "v2"})
		d := mustReserve(t, q)
		_ = q.Fail(ctx, d, Permanent(errors.New("bad")))
		d2 := mustReserve(t, q)
		_ = q.Complete(ctx, d2, "")

		if err := q.Retry(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
		if err := q.Retry(ctx, d2.Job.ID); !errors.Is(err, ErrNotDead) {
			t.Fatalf("err = %v, want ErrNotDead", err)
		}
		if err := q.Retry(ctx, d.Job.ID); err != nil {
			t.Fatalf("Retry: %v", err)
		}
		st, _ := q.Stats(ctx)
		if st.Failed != 0 || st.Waiting != 1 {
			t.Fatalf("stats = %+v", st)
		}
		again := mustReserve(t, q)
		if again.Job.ID != d.Job.ID || again.Job.Attempts != 1 {
			t.Fatalf("redelivery = %+v", again.Job)
		}
	})
}

func TestBackoffDelay(t *testing.T) {
	opt := Options{Backoff: time.Second, MaxBackoff: 5 * time.Second}.withDefaults()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := backoffDelay(opt, i+1, errors.New("x"), nil); got != w {
			t.Fatalf("attempt %d: delay = %v, want %v", i+1, got, w)
		}
	}
	if !IsPermanent(fmt.Errorf("wrap: %w", Permanent(errors.New("x")))) {
		t.Fatalf("wrapped permanent not detected")
	}
}
