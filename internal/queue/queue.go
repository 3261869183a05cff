package queue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("queue: job not found")
	ErrLeaseLost = errors.New("queue: lease lost")
	ErrNotDead   = errors.New("queue: job is not dead-lettered")
	ErrClosed    = errors.New("queue: closed")
)

type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateDead      State = "dead"
)

// Job is a unit of work. ID doubles as the idempotency key: adding an ID that
// is already tracked is a no-op.
type Job struct {
	ID          string    `json:"id"`
	Payload     []byte    `json:"payload"`
	State       State     `json:"state"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	LastError   string    `json:"lastError,omitempty"`
	Result      string    `json:"result,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Delivery is a leased job. Token identifies this lease; acks carrying a
// token from an expired lease are rejected with ErrLeaseLost.
type Delivery struct {
	Job        Job
	Token      string
	LeaseUntil time.Time
}

type Stats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Queue delivers jobs at least once.
//
//   - Reserve returns (nil, nil) when nothing is ready.
//   - A reserved job that is neither completed nor failed before its lease
//     expires is handed out again by Reap.
//   - Fail schedules a retry with exponential backoff until MaxAttempts is
//     reached; errors wrapped with Permanent go straight to the dead set.
//   - Only the newest KeepCompleted completed and KeepFailed dead jobs are kept.
type Queue interface {
	Add(ctx context.Context, job Job) error
	Reserve(ctx context.Context) (*Delivery, error)
	Complete(ctx context.Context, d *Delivery, result string) error
	Fail(ctx context.Context, d *Delivery, cause error) error

	// Reap requeues or dead-letters jobs whose lease expired. It returns how many it touched.
	Reap(ctx context.Context) (int, error)
	// Retry moves a dead job back to waiting with a fresh attempt budget.
	Retry(ctx context.Context, id string) error

	Get(ctx context.Context, id string) (*Job, error)
	Stats(ctx context.Context) (Stats, error)
	Completed(ctx context.Context, n int) ([]Job, error)
	Failed(ctx context.Context, n int) ([]Job, error)

	Close() error
}

// Options are shared by all drivers.
//
// Defaults (when fields are zero):
//   - MaxAttempts: 3 (total deliveries, including the first)
//   - Backoff: 1s, doubled per failed attempt
//   - MaxBackoff: 1m
//   - KeepCompleted: 100
//   - KeepFailed: 500
//   - VisibilityTimeout: 30s
type Options struct {
	MaxAttempts       int
	Backoff           time.Duration
	MaxBackoff        time.Duration
	Jitter            float64 // 0 disables; 0.2 means +-20%
	KeepCompleted     int
	KeepFailed        int
	VisibilityTimeout time.Duration

	Observer Observer
	Now      func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Minute
	}
	if o.MaxBackoff < o.Backoff {
		o.MaxBackoff = o.Backoff
	}
	if o.Jitter < 0 {
		o.Jitter = 0
	}
	if o.KeepCompleted <= 0 {
		o.KeepCompleted = 100
	}
	if o.KeepFailed <= 0 {
		o.KeepFailed = 500
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 30 * time.Second
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
