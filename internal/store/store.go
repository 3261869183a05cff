package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"livepoll/internal/poll"
	logx "livepoll/pkg/logx"
)

var (
	ErrVersionConflict = errors.New("store: version conflict")
	ErrAlreadyApplied  = errors.New("store: vote already applied")
)

// AggregateUpdate is a versioned write of a poll's counters together with the
// ledger entry for the vote that produced them. Both land or neither does.
type AggregateUpdate struct {
	PollID          string
	VoteID          string
	ExpectedVersion int64
	Questions       []poll.Question
	TotalVotes      int64
}

type Polls interface {
	GetPoll(ctx context.Context, id string) (*poll.Poll, error)
	GetPollByJoinCode(ctx context.Context, code string) (*poll.Poll, error)
	ListPolls(ctx context.Context) ([]*poll.Poll, error)
	// CreatePoll fails with poll.ErrJoinCodeTaken if the join code is in use.
	CreatePoll(ctx context.Context, p *poll.Poll) error
	// SetStatus writes Status/StartedAt/EndedAt if p.Version is still current.
	SetStatus(ctx context.Context, p *poll.Poll) (*poll.Poll, error)
	DeletePoll(ctx context.Context, id string) error

	// CommitAggregate returns ErrAlreadyApplied if the vote is in the ledger,
	// ErrVersionConflict if the poll moved past ExpectedVersion.
	CommitAggregate(ctx context.Context, u AggregateUpdate) (*poll.Poll, error)
	IsApplied(ctx context.Context, pollID, voteID string) (bool, error)
}

type Votes interface {
	// CreateVote stores v. With unique set, it fails with poll.ErrDuplicateVote
	// when the session already voted in the poll; the check and insert are atomic.
	CreateVote(ctx context.Context, v *poll.Vote, unique bool) error
	GetVote(ctx context.Context, id string) (*poll.Vote, error)
	HasVoted(ctx context.Context, pollID, sessionID string) (bool, error)
	MarkEnqueued(ctx context.Context, id string, at time.Time) error
	// ListVotes returns every vote recorded for a poll, oldest first.
	ListVotes(ctx context.Context, pollID string) ([]*poll.Vote, error)
	// ListUnenqueued returns votes whose job was never admitted, created before cutoff, oldest first.
	ListUnenqueued(ctx context.Context, cutoff time.Time, limit int) ([]*poll.Vote, error)
}

type Store interface {
	Polls
	Votes
	Ping(ctx context.Context) error
	Close() error
}

// Config configures the store.
//
// Driver values:
//   - "memory": process-local maps (default)
//   - "sqlite": SQLite database file (modernc, no cgo)
//   - "postgres": PostgreSQL through gorm/pgx
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "store"))

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
