package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"livepoll/internal/poll"
	logx "livepoll/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway, and it makes every
	// transaction below a critical section.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

const pollColumns = `id, join_code, title, description, status, questions, settings, total_votes, version, started_at, ended_at, created_at`

func scanPoll(r rowScanner) (*poll.Poll, error) {
	var (
		p                   poll.Poll
		status, qs, st      string
		started, ended, cre int64
	)
	err := r.Scan(&p.ID, &p.JoinCode, &p.Title, &p.Description, &status, &qs, &st, &p.TotalVotes, &p.Version, &started, &ended, &cre)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, poll.ErrPollNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Status = poll.Status(status)
	if p.Questions, err = decodeQuestions(qs); err != nil {
		return nil, err
	}
	if p.Settings, err = decodeSettings(st); err != nil {
		return nil, err
	}
	p.StartedAt = fromMillis(started)
	p.EndedAt = fromMillis(ended)
	p.CreatedAt = fromMillis(cre)
	return &p, nil
}

func (s *sqliteStore) GetPoll(ctx context.Context, id string) (*poll.Poll, error) {
	return scanPoll(s.db.QueryRowContext(ctx, `SELECT `+pollColumns+` FROM polls WHERE id = ?`, id))
}

func (s *sqliteStore) GetPollByJoinCode(ctx context.Context, code string) (*poll.Poll, error) {
	return scanPoll(s.db.QueryRowContext(ctx, `SELECT `+pollColumns+` FROM polls WHERE join_code = ?`, poll.NormalizeJoinCode(code)))
}

func (s *sqliteStore) ListPolls(ctx context.Context) ([]*poll.Poll, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+pollColumns+` FROM polls ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*poll.Poll
	for rows.Next() {
		p, err := scanPoll(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CreatePoll(ctx context.Context, p *poll.Poll) error {
	qs, err := encodeJSON(p.Questions)
	if err != nil {
		return err
	}
	st, err := encodeJSON(p.Settings)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM polls WHERE join_code = ?`, p.JoinCode).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return poll.ErrJoinCodeTaken
	}
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM polls WHERE id = ?`, p.ID).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return poll.ErrConflict
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO polls(`+pollColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.JoinCode, p.Title, p.Description, string(p.Status), qs, st, p.TotalVotes, p.Version,
		toMillis(p.StartedAt), toMillis(p.EndedAt), toMillis(p.CreatedAt),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) SetStatus(ctx context.Context, p *poll.Poll) (*poll.Poll, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE polls SET status = ?, started_at = ?, ended_at = ?, version = version + 1 WHERE id = ? AND version = ?`,
		string(p.Status), toMillis(p.StartedAt), toMillis(p.EndedAt), p.ID, p.Version,
	)
	if err != nil {
		return nil, err
	}
	if err := s.checkVersioned(ctx, tx, res, p.ID); err != nil {
		return nil, err
	}
	out, err := scanPoll(tx.QueryRowContext(ctx, `SELECT `+pollColumns+` FROM polls WHERE id = ?`, p.ID))
	if err != nil {
		return nil, err
	}
	return out, tx.Commit()
}

// checkVersioned turns a zero-row versioned UPDATE into the right error.
func (s *sqliteStore) checkVersioned(ctx context.Context, tx *sql.Tx, res sql.Result, pollID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM polls WHERE id = ?`, pollID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return poll.ErrPollNotFound
	}
	return ErrVersionConflict
}

func (s *sqliteStore) DeletePoll(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `DELETE FROM polls WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return poll.ErrPollNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM applied_votes WHERE poll_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) CommitAggregate(ctx context.Context, u AggregateUpdate) (*poll.Poll, error) {
	qs, err := encodeJSON(u.Questions)
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO applied_votes(poll_id, vote_id, applied_at) VALUES(?,?,?) ON CONFLICT(poll_id, vote_id) DO NOTHING`,
		u.PollID, u.VoteID, time.Now().UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrAlreadyApplied
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE polls SET questions = ?, total_votes = ?, version = version + 1 WHERE id = ? AND version = ?`,
		qs, u.TotalVotes, u.PollID, u.ExpectedVersion,
	)
	if err != nil {
		return nil, err
	}
	if err := s.checkVersioned(ctx, tx, res, u.PollID); err != nil {
		return nil, err
	}
	out, err := scanPoll(tx.QueryRowContext(ctx, `SELECT `+pollColumns+` FROM polls WHERE id = ?`, u.PollID))
	if err != nil {
		return nil, err
	}
	return out, tx.Commit()
}

func (s *sqliteStore) IsApplied(ctx context.Context, pollID, voteID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM applied_votes WHERE poll_id = ? AND vote_id = ?`, pollID, voteID).Scan(&n)
	return n > 0, err
}

const voteColumns = `id, poll_id, session_id, answers, ip_address, user_agent, created_at, enqueued_at`

func scanVote(r rowScanner) (*poll.Vote, error) {
	var (
		v        poll.Vote
		answers  string
		cre, enq int64
	)
	err := r.Scan(&v.ID, &v.PollID, &v.SessionID, &answers, &v.IPAddress, &v.UserAgent, &cre, &enq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, poll.ErrVoteNotFound
	}
	if err != nil {
		return nil, err
	}
	if v.Answers, err = decodeAnswers(answers); err != nil {
		return nil, err
	}
	v.CreatedAt = fromMillis(cre)
	v.EnqueuedAt = fromMillis(enq)
	return &v, nil
}

func (s *sqliteStore) CreateVote(ctx context.Context, v *poll.Vote, unique bool) error {
	answers, err := encodeJSON(v.Answers)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if unique {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM votes WHERE poll_id = ? AND session_id = ?`, v.PollID, v.SessionID).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return poll.ErrDuplicateVote
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO votes(`+voteColumns+`) VALUES(?,?,?,?,?,?,?,?)`,
		v.ID, v.PollID, v.SessionID, answers, v.IPAddress, v.UserAgent, toMillis(v.CreatedAt), toMillis(v.EnqueuedAt),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) GetVote(ctx context.Context, id string) (*poll.Vote, error) {
	return scanVote(s.db.QueryRowContext(ctx, `SELECT `+voteColumns+` FROM votes WHERE id = ?`, id))
}

func (s *sqliteStore) HasVoted(ctx context.Context, pollID, sessionID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM votes WHERE poll_id = ? AND session_id = ?`, pollID, sessionID).Scan(&n)
	return n > 0, err
}

func (s *sqliteStore) MarkEnqueued(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE votes SET enqueued_at = ? WHERE id = ? AND enqueued_at = 0`, toMillis(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetVote(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) ListVotes(ctx context.Context, pollID string) ([]*poll.Vote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+voteColumns+` FROM votes WHERE poll_id = ? ORDER BY created_at, id`, pollID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*poll.Vote
	for rows.Next() {
		v, err := scanVote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListUnenqueued(ctx context.Context, cutoff time.Time, limit int) ([]*poll.Vote, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+voteColumns+` FROM votes WHERE enqueued_at = 0 AND created_at < ? ORDER BY created_at LIMIT ?`,
		cutoff.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*poll.Vote
	for rows.Next() {
		v, err := scanVote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
