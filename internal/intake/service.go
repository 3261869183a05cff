package intake

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"livepoll/internal/aggregator"
	"livepoll/internal/poll"
	"livepoll/internal/queue"
	"livepoll/internal/store"
	logx "livepoll/pkg/logx"
)

// SubmitRequest is one participant's submission.
type SubmitRequest struct {
	PollID    string
	SessionID string
	Answers   []poll.Answer
	IPAddress string
	UserAgent string
}

// Service accepts votes on the request path: validate, persist, enqueue.
// Aggregation happens later on the worker pool.
type Service struct {
	polls store.Polls
	votes store.Votes
	q     queue.Queue
	log   logx.Logger

	now   func() time.Time
	newID func() string
}

func New(polls store.Polls, votes store.Votes, q queue.Queue, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		polls: polls,
		votes: votes,
		q:     q,
		log:   log.With(logx.String("comp", "intake")),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Submit validates and stores a vote and admits its aggregation job.
//
// Errors: poll.ErrPollNotFound, poll.ErrPollNotActive, poll.ErrDuplicateVote,
// *poll.ValidationError, or a wrapped store error. On any of them nothing is
// persisted. If only the enqueue fails the vote id is still returned; the
// outbox relay admits the job later.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	req.PollID = strings.TrimSpace(req.PollID)
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.PollID == "" || req.SessionID == "" {
		ve := &poll.ValidationError{}
		if req.PollID == "" {
			ve.Problems = append(ve.Problems, "pollId is required")
		}
		if req.SessionID == "" {
			ve.Problems = append(ve.Problems, "sessionId is required")
		}
		return "", ve
	}

	p, err := s.polls.GetPoll(ctx, req.PollID)
	if err != nil {
		return "", err
	}
	if p.Status != poll.StatusActive {
		return "", poll.ErrPollNotActive
	}
	if err := poll.ValidateAnswers(p, req.Answers); err != nil {
		return "", err
	}

	v := &poll.Vote{
		ID:        s.newID(),
		PollID:    p.ID,
		SessionID: req.SessionID,
		Answers:   req.Answers,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		CreatedAt: s.now(),
	}
	if err := s.votes.CreateVote(ctx, v, !p.Settings.AllowMultipleResponses); err != nil {
		if poll.KindOf(err) == poll.KindInternal {
			return "", fmt.Errorf("store vote: %w", err)
		}
		return "", err
	}

	if err := enqueue(ctx, s.q, s.votes, v, s.now()); err != nil {
		s.log.Warn("enqueue failed, left for outbox relay", logx.String("vote", v.ID), logx.String("poll", v.PollID), logx.Err(err))
	}
	s.log.Debug("vote accepted", logx.String("vote", v.ID), logx.String("poll", v.PollID))
	return v.ID, nil
}

// HasVoted reports whether the session already submitted a vote for the poll.
func (s *Service) HasVoted(ctx context.Context, pollID, sessionID string) (bool, error) {
	return s.votes.HasVoted(ctx, strings.TrimSpace(pollID), strings.TrimSpace(sessionID))
}

// enqueue admits v's job and stamps it. Adding an id the queue already
// tracks is a no-op, so a retry after a lost stamp is harmless.
func enqueue(ctx context.Context, q queue.Queue, votes store.Votes, v *poll.Vote, at time.Time) error {
	job, err := aggregator.NewJob(v)
	if err != nil {
		return err
	}
	if err := q.Add(ctx, job); err != nil {
		return fmt.Errorf("add job: %w", err)
	}
	if err := votes.MarkEnqueued(ctx, v.ID, at); err != nil {
		return fmt.Errorf("mark enqueued: %w", err)
	}
	return nil
}
