package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"livepoll/internal/eventbus"
	"livepoll/internal/poll"
	"livepoll/internal/store"
	logx "livepoll/pkg/logx"
)

const maxConflictRetries = 5

// Service moves polls through draft -> active <-> paused -> ended and
// announces each change on poll-updates.
type Service struct {
	polls store.Polls
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

func New(polls store.Polls, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{polls: polls, bus: bus, log: log.With(logx.String("comp", "lifecycle")), now: time.Now}
}

func (s *Service) Start(ctx context.Context, pollID string) (*poll.Poll, error) {
	return s.transition(ctx, pollID, poll.StatusActive)
}

func (s *Service) Pause(ctx context.Context, pollID string) (*poll.Poll, error) {
	return s.transition(ctx, pollID, poll.StatusPaused)
}

func (s *Service) End(ctx context.Context, pollID string) (*poll.Poll, error) {
	return s.transition(ctx, pollID, poll.StatusEnded)
}

// transition retries on version conflicts: aggregation writes bump the
// version too, so a busy poll races with its own vote counting.
func (s *Service) transition(ctx context.Context, pollID string, to poll.Status) (*poll.Poll, error) {
	for attempt := 0; ; attempt++ {
		cur, err := s.polls.GetPoll(ctx, pollID)
		if err != nil {
			return nil, err
		}
		if !poll.CanTransition(cur.Status, to) {
			return nil, fmt.Errorf("%w: %s -> %s", poll.ErrInvalidTransition, cur.Status, to)
		}

		next := cur.Clone()
		next.Status = to
		now := s.now()
		switch to {
		case poll.StatusActive:
			if next.StartedAt.IsZero() {
				next.StartedAt = now
			}
		case poll.StatusEnded:
			next.EndedAt = now
		}

		out, err := s.polls.SetStatus(ctx, next)
		if errors.Is(err, store.ErrVersionConflict) && attempt < maxConflictRetries {
			continue
		}
		if err != nil {
			return nil, err
		}

		s.log.Info("poll status changed", logx.String("poll", out.ID), logx.String("from", string(cur.Status)), logx.String("to", string(to)))
		s.announce(ctx, out)
		return out, nil
	}
}

func (s *Service) announce(ctx context.Context, p *poll.Poll) {
	if s.bus == nil {
		return
	}
	m, ok := eventbus.StatusMessage(p)
	if !ok {
		return
	}
	m.Time = s.now()
	if err := s.bus.Publish(ctx, eventbus.ChannelPollUpdates, m); err != nil {
		s.log.Warn("publish poll update failed", logx.String("poll", p.ID), logx.Err(err))
	}
}
