package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"livepoll/internal/poll"
)

// Memory keeps everything in maps guarded by one mutex. Values are cloned on
// the way in and out so callers never share state with the store.
type Memory struct {
	mu       sync.RWMutex
	polls    map[string]*poll.Poll
	byCode   map[string]string
	votes    map[string]*poll.Vote
	sessions map[string]int // pollID|sessionID -> vote count
	applied  map[string]map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		polls:    map[string]*poll.Poll{},
		byCode:   map[string]string{},
		votes:    map[string]*poll.Vote{},
		sessions: map[string]int{},
		applied:  map[string]map[string]struct{}{},
	}
}

func sessionKey(pollID, sessionID string) string { return pollID + "|" + sessionID }

func cloneVote(v *poll.Vote) *poll.Vote {
	cp := *v
	cp.Answers = make([]poll.Answer, len(v.Answers))
	for i, a := range v.Answers {
		a.SelectedOptions = append([]string(nil), a.SelectedOptions...)
		cp.Answers[i] = a
	}
	return &cp
}

func (m *Memory) GetPoll(_ context.Context, id string) (*poll.Poll, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.polls[id]
	if !ok {
		return nil, poll.ErrPollNotFound
	}
	return p.Clone(), nil
}

func (m *Memory) GetPollByJoinCode(ctx context.Context, code string) (*poll.Poll, error) {
	m.mu.RLock()
	id, ok := m.byCode[poll.NormalizeJoinCode(code)]
	m.mu.RUnlock()
	if !ok {
		return nil, poll.ErrPollNotFound
	}
	return m.GetPoll(ctx, id)
}

func (m *Memory) ListPolls(_ context.Context) ([]*poll.Poll, error) {
	m.mu.RLock()
	out := make([]*poll.Poll, 0, len(m.polls))
	for _, p := range m.polls {
		out = append(out, p.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreatePoll(_ context.Context, p *poll.Poll) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.polls[p.ID]; ok {
		return poll.ErrConflict
	}
	if _, ok := m.byCode[p.JoinCode]; ok {
		return poll.ErrJoinCodeTaken
	}
	m.polls[p.ID] = p.Clone()
	m.byCode[p.JoinCode] = p.ID
	return nil
}

func (m *Memory) SetStatus(_ context.Context, p *poll.Poll) (*poll.Poll, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.polls[p.ID]
	if !ok {
		return nil, poll.ErrPollNotFound
	}
	if cur.Version != p.Version {
		return nil, ErrVersionConflict
	}
	cur.Status = p.Status
	cur.StartedAt = p.StartedAt
	cur.EndedAt = p.EndedAt
	cur.Version++
	return cur.Clone(), nil
}

func (m *Memory) DeletePoll(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.polls[id]
	if !ok {
		return poll.ErrPollNotFound
	}
	delete(m.byCode, p.JoinCode)
	delete(m.polls, id)
	delete(m.applied, id)
	return nil
}

func (m *Memory) CommitAggregate(_ context.Context, u AggregateUpdate) (*poll.Poll, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.polls[u.PollID]
	if !ok {
		return nil, poll.ErrPollNotFound
	}
	if _, dup := m.applied[u.PollID][u.VoteID]; dup {
		return nil, ErrAlreadyApplied
	}
	if cur.Version != u.ExpectedVersion {
		return nil, ErrVersionConflict
	}
	next := cur.Clone()
	next.Questions = (&poll.Poll{Questions: u.Questions}).Clone().Questions
	next.TotalVotes = u.TotalVotes
	next.Version++
	m.polls[u.PollID] = next
	if m.applied[u.PollID] == nil {
		m.applied[u.PollID] = map[string]struct{}{}
	}
	m.applied[u.PollID][u.VoteID] = struct{}{}
	return next.Clone(), nil
}

func (m *Memory) IsApplied(_ context.Context, pollID, voteID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.applied[pollID][voteID]
	return ok, nil
}

func (m *Memory) CreateVote(_ context.Context, v *poll.Vote, unique bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.votes[v.ID]; ok {
		return poll.ErrConflict
	}
	k := sessionKey(v.PollID, v.SessionID)
	if unique && m.sessions[k] > 0 {
		return poll.ErrDuplicateVote
	}
	m.votes[v.ID] = cloneVote(v)
	m.sessions[k]++
	return nil
}

func (m *Memory) GetVote(_ context.Context, id string) (*poll.Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.votes[id]
	if !ok {
		return nil, poll.ErrVoteNotFound
	}
	return cloneVote(v), nil
}

func (m *Memory) HasVoted(_ context.Context, pollID, sessionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionKey(pollID, sessionID)] > 0, nil
}

func (m *Memory) MarkEnqueued(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.votes[id]
	if !ok {
		return poll.ErrVoteNotFound
	}
	if v.EnqueuedAt.IsZero() {
		v.EnqueuedAt = at
	}
	return nil
}

func (m *Memory) ListVotes(_ context.Context, pollID string) ([]*poll.Vote, error) {
	m.mu.RLock()
	var out []*poll.Vote
	for _, v := range m.votes {
		if v.PollID == pollID {
			out = append(out, cloneVote(v))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListUnenqueued(_ context.Context, cutoff time.Time, limit int) ([]*poll.Vote, error) {
	m.mu.RLock()
	var out []*poll.Vote
	for _, v := range m.votes {
		if v.EnqueuedAt.IsZero() && v.CreatedAt.Before(cutoff) {
			out = append(out, cloneVote(v))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
