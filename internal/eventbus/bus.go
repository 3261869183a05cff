package eventbus

import (
	"context"
	"errors"
	"time"

	"livepoll/internal/poll"
)

const (
	ChannelVoteUpdates = "vote-updates"
	ChannelPollUpdates = "poll-updates"
)

const (
	TypeNewVote     = "NEW_VOTE"
	TypePollStarted = "POLL_STARTED"
	TypePollPaused  = "POLL_PAUSED"
	TypePollEnded   = "POLL_ENDED"
)

var ErrClosed = errors.New("eventbus: closed")

// Message is the wire form of every bus event. Vote updates carry the full
// aggregate snapshot so late or reordered deliveries are self-correcting.
type Message struct {
	Channel    string               `json:"-"`
	Type       string               `json:"type"`
	PollID     string               `json:"pollId"`
	JoinCode   string               `json:"joinCode,omitempty"`
	TotalVotes int64                `json:"totalVotes,omitempty"`
	Questions  []poll.QuestionCount `json:"questions,omitempty"`
	// Version is the aggregate version the snapshot was read at. Zero when
	// the producer does not know it.
	Version int64     `json:"version,omitempty"`
	Time    time.Time `json:"time"`
}

// NewVoteMessage builds the vote-updates payload from a committed aggregate.
func NewVoteMessage(p *poll.Poll) Message {
	r := p.Results()
	return Message{
		Type:       TypeNewVote,
		PollID:     r.PollID,
		JoinCode:   r.JoinCode,
		TotalVotes: r.TotalVotes,
		Questions:  r.Questions,
		Version:    p.Version,
	}
}

// StatusMessage maps a lifecycle status to its poll-updates event.
func StatusMessage(p *poll.Poll) (Message, bool) {
	var typ string
	switch p.Status {
	case poll.StatusActive:
		typ = TypePollStarted
	case poll.StatusPaused:
		typ = TypePollPaused
	case poll.StatusEnded:
		typ = TypePollEnded
	default:
		return Message{}, false
	}
	return Message{Type: typ, PollID: p.ID, JoinCode: p.JoinCode}, true
}

type Handler func(ctx context.Context, m Message)

// Bus is a best-effort publish/subscribe channel between processes.
//
// Contract:
//   - Publish is fire-and-forget; a nil error does not mean anyone received it.
//   - Handlers run on a goroutine owned by the subscription, one message at a time.
//   - Nothing is persisted; subscribers only see messages published after Subscribe returns.
type Bus interface {
	Publish(ctx context.Context, channel string, m Message) error
	Subscribe(ctx context.Context, h Handler, channels ...string) (unsubscribe func(), err error)
	Close() error
}
