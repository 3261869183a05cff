package realtime

import (
	"encoding/json"

	"livepoll/internal/poll"
)

// Client -> server events.
const (
	EventJoinPoll  = "join-poll"
	EventLeavePoll = "leave-poll"
)

// Server -> client events.
const (
	EventVoteUpdate = "vote-update"
	EventPollStatus = "poll-status"
	EventError      = "error"
)

// Frame is one websocket text message in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// VoteUpdate carries the full aggregate; clients replace, never add.
// A connection never receives a Version lower than one it already got for
// the same room.
type VoteUpdate struct {
	TotalVotes int64                `json:"totalVotes"`
	Questions  []poll.QuestionCount `json:"questions"`
	Version    int64                `json:"version,omitempty"`
}

type PollStatus struct {
	Type   string `json:"type"`
	PollID string `json:"pollId"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}
