package aggregator

import (
	"encoding/json"
	"fmt"
	"strings"

	"livepoll/internal/poll"
	"livepoll/internal/queue"
)

// Payload is the aggregation job body. The job id is the vote id.
type Payload struct {
	VoteID  string        `json:"voteId"`
	PollID  string        `json:"pollId"`
	Answers []poll.Answer `json:"answers"`
}

// NewJob builds the queue job for a stored vote.
func NewJob(v *poll.Vote) (queue.Job, error) {
	b, err := json.Marshal(Payload{VoteID: v.ID, PollID: v.PollID, Answers: v.Answers})
	if err != nil {
		return queue.Job{}, fmt.Errorf("encode aggregation payload: %w", err)
	}
	return queue.Job{ID: v.ID, Payload: b}, nil
}

// DecodePayload fails permanently: a body that does not parse now never will.
func DecodePayload(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return p, queue.Permanent(fmt.Errorf("decode aggregation payload: %w", err))
	}
	if strings.TrimSpace(p.VoteID) == "" || strings.TrimSpace(p.PollID) == "" {
		return p, queue.Permanent(fmt.Errorf("aggregation payload missing voteId or pollId"))
	}
	return p, nil
}
