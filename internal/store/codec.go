package store

import (
	"encoding/json"
	"fmt"
	"time"

	"livepoll/internal/poll"
)

// Questions (with counters), settings and answers are stored as JSON documents.
// Both SQL drivers share these helpers.

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("store: encode: %w", err)
	}
	return string(b), nil
}

func decodeQuestions(s string) ([]poll.Question, error) {
	var qs []poll.Question
	if s == "" {
		return qs, nil
	}
	if err := json.Unmarshal([]byte(s), &qs); err != nil {
		return nil, fmt.Errorf("store: decode questions: %w", err)
	}
	return qs, nil
}

func decodeSettings(s string) (poll.Settings, error) {
	var st poll.Settings
	if s == "" {
		return st, nil
	}
	if err := json.Unmarshal([]byte(s), &st); err != nil {
		return st, fmt.Errorf("store: decode settings: %w", err)
	}
	return st, nil
}

func decodeAnswers(s string) ([]poll.Answer, error) {
	var as []poll.Answer
	if s == "" {
		return as, nil
	}
	if err := json.Unmarshal([]byte(s), &as); err != nil {
		return nil, fmt.Errorf("store: decode answers: %w", err)
	}
	return as, nil
}

// toMillis maps the zero time to 0 so "unset" survives a round trip.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
