package poll

import (
	"math"
	"time"
)

// Percent is n as a share of total, rounded to two decimals. Zero when
// nothing was counted yet.
func Percent(n, total int64) float64 {
	if total <= 0 || n <= 0 {
		return 0
	}
	return math.Round(float64(n)*10000/float64(total)) / 100
}

// Report is the organizer's view of a poll, rebuilt from the raw vote
// records rather than the aggregate counters.
//
// TotalVotes is the aggregate counter; RecordedVotes counts the stored votes.
// The two differ while jobs are still queued.
type Report struct {
	PollID        string           `json:"pollId"`
	Title         string           `json:"title"`
	Status        Status           `json:"status"`
	TotalVotes    int64            `json:"totalVotes"`
	RecordedVotes int64            `json:"recordedVotes"`
	Questions     []QuestionReport `json:"questions"`
	StartedAt     *time.Time       `json:"startedAt"`
	EndedAt       *time.Time       `json:"endedAt"`
}

type QuestionReport struct {
	QuestionID     string        `json:"questionId"`
	Text           string        `json:"text"`
	Type           QuestionType  `json:"type"`
	TotalResponses int64         `json:"totalResponses"`
	Options        []OptionCount `json:"options"`
	TextAnswers    []string      `json:"textAnswers,omitempty"`
}

// BuildReport tallies votes against p's questions. Answers to unknown
// questions or options are ignored, matching Apply.
func BuildReport(p *Poll, votes []*Vote) Report {
	r := Report{
		PollID:        p.ID,
		Title:         p.Title,
		Status:        p.Status,
		TotalVotes:    p.TotalVotes,
		RecordedVotes: int64(len(votes)),
		Questions:     make([]QuestionReport, 0, len(p.Questions)),
		StartedAt:     timePtr(p.StartedAt),
		EndedAt:       timePtr(p.EndedAt),
	}

	for _, q := range p.Questions {
		qr := QuestionReport{QuestionID: q.ID, Text: q.Text, Type: q.Type, Options: []OptionCount{}}
		counts := make(map[string]int64, len(q.Options))
		for _, v := range votes {
			a, ok := answerFor(v, q.ID)
			if !ok {
				continue
			}
			if q.Type == TextQuestion {
				if a.TextAnswer != "" {
					qr.TextAnswers = append(qr.TextAnswers, a.TextAnswer)
					qr.TotalResponses++
				}
				continue
			}
			qr.TotalResponses++
			for _, id := range a.SelectedOptions {
				counts[id]++
			}
		}
		if q.Type != TextQuestion {
			for _, o := range q.Options {
				n := counts[o.ID]
				qr.Options = append(qr.Options, OptionCount{
					OptionID:   o.ID,
					Text:       o.Text,
					VoteCount:  n,
					Percentage: Percent(n, r.RecordedVotes),
				})
			}
		}
		r.Questions = append(r.Questions, qr)
	}
	return r
}

func answerFor(v *Vote, questionID string) (Answer, bool) {
	for _, a := range v.Answers {
		if a.QuestionID == questionID {
			return a, true
		}
	}
	return Answer{}, false
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
