package poll

import "time"

type Status string

const (
	StatusDraft  Status = "draft"
	StatusActive Status = "active"
	StatusPaused Status = "paused"
	StatusEnded  Status = "ended"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusPaused, StatusEnded:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle allows from -> to.
//
//	draft -> active <-> paused -> ended
//	active -> ended
func CanTransition(from, to Status) bool {
	switch from {
	case StatusDraft:
		return to == StatusActive
	case StatusActive:
		return to == StatusPaused || to == StatusEnded
	case StatusPaused:
		return to == StatusActive || to == StatusEnded
	}
	return false
}

type QuestionType string

const (
	SingleChoice   QuestionType = "single-choice"
	MultipleChoice QuestionType = "multiple-choice"
	TextQuestion   QuestionType = "text"
)

type Option struct {
	ID        string `json:"id" yaml:"id"`
	Text      string `json:"text" yaml:"text"`
	VoteCount int64  `json:"voteCount" yaml:"-"`
}

type Question struct {
	ID       string       `json:"id" yaml:"id"`
	Text     string       `json:"text" yaml:"text"`
	Type     QuestionType `json:"type" yaml:"type"`
	Required bool         `json:"required" yaml:"required"`
	Options  []Option     `json:"options,omitempty" yaml:"options"`
}

func (q *Question) Option(id string) (*Option, bool) {
	for i := range q.Options {
		if q.Options[i].ID == id {
			return &q.Options[i], true
		}
	}
	return nil, false
}

type Settings struct {
	AllowAnonymous         bool `json:"allowAnonymous" yaml:"allow_anonymous"`
	ShowResultsLive        bool `json:"showResultsLive" yaml:"show_results_live"`
	AllowMultipleResponses bool `json:"allowMultipleResponses" yaml:"allow_multiple_responses"`
}

// Poll is the aggregate workers mutate. Version increases by one on every
// committed aggregate or status write.
type Poll struct {
	ID          string     `json:"id"`
	JoinCode    string     `json:"joinCode"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	Questions   []Question `json:"questions"`
	TotalVotes  int64      `json:"totalVotes"`
	Settings    Settings   `json:"settings"`
	Version     int64      `json:"version"`
	StartedAt   time.Time  `json:"startedAt,omitempty"`
	EndedAt     time.Time  `json:"endedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

func (p *Poll) Question(id string) (*Question, bool) {
	for i := range p.Questions {
		if p.Questions[i].ID == id {
			return &p.Questions[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy so callers can mutate counters without touching shared state.
func (p *Poll) Clone() *Poll {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Questions = make([]Question, len(p.Questions))
	for i, q := range p.Questions {
		q.Options = append([]Option(nil), q.Options...)
		cp.Questions[i] = q
	}
	return &cp
}

// Apply folds one vote's answers into the counters. Text answers are not
// counted per option. Unknown question or option ids are ignored.
func (p *Poll) Apply(answers []Answer) {
	for _, a := range answers {
		q, ok := p.Question(a.QuestionID)
		if !ok || q.Type == TextQuestion {
			continue
		}
		for _, id := range a.SelectedOptions {
			if o, ok := q.Option(id); ok {
				o.VoteCount++
			}
		}
	}
	p.TotalVotes++
}

// Results is the full aggregate snapshot pushed to viewers.
type Results struct {
	PollID     string          `json:"pollId"`
	JoinCode   string          `json:"joinCode"`
	TotalVotes int64           `json:"totalVotes"`
	Questions  []QuestionCount `json:"questions"`
}

type QuestionCount struct {
	QuestionID string        `json:"questionId"`
	Text       string        `json:"text,omitempty"`
	Type       QuestionType  `json:"type,omitempty"`
	Options    []OptionCount `json:"options"`
}

type OptionCount struct {
	OptionID   string  `json:"optionId"`
	Text       string  `json:"text,omitempty"`
	VoteCount  int64   `json:"voteCount"`
	Percentage float64 `json:"percentage"`
}

func (p *Poll) Results() Results {
	r := Results{
		PollID:     p.ID,
		JoinCode:   p.JoinCode,
		TotalVotes: p.TotalVotes,
		Questions:  make([]QuestionCount, 0, len(p.Questions)),
	}
	for _, q := range p.Questions {
		qc := QuestionCount{
			QuestionID: q.ID,
			Text:       q.Text,
			Type:       q.Type,
			Options:    make([]OptionCount, 0, len(q.Options)),
		}
		for _, o := range q.Options {
			qc.Options = append(qc.Options, OptionCount{
				OptionID:   o.ID,
				Text:       o.Text,
				VoteCount:  o.VoteCount,
				Percentage: Percent(o.VoteCount, p.TotalVotes),
			})
		}
		r.Questions = append(r.Questions, qc)
	}
	return r
}

type Answer struct {
	QuestionID      string   `json:"questionId"`
	SelectedOptions []string `json:"selectedOptions,omitempty"`
	TextAnswer      string   `json:"textAnswer,omitempty"`
}

// Vote is immutable once stored, apart from the one-shot EnqueuedAt stamp.
// A zero EnqueuedAt means the aggregation job has not been admitted yet.
type Vote struct {
	ID         string    `json:"id"`
	PollID     string    `json:"pollId"`
	SessionID  string    `json:"sessionId"`
	Answers    []Answer  `json:"answers"`
	IPAddress  string    `json:"ipAddress,omitempty"`
	UserAgent  string    `json:"userAgent,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	EnqueuedAt time.Time `json:"enqueuedAt,omitempty"`
}
