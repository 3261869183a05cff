package poll

import "strings"

// ValidateAnswers checks a ballot against the poll definition.
// All problems are collected before returning.
func ValidateAnswers(p *Poll, answers []Answer) error {
	ve := &ValidationError{}
	if len(answers) == 0 {
		ve.add("no answers provided")
		return ve
	}

	seen := make(map[string]struct{}, len(answers))
	for i, a := range answers {
		q, ok := p.Question(a.QuestionID)
		if !ok {
			ve.add("answer %d: unknown question %q", i+1, a.QuestionID)
			continue
		}
		if _, dup := seen[q.ID]; dup {
			ve.add("question %q answered more than once", q.Text)
			continue
		}
		seen[q.ID] = struct{}{}

		switch q.Type {
		case TextQuestion:
			if len(a.SelectedOptions) > 0 {
				ve.add("question %q takes a text answer, not options", q.Text)
			}
		case SingleChoice:
			if len(a.SelectedOptions) > 1 {
				ve.add("question %q allows a single option", q.Text)
			}
		}

		picked := make(map[string]struct{}, len(a.SelectedOptions))
		for _, id := range a.SelectedOptions {
			if _, ok := q.Option(id); !ok {
				ve.add("question %q has no option %q", q.Text, id)
				continue
			}
			if _, dup := picked[id]; dup {
				ve.add("question %q: option %q selected twice", q.Text, id)
			}
			picked[id] = struct{}{}
		}
	}

	for _, q := range p.Questions {
		if !q.Required {
			continue
		}
		a, ok := findAnswer(answers, q.ID)
		if !ok || !answered(q, a) {
			ve.add("question %q is required", q.Text)
		}
	}
	return ve.errOrNil()
}

func findAnswer(answers []Answer, questionID string) (Answer, bool) {
	for _, a := range answers {
		if a.QuestionID == questionID {
			return a, true
		}
	}
	return Answer{}, false
}

func answered(q Question, a Answer) bool {
	if q.Type == TextQuestion {
		return strings.TrimSpace(a.TextAnswer) != ""
	}
	return len(a.SelectedOptions) > 0
}

// ValidateDefinition checks a poll as loaded from fixtures.
func ValidateDefinition(p *Poll) error {
	ve := &ValidationError{}
	if strings.TrimSpace(p.Title) == "" {
		ve.add("poll title is required")
	}
	if len(p.Questions) == 0 {
		ve.add("at least one question is required")
	}
	if p.Status != "" && !p.Status.Valid() {
		ve.add("unknown status %q", p.Status)
	}
	if p.JoinCode != "" && !ValidJoinCode(p.JoinCode) {
		ve.add("join code %q must be %d characters from A-Z0-9", p.JoinCode, JoinCodeLength)
	}
	qids := map[string]struct{}{}
	for i, q := range p.Questions {
		n := i + 1
		if strings.TrimSpace(q.ID) == "" {
			ve.add("question %d: id is required", n)
		} else if _, dup := qids[q.ID]; dup {
			ve.add("question %d: duplicate id %q", n, q.ID)
		}
		qids[q.ID] = struct{}{}
		if strings.TrimSpace(q.Text) == "" {
			ve.add("question %d: question text is required", n)
		}
		switch q.Type {
		case SingleChoice, MultipleChoice:
			if len(q.Options) < 2 {
				ve.add("question %d: at least 2 options are required", n)
			}
		case TextQuestion:
		default:
			ve.add("question %d: unknown type %q", n, q.Type)
		}
		oids := map[string]struct{}{}
		for _, o := range q.Options {
			if _, dup := oids[o.ID]; dup || strings.TrimSpace(o.ID) == "" {
				ve.add("question %d: option ids must be unique and non-empty", n)
				break
			}
			oids[o.ID] = struct{}{}
		}
	}
	return ve.errOrNil()
}
