// Package seed loads poll fixtures into a store. It stands in for the
// organizer-facing CRUD surface, which lives outside this service.
package seed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	yaml "go.yaml.in/yaml/v3"

	"livepoll/internal/poll"
	"livepoll/internal/store"
	logx "livepoll/pkg/logx"
)

type File struct {
	Polls []Poll `yaml:"polls"`
}

type Poll struct {
	ID          string          `yaml:"id"`
	JoinCode    string          `yaml:"join_code"`
	Title       string          `yaml:"title"`
	Description string          `yaml:"description"`
	Status      poll.Status     `yaml:"status"`
	Settings    poll.Settings   `yaml:"settings"`
	Questions   []poll.Question `yaml:"questions"`
}

// Load reads and strictly decodes a fixture file.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(b)
}

func Decode(b []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &File{}, nil
		}
		return nil, fmt.Errorf("decode fixtures: %w", err)
	}
	return &f, nil
}

type Options struct {
	// Replace deletes a poll with the same id before creating it.
	Replace bool
}

type Result struct {
	Created []*poll.Poll
	Skipped []string
}

// Apply creates every fixture poll. Missing ids get a uuid, missing join
// codes are generated, missing status means draft. A poll whose id already
// exists is skipped unless opt.Replace is set.
func Apply(ctx context.Context, polls store.Polls, f *File, opt Options, log logx.Logger) (Result, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "seed"))

	var res Result
	for i, fp := range f.Polls {
		p := &poll.Poll{
			ID:          strings.TrimSpace(fp.ID),
			JoinCode:    poll.NormalizeJoinCode(fp.JoinCode),
			Title:       strings.TrimSpace(fp.Title),
			Description: fp.Description,
			Status:      fp.Status,
			Settings:    fp.Settings,
			Questions:   fp.Questions,
			CreatedAt:   time.Now(),
		}
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if p.Status == "" {
			p.Status = poll.StatusDraft
		}
		if err := poll.ValidateDefinition(p); err != nil {
			return res, fmt.Errorf("poll %d (%s): %w", i+1, p.Title, err)
		}
		for qi := range p.Questions {
			for oi := range p.Questions[qi].Options {
				p.Questions[qi].Options[oi].VoteCount = 0
			}
		}

		if _, err := polls.GetPoll(ctx, p.ID); err == nil {
			if !opt.Replace {
				log.Info("poll exists, skipped", logx.String("poll", p.ID))
				res.Skipped = append(res.Skipped, p.ID)
				continue
			}
			if err := polls.DeletePoll(ctx, p.ID); err != nil {
				return res, fmt.Errorf("replace poll %s: %w", p.ID, err)
			}
		} else if poll.KindOf(err) != poll.KindNotFound {
			return res, err
		}

		if p.JoinCode == "" {
			code, err := poll.GenerateJoinCode(ctx, func(ctx context.Context, code string) (bool, error) {
				_, err := polls.GetPollByJoinCode(ctx, code)
				if err == nil {
					return true, nil
				}
				if poll.KindOf(err) == poll.KindNotFound {
					return false, nil
				}
				return false, err
			})
			if err != nil {
				return res, err
			}
			p.JoinCode = code
		}

		if err := polls.CreatePoll(ctx, p); err != nil {
			return res, fmt.Errorf("create poll %s: %w", p.ID, err)
		}
		log.Info("poll created", logx.String("poll", p.ID), logx.String("join_code", p.JoinCode), logx.String("status", string(p.Status)))
		res.Created = append(res.Created, p)
	}
	return res, nil
}
