package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"livepoll/internal/poll"
	logx "livepoll/pkg/logx"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "livepoll.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func samplePoll(id, code string) *poll.Poll {
	return &poll.Poll{
		ID:       id,
		JoinCode: code,
		Title:    "Favourite colour",
		Status:   poll.StatusActive,
		Questions: []poll.Question{{
			ID:   "q1",
			Text: "Pick one",
			Type: poll.SingleChoice,
			Options: []poll.Option{
				{ID: "red", Text: "Red"},
				{ID: "blue", Text: "Blue"},
			},
		}},
		Settings:  poll.Settings{ShowResultsLive: true},
		CreatedAt: time.Unix(1_700_000_000, 0),
	}
}

func TestPollRoundTrip(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := st.CreatePoll(ctx, samplePoll("p1", "ABC123")); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := st.CreatePoll(ctx, samplePoll("p2", "ABC123")); !errors.Is(err, poll.ErrJoinCodeTaken) {
				t.Fatalf("duplicate code err=%v", err)
			}

			p, err := st.GetPollByJoinCode(ctx, "abc123")
			if err != nil {
				t.Fatalf("by code: %v", err)
			}
			if p.ID != "p1" || len(p.Questions) != 1 || len(p.Questions[0].Options) != 2 || !p.Settings.ShowResultsLive {
				t.Fatalf("unexpected poll: %+v", p)
			}
			if _, err := st.GetPoll(ctx, "missing"); !errors.Is(err, poll.ErrNotFound) {
				t.Fatalf("missing err=%v", err)
			}
			all, err := st.ListPolls(ctx)
			if err != nil || len(all) != 1 {
				t.Fatalf("list: %v %d", err, len(all))
			}
		})
	}
}

func TestCommitAggregateVersioning(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := st.CreatePoll(ctx, samplePoll("p1", "ABC123")); err != nil {
				t.Fatal(err)
			}
			p, _ := st.GetPoll(ctx, "p1")
			next := p.Clone()
			next.Apply([]poll.Answer{{QuestionID: "q1", SelectedOptions: []string{"red"}}})

			got, err := st.CommitAggregate(ctx, AggregateUpdate{
				PollID: "p1", VoteID: "v1", ExpectedVersion: p.Version,
				Questions: next.Questions, TotalVotes: next.TotalVotes,
			})
			if err != nil {
				t.Fatalf("commit: %v", err)
			}
			if got.Version != p.Version+1 || got.TotalVotes != 1 || got.Questions[0].Options[0].VoteCount != 1 {
				t.Fatalf("unexpected aggregate: %+v", got)
			}

			// Same vote again.
			_, err = st.CommitAggregate(ctx, AggregateUpdate{
				PollID: "p1", VoteID: "v1", ExpectedVersion: got.Version,
				Questions: next.Questions, TotalVotes: 2,
			})
			if !errors.Is(err, ErrAlreadyApplied) {
				t.Fatalf("replay err=%v", err)
			}

			// Stale version must not touch the ledger.
			_, err = st.CommitAggregate(ctx, AggregateUpdate{
				PollID: "p1", VoteID: "v2", ExpectedVersion: p.Version,
				Questions: next.Questions, TotalVotes: 2,
			})
			if !errors.Is(err, ErrVersionConflict) {
				t.Fatalf("stale err=%v", err)
			}
			if ok, _ := st.IsApplied(ctx, "p1", "v2"); ok {
				t.Fatalf("v2 must not be in the ledger after a conflict")
			}
			if ok, _ := st.IsApplied(ctx, "p1", "v1"); !ok {
				t.Fatalf("v1 must be in the ledger")
			}

			_, err = st.CommitAggregate(ctx, AggregateUpdate{PollID: "gone", VoteID: "v3"})
			if !errors.Is(err, poll.ErrPollNotFound) {
				t.Fatalf("missing poll err=%v", err)
			}
		})
	}
}

func TestSetStatus(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			draft := samplePoll("p1", "ABC123")
			draft.Status = poll.StatusDraft
			if err := st.CreatePoll(ctx, draft); err != nil {
				t.Fatal(err)
			}
			p, _ := st.GetPoll(ctx, "p1")
			p.Status = poll.StatusActive
			p.StartedAt = time.Unix(1_700_000_100, 0)
			got, err := st.SetStatus(ctx, p)
			if err != nil {
				t.Fatalf("set status: %v", err)
			}
			if got.Status != poll.StatusActive || got.Version != p.Version+1 || !got.StartedAt.Equal(p.StartedAt) {
				t.Fatalf("unexpected: %+v", got)
			}
			if _, err := st.SetStatus(ctx, p); !errors.Is(err, ErrVersionConflict) {
				t.Fatalf("stale status err=%v", err)
			}
		})
	}
}

func TestCreateVoteUnique(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Unix(1_700_000_000, 0)
			mk := func(id, session string) *poll.Vote {
				return &poll.Vote{
					ID: id, PollID: "p1", SessionID: session, CreatedAt: now,
					Answers: []poll.Answer{{QuestionID: "q1", SelectedOptions: []string{"red"}}},
				}
			}

			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				oks  int
				dups int
			)
			for i, id := range []string{"v1", "v2", "v3", "v4"} {
				wg.Add(1)
				go func(i int, id string) {
					defer wg.Done()
					err := st.CreateVote(ctx, mk(id, "s1"), true)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						oks++
					case errors.Is(err, poll.ErrDuplicateVote):
						dups++
					default:
						t.Errorf("vote %d: %v", i, err)
					}
				}(i, id)
			}
			wg.Wait()
			if oks != 1 || dups != 3 {
				t.Fatalf("oks=%d dups=%d", oks, dups)
			}

			// Multiple responses allowed.
			if err := st.CreateVote(ctx, mk("v5", "s2"), false); err != nil {
				t.Fatal(err)
			}
			if err := st.CreateVote(ctx, mk("v6", "s2"), false); err != nil {
				t.Fatal(err)
			}
			if ok, _ := st.HasVoted(ctx, "p1", "s2"); !ok {
				t.Fatalf("s2 should have voted")
			}
			if ok, _ := st.HasVoted(ctx, "p1", "nobody"); ok {
				t.Fatalf("unknown session reported as voted")
			}
			v, err := st.GetVote(ctx, "v5")
			if err != nil || v.SessionID != "s2" || len(v.Answers) != 1 || v.Answers[0].SelectedOptions[0] != "red" {
				t.Fatalf("get vote: %v %+v", err, v)
			}
		})
	}
}

func TestOutboxListing(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Unix(1_700_000_000, 0)
			for i, id := range []string{"old", "mid", "new"} {
				v := &poll.Vote{ID: id, PollID: "p1", SessionID: id, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
				if err := st.CreateVote(ctx, v, false); err != nil {
					t.Fatal(err)
				}
			}
			if err := st.MarkEnqueued(ctx, "mid", base.Add(time.Hour)); err != nil {
				t.Fatal(err)
			}
			// Second stamp is a no-op.
			if err := st.MarkEnqueued(ctx, "mid", base.Add(2*time.Hour)); err != nil {
				t.Fatal(err)
			}
			if err := st.MarkEnqueued(ctx, "ghost", base); !errors.Is(err, poll.ErrVoteNotFound) {
				t.Fatalf("ghost err=%v", err)
			}

			pending, err := st.ListUnenqueued(ctx, base.Add(90*time.Second), 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(pending) != 1 || pending[0].ID != "old" {
				t.Fatalf("pending before cutoff: %+v", pending)
			}
			pending, _ = st.ListUnenqueued(ctx, base.Add(time.Hour), 10)
			if len(pending) != 2 || pending[0].ID != "old" || pending[1].ID != "new" {
				t.Fatalf("pending: %+v", pending)
			}
			v, _ := st.GetVote(ctx, "mid")
			if !v.EnqueuedAt.Equal(base.Add(time.Hour)) {
				t.Fatalf("enqueued at %v", v.EnqueuedAt)
			}
		})
	}
}

func TestListVotesByPoll(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Unix(1_700_000_000, 0)
			// Inserted newest first; the listing comes back oldest first.
			for i, id := range []string{"c", "b", "a"} {
				v := &poll.Vote{
					ID: id, PollID: "p1", SessionID: id, CreatedAt: base.Add(time.Duration(2-i) * time.Minute),
					Answers: []poll.Answer{{QuestionID: "q1", SelectedOptions: []string{"red"}}},
				}
				if err := st.CreateVote(ctx, v, false); err != nil {
					t.Fatal(err)
				}
			}
			if err := st.CreateVote(ctx, &poll.Vote{ID: "other", PollID: "p2", SessionID: "x", CreatedAt: base}, false); err != nil {
				t.Fatal(err)
			}

			votes, err := st.ListVotes(ctx, "p1")
			if err != nil {
				t.Fatal(err)
			}
			if len(votes) != 3 || votes[0].ID != "a" || votes[2].ID != "c" {
				t.Fatalf("votes = %+v", votes)
			}
			if len(votes[0].Answers) != 1 || votes[0].Answers[0].SelectedOptions[0] != "red" {
				t.Fatalf("answers = %+v", votes[0].Answers)
			}
			if none, err := st.ListVotes(ctx, "empty"); err != nil || len(none) != 0 {
				t.Fatalf("empty poll: %v %v", none, err)
			}
		})
	}
}

func TestDeletePollClearsLedger(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = st.CreatePoll(ctx, samplePoll("p1", "ABC123"))
			p, _ := st.GetPoll(ctx, "p1")
			if _, err := st.CommitAggregate(ctx, AggregateUpdate{PollID: "p1", VoteID: "v1", ExpectedVersion: p.Version, Questions: p.Questions, TotalVotes: 1}); err != nil {
				t.Fatal(err)
			}
			if err := st.DeletePoll(ctx, "p1"); err != nil {
				t.Fatal(err)
			}
			if ok, _ := st.IsApplied(ctx, "p1", "v1"); ok {
				t.Fatalf("ledger survived delete")
			}
			if err := st.DeletePoll(ctx, "p1"); !errors.Is(err, poll.ErrPollNotFound) {
				t.Fatalf("second delete err=%v", err)
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
