package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"livepoll/internal/poll"
	logx "livepoll/pkg/logx"
)

func collect(t *testing.T, b Bus, channels ...string) (<-chan Message, func()) {
	t.Helper()
	out := make(chan Message, 16)
	unsub, err := b.Subscribe(context.Background(), func(ctx context.Context, m Message) { out <- m }, channels...)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	return out, unsub
}

func expect(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
	}
	return Message{}
}

func expectNone(t *testing.T, ch <-chan Message) {
	t.Helper()
	select {
	case m := <-ch:
		t.Fatalf("unexpected message %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func samplePoll() *poll.Poll {
	return &poll.Poll{
		ID: "p1", JoinCode: "ABC123", Status: poll.StatusActive, TotalVotes: 2,
		Questions: []poll.Question{{ID: "q1", Type: poll.SingleChoice, Options: []poll.Option{{ID: "red", VoteCount: 2}}}},
	}
}

func runBusContract(t *testing.T, b Bus) {
	votes, unsubVotes := collect(t, b, ChannelVoteUpdates)
	status, unsubStatus := collect(t, b, ChannelPollUpdates)
	defer unsubStatus()

	ctx := context.Background()
	if err := b.Publish(ctx, ChannelVoteUpdates, NewVoteMessage(samplePoll())); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	m := expect(t, votes)
	if m.Channel != ChannelVoteUpdates || m.Type != TypeNewVote || m.JoinCode != "ABC123" || m.TotalVotes != 2 {
		t.Fatalf("unexpected vote message %+v", m)
	}
	if len(m.Questions) != 1 || m.Questions[0].Options[0].VoteCount != 2 {
		t.Fatalf("snapshot lost: %+v", m.Questions)
	}
	expectNone(t, status)

	sm, ok := StatusMessage(&poll.Poll{ID: "p1", JoinCode: "ABC123", Status: poll.StatusPaused})
	if !ok {
		t.Fatalf("paused should map to a status message")
	}
	if err := b.Publish(ctx, ChannelPollUpdates, sm); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := expect(t, status); got.Type != TypePollPaused || got.PollID != "p1" {
		t.Fatalf("unexpected status message %+v", got)
	}

	unsubVotes()
	_ = b.Publish(ctx, ChannelVoteUpdates, NewVoteMessage(samplePoll()))
	expectNone(t, votes)
}

func TestMemoryBus(t *testing.T) {
	b := NewMemory(8)
	defer b.Close()
	runBusContract(t, b)
}

func TestMemoryBusDropsWhenSubscriberIsSlow(t *testing.T) {
	b := NewMemory(1)
	defer b.Close()
	block := make(chan struct{})
	unsub, err := b.Subscribe(context.Background(), func(ctx context.Context, m Message) { <-block }, ChannelVoteUpdates)
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()
	for i := 0; i < 10; i++ {
		if err := b.Publish(context.Background(), ChannelVoteUpdates, Message{Type: TypeNewVote}); err != nil {
			t.Fatalf("Publish must not fail for slow subscribers: %v", err)
		}
	}
	close(block)
	if b.Dropped() == 0 {
		t.Fatalf("expected drops to be counted")
	}
}

func TestMemoryBusClosed(t *testing.T) {
	b := NewMemory(1)
	_ = b.Close()
	if err := b.Publish(context.Background(), ChannelVoteUpdates, Message{}); err != ErrClosed {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestRedisBus(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	runBusContract(t, NewRedis(rdb, "lp", logx.Nop()))
}

func TestStatusMessageSkipsDraft(t *testing.T) {
	if _, ok := StatusMessage(&poll.Poll{Status: poll.StatusDraft}); ok {
		t.Fatalf("draft has no status event")
	}
}
