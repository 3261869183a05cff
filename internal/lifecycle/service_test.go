package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"livepoll/internal/eventbus"
	"livepoll/internal/poll"
	"livepoll/internal/store"
	logx "livepoll/pkg/logx"
)

func TestLifecycleTransitions(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	_ = st.CreatePoll(ctx, &poll.Poll{ID: "p1", JoinCode: "ABC123", Title: "t", Status: poll.StatusDraft})

	bus := eventbus.NewMemory(16)
	defer bus.Close()
	var (
		mu    sync.Mutex
		types []string
	)
	unsub, _ := bus.Subscribe(ctx, func(_ context.Context, m eventbus.Message) {
		mu.Lock()
		types = append(types, m.Type)
		mu.Unlock()
	}, eventbus.ChannelPollUpdates)
	defer unsub()

	svc := New(st, bus, logx.Nop())
	start := time.Unix(1_700_000_000, 0)
	svc.now = func() time.Time { return start }

	if _, err := svc.Pause(ctx, "p1"); !errors.Is(err, poll.ErrInvalidTransition) {
		t.Fatalf("pause draft err = %v", err)
	}
	p, err := svc.Start(ctx, "p1")
	if err != nil || p.Status != poll.StatusActive || !p.StartedAt.Equal(start) {
		t.Fatalf("start: %v %+v", err, p)
	}
	if _, err := svc.Pause(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	svc.now = func() time.Time { return start.Add(time.Hour) }
	if p, err = svc.Start(ctx, "p1"); err != nil || !p.StartedAt.Equal(start) {
		t.Fatalf("resume kept StartedAt? %v %+v", err, p)
	}
	if p, err = svc.End(ctx, "p1"); err != nil || p.EndedAt.IsZero() {
		t.Fatalf("end: %v %+v", err, p)
	}
	if _, err := svc.Start(ctx, "p1"); !errors.Is(err, poll.ErrInvalidTransition) || poll.KindOf(err) != poll.KindConflict {
		t.Fatalf("restart ended err = %v", err)
	}
	if _, err := svc.Start(ctx, "missing"); !errors.Is(err, poll.ErrPollNotFound) {
		t.Fatalf("missing err = %v", err)
	}

	want := []string{eventbus.TypePollStarted, eventbus.TypePollPaused, eventbus.TypePollStarted, eventbus.TypePollEnded}
	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(types)
		mu.Unlock()
		if n >= len(want) || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(types) != len(want) {
		t.Fatalf("events = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}
