package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "livepoll/pkg/logx"
)

func TestAddRejectsBadSpec(t *testing.T) {
	s := New("", logx.Nop())
	if err := s.Add(Job{Name: "x", Spec: "every now and then", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("expected spec error")
	}
	if err := s.Add(Job{Name: "off", Spec: ""}); err != nil {
		t.Fatalf("empty spec should disable, got %v", err)
	}
	if len(s.Stats()) != 0 {
		t.Fatalf("disabled job registered")
	}
}

func TestJobsRunAndSkipOverlap(t *testing.T) {
	s := New("UTC", logx.Nop())

	var fast atomic.Int32
	if err := s.Add(Job{Name: "fast", Spec: "@every 1s", Run: func(context.Context) error {
		fast.Add(1)
		return errors.New("store down")
	}}); err != nil {
		t.Fatal(err)
	}

	var slowStarts atomic.Int32
	release := make(chan struct{})
	if err := s.Add(Job{Name: "slow", Spec: "@every 1s", Run: func(ctx context.Context) error {
		slowStarts.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx); !errors.Is(err, ErrStarted) {
		t.Fatalf("second start err = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for fast.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if fast.Load() < 3 {
		t.Fatalf("fast job ran %d times", fast.Load())
	}
	if n := slowStarts.Load(); n != 1 {
		t.Fatalf("slow job started %d times while still running", n)
	}
	close(release)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatal(err)
	}

	for _, st := range s.Stats() {
		if st.Name == "fast" && (st.Failures == 0 || st.LastErr != "store down") {
			t.Fatalf("fast stats = %+v", st)
		}
	}
}

func TestBadTimezoneFallsBack(t *testing.T) {
	s := New("Mars/Olympus", logx.Nop())
	if loc := s.loadLocationLocked(); loc != time.Local {
		t.Fatalf("loc = %v", loc)
	}
}
