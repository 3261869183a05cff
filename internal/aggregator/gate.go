package aggregator

import (
	"context"
	"sync"
)

// pollGate serializes workers of this process on the same poll. Optimistic
// versioning still guards against other processes; the gate only keeps local
// workers from colliding on a hot poll.
type pollGate struct {
	mu    sync.Mutex
	slots map[string]*gateSlot
}

type gateSlot struct {
	ch   chan struct{}
	refs int
}

func newPollGate() *pollGate {
	return &pollGate{slots: make(map[string]*gateSlot)}
}

// acquire blocks until the poll is free or ctx ends. The returned release
// must be called exactly once when ok is true.
func (g *pollGate) acquire(ctx context.Context, pollID string) (release func(), ok bool) {
	if g == nil || pollID == "" {
		return func() {}, true
	}

	g.mu.Lock()
	s := g.slots[pollID]
	if s == nil {
		s = &gateSlot{ch: make(chan struct{}, 1)}
		s.ch <- struct{}{}
		g.slots[pollID] = s
	}
	s.refs++
	g.mu.Unlock()

	select {
	case <-s.ch:
		return func() { g.put(pollID, s, true) }, true
	case <-ctx.Done():
		g.put(pollID, s, false)
		return nil, false
	}
}

func (g *pollGate) put(pollID string, s *gateSlot, held bool) {
	if held {
		s.ch <- struct{}{}
	}
	g.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(g.slots, pollID)
	}
	g.mu.Unlock()
}

func (g *pollGate) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slots)
}
