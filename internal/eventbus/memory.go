package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// NewMemory returns an in-process fanout bus.
//
// Publish never blocks: a subscriber whose buffer is full loses the message.
// Dropped() reports how many deliveries were lost that way.
func NewMemory(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryBus{buffer: buffer, subs: map[uint64]*memSub{}}
}

type MemoryBus struct {
	buffer int

	mu     sync.RWMutex
	subs   map[uint64]*memSub
	seq    atomic.Uint64
	closed bool

	dropped atomic.Uint64
}

type memSub struct {
	channels map[string]struct{}
	ch       chan Message
	done     chan struct{}
	once     sync.Once
}

func (s *memSub) stop() { s.once.Do(func() { close(s.done) }) }

func (b *MemoryBus) Publish(_ context.Context, channel string, m Message) error {
	if m.Time.IsZero() {
		m.Time = time.Now()
	}
	m.Channel = channel

	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*memSub, 0, len(b.subs))
	for _, s := range b.subs {
		if _, ok := s.channels[channel]; ok {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case <-s.done:
		case s.ch <- m:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, h Handler, channels ...string) (func(), error) {
	s := &memSub{
		channels: make(map[string]struct{}, len(channels)),
		ch:       make(chan Message, b.buffer),
		done:     make(chan struct{}),
	}
	for _, c := range channels {
		s.channels[c] = struct{}{}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs[id] = s
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case m := <-s.ch:
				h(ctx, m)
			}
		}
	}()

	unsub := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.stop()
	}
	return unsub, nil
}

func (b *MemoryBus) Dropped() uint64 { return b.dropped.Load() }

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, s := range b.subs {
		s.stop()
		delete(b.subs, id)
	}
	return nil
}
