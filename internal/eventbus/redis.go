package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "livepoll/pkg/logx"
)

// RedisBus relays messages through Redis PUBLISH/SUBSCRIBE so that every
// process running a realtime hub sees votes aggregated anywhere.
type RedisBus struct {
	rdb    redis.UniversalClient
	prefix string
	log    logx.Logger
}

// NewRedis wraps an existing client. The client is owned by the caller.
// prefix namespaces channel names ("" keeps them bare, e.g. "vote-updates").
func NewRedis(rdb redis.UniversalClient, prefix string, log logx.Logger) *RedisBus {
	return &RedisBus{rdb: rdb, prefix: strings.TrimSpace(prefix), log: log.With(logx.String("comp", "eventbus.redis"))}
}

func (b *RedisBus) key(channel string) string {
	if b.prefix == "" {
		return channel
	}
	return b.prefix + ":" + channel
}

func (b *RedisBus) unkey(name string) string {
	if b.prefix == "" {
		return name
	}
	return strings.TrimPrefix(name, b.prefix+":")
}

func (b *RedisBus) Publish(ctx context.Context, channel string, m Message) error {
	if m.Time.IsZero() {
		m.Time = time.Now()
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("eventbus: encode: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.key(channel), raw).Err(); err != nil {
		return fmt.Errorf("eventbus: publish %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, h Handler, channels ...string) (func(), error) {
	keys := make([]string, 0, len(channels))
	for _, c := range channels {
		keys = append(keys, b.key(c))
	}
	ps := b.rdb.Subscribe(ctx, keys...)
	// Wait for the subscription confirmation so messages published after
	// Subscribe returns are not missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("eventbus: subscribe: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		ch := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var m Message
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					b.log.Warn("dropping undecodable message", logx.String("channel", msg.Channel), logx.Err(err))
					continue
				}
				m.Channel = b.unkey(msg.Channel)
				h(subCtx, m)
			}
		}
	}()

	unsub := func() {
		cancel()
		_ = ps.Close()
	}
	return unsub, nil
}

// Close is a no-op; the Redis client belongs to the caller.
func (b *RedisBus) Close() error { return nil }
