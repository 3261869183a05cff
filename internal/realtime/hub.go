package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"livepoll/internal/eventbus"
	"livepoll/internal/poll"
	"livepoll/internal/store"
	logx "livepoll/pkg/logx"
)

// Config tunes per-connection behavior.
//
// Defaults: SendBuffer 64 frames, WriteTimeout 10s, PingInterval 30s,
// ReadLimit 4 KiB. Empty AllowedOrigins accepts any origin.
type Config struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	ReadLimit      int64
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 4096
	}
	return c
}

type Stats struct {
	Clients int    `json:"clients"`
	Rooms   int    `json:"rooms"`
	Dropped uint64 `json:"dropped"`
}

// Hub tracks websocket clients and the rooms (join codes) they watch.
// Membership lives in this process only; every instance subscribes to the
// bus and fans out to its own clients.
type Hub struct {
	cfg   Config
	polls store.Polls
	log   logx.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	rooms   map[string]map[*client]struct{}
	clients map[*client]struct{}
	closed  bool

	dropped atomic.Uint64
}

// NewHub builds a hub. polls may be nil, in which case joining clients get
// no initial snapshot.
func NewHub(cfg Config, polls store.Polls, log logx.Logger) *Hub {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Hub{
		cfg:     cfg,
		polls:   polls,
		log:     log.With(logx.String("comp", "realtime")),
		rooms:   make(map[string]map[*client]struct{}),
		clients: make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// HandleMessage is the event bus handler: it turns bus events into frames
// for the matching room.
func (h *Hub) HandleMessage(_ context.Context, m eventbus.Message) {
	code := poll.NormalizeJoinCode(m.JoinCode)
	if code == "" {
		return
	}
	var (
		frame   []byte
		version int64
		err     error
	)
	switch m.Type {
	case eventbus.TypeNewVote:
		version = m.Version
		frame, err = encodeFrame(EventVoteUpdate, VoteUpdate{TotalVotes: m.TotalVotes, Questions: m.Questions, Version: m.Version})
	case eventbus.TypePollStarted, eventbus.TypePollPaused, eventbus.TypePollEnded:
		frame, err = encodeFrame(EventPollStatus, PollStatus{Type: m.Type, PollID: m.PollID})
	default:
		return
	}
	if err != nil {
		h.log.Warn("encode frame failed", logx.String("type", m.Type), logx.Err(err))
		return
	}
	h.fanout(code, version, frame)
}

// Broadcast queues frame for every client in room. A client whose buffer is
// full is disconnected rather than allowed to stall the room.
func (h *Hub) Broadcast(room string, frame []byte) int {
	return h.fanout(room, 0, frame)
}

func (h *Hub) fanout(room string, version int64, frame []byte) int {
	h.mu.RLock()
	members := make([]*client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range members {
		ok, stale := c.enqueueVersion(room, version, frame)
		if ok {
			sent++
			continue
		}
		if stale {
			continue
		}
		h.dropped.Add(1)
		h.log.Warn("slow client dropped", logx.String("room", room))
		h.remove(c)
	}
	return sent
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) join(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	members := h.rooms[room]
	if members == nil {
		members = make(map[*client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leave(c *client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c, room)
}

func (h *Hub) leaveLocked(c *client, room string) {
	delete(c.rooms, room)
	c.forget(room)
	if members := h.rooms[room]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// remove detaches c from every room and closes it.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[poll.NormalizeJoinCode(room)])
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{Clients: len(h.clients), Rooms: len(h.rooms), Dropped: h.dropped.Load()}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	all := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.Unlock()
	for _, c := range all {
		h.remove(c)
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	c := newClient(h, conn)
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	go c.writePump()
	c.readPump(r.Context())
}

func (h *Hub) handleFrame(ctx context.Context, c *client, f Frame) {
	switch f.Event {
	case EventJoinPoll, EventLeavePoll:
		var code string
		if err := json.Unmarshal(f.Data, &code); err != nil || !poll.ValidJoinCode(poll.NormalizeJoinCode(code)) {
			c.sendError("invalid join code")
			return
		}
		code = poll.NormalizeJoinCode(code)
		if f.Event == EventLeavePoll {
			h.leave(c, code)
			return
		}
		h.join(c, code)
		h.sendSnapshot(ctx, c, code)
	default:
		c.sendError("unknown event")
	}
}

// sendSnapshot gives a joining viewer the current counts so it does not wait
// for the next vote. The client is already in the room, so a broadcast may
// beat the snapshot; the version check drops whichever of the two is older.
func (h *Hub) sendSnapshot(ctx context.Context, c *client, code string) {
	if h.polls == nil {
		return
	}
	p, err := h.polls.GetPollByJoinCode(ctx, code)
	if err != nil {
		if poll.KindOf(err) != poll.KindNotFound {
			h.log.Warn("snapshot lookup failed", logx.String("room", code), logx.Err(err))
		}
		return
	}
	if !p.Settings.ShowResultsLive {
		return
	}
	r := p.Results()
	frame, err := encodeFrame(EventVoteUpdate, VoteUpdate{TotalVotes: r.TotalVotes, Questions: r.Questions, Version: p.Version})
	if err != nil {
		return
	}
	if ok, stale := c.enqueueVersion(code, p.Version, frame); !ok && !stale {
		h.dropped.Add(1)
		h.remove(c)
	}
}
