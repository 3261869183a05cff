package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	logx "livepoll/pkg/logx"
)

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	// rooms is guarded by hub.mu.
	rooms map[string]struct{}

	// seen is the newest aggregate version queued per room.
	vmu  sync.Mutex
	seen map[string]int64

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn) *client {
	return &client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, h.cfg.SendBuffer),
		rooms: make(map[string]struct{}),
		seen:  make(map[string]int64),
		done:  make(chan struct{}),
	}
}

// enqueue never blocks. It reports false when the buffer is full or the
// client is gone.
func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// enqueueVersion queues a vote snapshot for room unless one at the same or
// a newer version was already queued. stale reports a skipped frame, which
// is not a delivery failure. Version 0 is always sent.
func (c *client) enqueueVersion(room string, version int64, frame []byte) (sent, stale bool) {
	if version <= 0 {
		return c.enqueue(frame), false
	}
	c.vmu.Lock()
	defer c.vmu.Unlock()
	if version <= c.seen[room] {
		return false, true
	}
	if !c.enqueue(frame) {
		return false, false
	}
	c.seen[room] = version
	return true, false
}

func (c *client) forget(room string) {
	c.vmu.Lock()
	delete(c.seen, room)
	c.vmu.Unlock()
}

func (c *client) sendError(msg string) {
	frame, err := encodeFrame(EventError, msg)
	if err == nil {
		c.enqueue(frame)
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *client) readPump(ctx context.Context) {
	defer c.hub.remove(c)

	cfg := c.hub.cfg
	pongWait := 2 * cfg.PingInterval
	c.conn.SetReadLimit(cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("websocket read failed", logx.Err(err))
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.sendError("malformed frame")
			continue
		}
		c.hub.handleFrame(ctx, c, f)
	}
}

func (c *client) writePump() {
	cfg := c.hub.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(cfg.WriteTimeout))
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.hub.remove(c)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteTimeout)); err != nil {
				c.hub.remove(c)
				return
			}
		}
	}
}
