package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 1 * time.Second

// client owns the outbound side of one WebSocket connection: a bounded frame
// queue drained by a single writer goroutine. Send never blocks, so one slow
// reader cannot stall the router; a full queue drops the frame instead.
type client struct {
	conn *websocket.Conn

	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(conn *websocket.Conn, queueFrames int) *client {
	if queueFrames <= 0 {
		queueFrames = 1
	}
	return &client{
		conn: conn,
		send: make(chan []byte, queueFrames),
		done: make(chan struct{}),
	}
}

// Send queues a frame for delivery. It reports false when the connection is
// closing or the queue is full.
func (c *client) Send(frame []byte) bool {
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

// writePump drains the queue and keeps the connection alive with pings. It
// exits on the first write error or once close is called; either way the
// underlying connection ends up closed, which unblocks the read loop.
func (c *client) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
