package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 45 * time.Second
	sendBufferSize = 64
)

// wsEvent is the frame shape pushed to WebSocket clients.
type wsEvent struct {
	Kind      string                 `json:"kind"`
	SessionID string                 `json:"session_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// client is one WebSocket connection. Events are dropped rather than
// letting a slow consumer stall the bus bridge.
type client struct {
	id     string
	conn   *websocket.Conn
	sendCh chan wsEvent
	done   chan struct{}
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		id:     "ws-" + uuid.NewString(),
		conn:   conn,
		sendCh: make(chan wsEvent, sendBufferSize),
		done:   make(chan struct{}),
	}
}

func (c *client) send(ev wsEvent) {
	select {
	case c.sendCh <- ev:
	case <-c.done:
	default:
		slog.Debug("ws client send buffer full, dropping event", "client", c.id, "kind", ev.Kind)
	}
}

// run pumps events out and reads (and discards) inbound frames until the
// connection drops.
func (c *client) run(ctx context.Context) {
	go c.writePump(ctx)

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case ev := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) close() {
	close(c.done)
	_ = c.conn.Close()
}
