package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 64
)

// ErrSendBufferFull means the viewer is not draining its connection.
var ErrSendBufferFull = errors.New("send buffer full")

// client is one viewer connection. It satisfies subs.Handle: Send
// never blocks, so a slow viewer cannot stall the broadcast loop.
type client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	closing chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		closing: make(chan []byte, 1),
		done:    make(chan struct{}),
	}
}

func (c *client) ID() string { return c.id }

// Send enqueues a payload for the write pump. A full buffer is a
// delivery failure; the broadcaster drops the handle on error.
func (c *client) Send(payload []byte) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// close shuts the write pump down. Safe to call more than once.
func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// closeWith asks the write pump to send a close frame with the given
// code before tearing down, so the viewer learns why it was
// disconnected. The pump owns the socket; writing here would race it.
func (c *client) closeWith(code int, reason string) {
	select {
	case c.closing <- websocket.FormatCloseMessage(code, reason):
	default:
	}
	c.close()
}

// writePump drains the send buffer onto the socket and keeps the
// connection alive with pings. It owns all writes after the upgrade.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			select {
			case msg := <-c.closing:
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, msg)
			default:
			}
			return
		}
	}
}

// readLoop discards inbound frames and returns when the viewer hangs
// up. Viewers only receive on this surface; reads exist to detect the
// disconnect and service pongs.
func (c *client) readLoop() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
