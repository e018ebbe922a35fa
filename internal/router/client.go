package router

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// writeWait bounds a single socket write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before the read
	// pump gives up on it.
	pongWait = 60 * time.Second

	// pingPeriod must be under pongWait so pings keep idle connections
	// alive.
	pingPeriod = 54 * time.Second

	// maxMessageSize caps one inbound frame. A full 500-op replay batch
	// of maximal tasks stays well under this.
	maxMessageSize = 4 << 20

	// sendBuffer is the per-connection outbound backlog; overflowing it
	// marks the consumer as too slow to keep.
	sendBuffer = 64
)

// Client is one live websocket connection. The read pump dispatches
// inbound events serially, preserving per-connection arrival order; the
// write pump is the only goroutine that writes the socket.
type Client struct {
	ID    string
	Name  string
	Color string

	conn *websocket.Conn
	send chan []byte
	log  *logrus.Entry
}

func newClient(id, name, color string, conn *websocket.Conn, log *logrus.Logger) *Client {
	return &Client{
		ID:    id,
		Name:  name,
		Color: color,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		log:   log.WithFields(logrus.Fields{"conn": id, "name": name}),
	}
}

// readPump consumes inbound frames and hands them to the router. It
// returns when the connection drops or misbehaves; the caller runs the
// disconnect path afterwards.
func (c *Client) readPump(ctx context.Context, r *Router) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Debug("connection closed unexpectedly")
			}
			return
		}
		r.dispatch(ctx, c, data)
	}
}

// writePump owns all socket writes: queued frames and keepalive pings.
// It exits when the hub closes the send channel, taking the socket with
// it.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
