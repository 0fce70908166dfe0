package api

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 256
)

// Client is one downstream WebSocket connection. Its identity is the session
// key in the relay registry.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan any
	server *Server
	logger *log.Logger

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, server *Server) *Client {
	id := uuid.New().String()
	return &Client{
		id:     id,
		conn:   conn,
		send:   make(chan any, sendBufferSize),
		server: server,
		logger: log.With("component", "api", "client", id),
	}
}

// ID implements relay.DownstreamClient.
func (c *Client) ID() string {
	return c.id
}

// Send implements relay.DownstreamClient. It enqueues without blocking; a
// client that cannot keep up loses the message.
func (c *Client) Send(v any) {
	select {
	case c.send <- v:
	default:
		c.logger.Warn("send buffer full, dropping message")
	}
}

// readPump feeds downstream messages into the session router. It exits on
// any read error, which tears the session down.
func (c *Client) readPump() {
	defer func() {
		c.server.registry.Disconnect(c.id)
		c.close()
		c.logger.Info("client disconnected")
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	session := c.server.registry.Get(c.id)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("read error", "error", err)
			}
			return
		}
		if session != nil {
			session.HandleDownstream(raw)
		}
	}
}

// writePump drains the send channel onto the socket and keeps the downstream
// connection alive with periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("write error", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}
