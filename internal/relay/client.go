package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/CadiZhang/space-shooter/internal/protocol"
	"github.com/CadiZhang/space-shooter/internal/room"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024 // 64 KB - enough for WebRTC SDP messages

	sendBuffer = 256
)

// Client is a wrapper for a single websocket connection (a player).
type Client struct {
	// ID is the player ID announced in connection-established.
	ID string

	hub     *Hub
	conn    *websocket.Conn
	limiter *rate.Limiter

	// send is a buffered channel for all outbound messages. Only the hub
	// loop writes to it and closes it.
	send      chan *protocol.Message
	closeOnce sync.Once
}

// ServeConn registers an upgraded websocket with the hub and starts its
// read and write pumps.
func (h *Hub) ServeConn(conn *websocket.Conn) *Client {
	c := &Client{
		ID:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan *protocol.Message, sendBuffer),
	}
	if h.cfg.MessageRate > 0 {
		c.limiter = rate.NewLimiter(h.cfg.MessageRate, h.cfg.MessageBurst)
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return c
	}

	go c.writePump()
	go c.readPump()
	return c
}

func (c *Client) player() *room.Player {
	return &room.Player{ID: c.ID, Conn: c}
}

func (c *Client) remoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// deliver queues msg without blocking the hub. A client that cannot keep up
// loses the message.
func (c *Client) deliver(msg *protocol.Message) {
	select {
	case c.send <- msg:
	default:
		c.hub.log.Warn("send buffer full, dropping message", "player_id", c.ID, "type", msg.Type)
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// readPump pumps frames from the websocket connection to the hub.
//
// There is at most one reader on a connection: all reads happen on this
// goroutine.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("read error", "player_id", c.ID, "error", err)
			}
			return
		}

		in := inbound{client: c, data: data}
		if c.limiter != nil && !c.limiter.Allow() {
			in = inbound{client: c, limited: true}
		}

		select {
		case c.hub.inbound <- in:
		case <-c.hub.done:
			return
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
//
// There is at most one writer on a connection: all writes happen on this
// goroutine.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				c.hub.log.Debug("write error", "player_id", c.ID, "error", err)
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
