// Package relay implements the signaling relay: it pairs two players per
// room and forwards their WebRTC negotiation messages to each other.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/CadiZhang/space-shooter/internal/protocol"
	"github.com/CadiZhang/space-shooter/internal/room"
)

// HubConfig tunes the relay.
type HubConfig struct {
	// RoomTTL bounds a room's lifetime regardless of occupancy.
	RoomTTL time.Duration

	// SweepInterval is how often expired rooms are removed.
	SweepInterval time.Duration

	// MessageRate and MessageBurst limit inbound messages per connection.
	// A zero MessageRate disables limiting.
	MessageRate  rate.Limit
	MessageBurst int

	Clock  clock.Clock
	Logger *slog.Logger
}

func (c HubConfig) withDefaults() HubConfig {
	if c.RoomTTL <= 0 {
		c.RoomTTL = time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.MessageRate > 0 && c.MessageBurst <= 0 {
		c.MessageBurst = int(c.MessageRate) + 1
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// inbound is one frame read from a client, queued for the hub loop.
type inbound struct {
	client  *Client
	data    []byte
	limited bool
}

// Hub is the central brain of the signaling server. Its Run loop is the only
// goroutine that touches the room registry, so every message is processed to
// completion before the next one is handled.
type Hub struct {
	registry *room.Registry
	cfg      HubConfig
	log      *slog.Logger

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	done       chan struct{}

	clients map[*Client]struct{}

	connections atomic.Int64
	rooms       atomic.Int64
}

// NewHub creates a hub that owns registry for its lifetime.
func NewHub(registry *room.Registry, cfg HubConfig) *Hub {
	cfg = cfg.withDefaults()
	return &Hub{
		registry:   registry,
		cfg:        cfg,
		log:        cfg.Logger,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound, 256),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
	}
}

// Connections returns the number of open signaling connections.
func (h *Hub) Connections() int {
	return int(h.connections.Load())
}

// Rooms returns the number of live rooms.
func (h *Hub) Rooms() int {
	return int(h.rooms.Load())
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Run processes hub events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := h.cfg.Clock.Ticker(h.cfg.SweepInterval)
	defer func() {
		ticker.Stop()
		for c := range h.clients {
			h.drop(c)
		}
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.connections.Store(int64(len(h.clients)))
			h.log.Debug("client registered", "player_id", c.ID, "remote", c.remoteAddr())
			c.deliver(&protocol.Message{Type: protocol.TypeConnectionEstablished, PlayerID: c.ID})

		case c := <-h.unregister:
			h.handleDisconnect(c)

		case in := <-h.inbound:
			h.handleInbound(in)

		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Hub) handleDisconnect(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	h.log.Debug("client unregistered", "player_id", c.ID)

	if survivor, ok := h.registry.RemovePlayer(c.ID); ok {
		h.log.Info("player left room", "room_id", survivor.ID, "player_id", c.ID)
		for _, p := range survivor.Players {
			h.send(p, &protocol.Message{Type: protocol.TypePlayerDisconnected, PlayerID: c.ID})
		}
	}
	h.drop(c)
	h.syncRooms()
}

func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	h.connections.Store(int64(len(h.clients)))
	c.closeSend()
}

func (h *Hub) handleInbound(in inbound) {
	c := in.client
	if _, ok := h.clients[c]; !ok {
		return
	}
	if in.limited {
		c.deliver(protocol.ErrorMessage(protocol.ErrTextRateLimited))
		return
	}

	msg, err := protocol.DecodeInbound(in.data)
	switch {
	case errors.Is(err, protocol.ErrUnknownType):
		h.log.Warn("unknown message type", "player_id", c.ID, "type", msg.Type)
		c.deliver(protocol.ErrorMessage(protocol.UnknownTypeText(msg.Type)))
		return
	case err != nil:
		h.log.Warn("malformed message", "player_id", c.ID, "error", err)
		c.deliver(protocol.ErrorMessage(protocol.ErrTextMalformed))
		return
	}

	h.log.Debug("message received", "player_id", c.ID, "type", msg.Type)

	switch msg.Type {
	case protocol.TypeCreateRoom:
		h.createRoom(c)
	case protocol.TypeJoinRoom:
		h.joinRoom(c, msg.RoomCode)
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		h.forward(c, msg)
	}
}

func (h *Hub) createRoom(c *Client) {
	if current, ok := h.registry.RoomOf(c.ID); ok {
		c.deliver(protocol.ErrorMessage(protocol.AlreadyInRoomText(current.Code)))
		return
	}

	rm := h.registry.CreateRoom()
	if err := h.registry.AddPlayer(rm.ID, c.player()); err != nil {
		h.log.Error("seat room creator", "room_id", rm.ID, "error", err)
		c.deliver(protocol.ErrorMessage(err.Error()))
		return
	}
	h.syncRooms()

	h.log.Info("room created", "room_id", rm.ID, "room_code", rm.Code, "player_id", c.ID)
	c.deliver(&protocol.Message{Type: protocol.TypeRoomCreated, RoomID: rm.ID, RoomCode: rm.Code})
}

func (h *Hub) joinRoom(c *Client, code string) {
	code = strings.ToUpper(strings.TrimSpace(code))

	if current, ok := h.registry.RoomOf(c.ID); ok {
		c.deliver(protocol.ErrorMessage(protocol.AlreadyInRoomText(current.Code)))
		return
	}

	rm, ok := h.registry.RoomByCode(code)
	if !ok {
		h.log.Info("room join failed", "room_code", code, "error", room.ErrRoomNotFound)
		c.deliver(protocol.ErrorMessage(protocol.RoomNotFoundText(code)))
		return
	}

	if err := h.registry.AddPlayer(rm.ID, c.player()); err != nil {
		h.log.Info("room join failed", "room_code", code, "error", err)
		if errors.Is(err, room.ErrRoomFull) {
			c.deliver(protocol.ErrorMessage(protocol.ErrTextRoomFull))
		} else {
			c.deliver(protocol.ErrorMessage(err.Error()))
		}
		return
	}

	h.log.Info("player joined room", "room_id", rm.ID, "player_id", c.ID)
	c.deliver(&protocol.Message{Type: protocol.TypeRoomJoined, RoomID: rm.ID, RoomCode: rm.Code})

	if other, ok := h.registry.OtherPlayer(rm.ID, c.ID); ok {
		h.send(other, &protocol.Message{Type: protocol.TypePlayerJoined, PlayerID: c.ID, RoomID: rm.ID})
	}
}

// forward relays a negotiation payload verbatim to the other occupant.
// Messages for rooms or peers that no longer exist are dropped silently.
func (h *Hub) forward(c *Client, msg *protocol.Message) {
	rm, ok := h.registry.RoomByID(msg.RoomID)
	if !ok {
		h.log.Debug("dropping signal for unknown room", "room_id", msg.RoomID, "type", msg.Type)
		return
	}
	if _, member := rm.Player(c.ID); !member {
		h.log.Debug("dropping signal from non-member", "room_id", rm.ID, "player_id", c.ID)
		return
	}
	target, ok := h.registry.OtherPlayer(rm.ID, c.ID)
	if !ok {
		h.log.Debug("dropping signal, no peer in room", "room_id", rm.ID, "type", msg.Type)
		return
	}

	out := *msg
	out.PlayerID = c.ID
	out.RoomID = rm.ID
	out.RoomCode = ""
	h.send(target, &out)
}

func (h *Hub) send(p *room.Player, msg *protocol.Message) {
	if c, ok := p.Conn.(*Client); ok {
		c.deliver(msg)
	}
}

func (h *Hub) sweep() {
	for _, rm := range h.registry.SweepExpired(h.cfg.RoomTTL) {
		h.log.Info("room expired", "room_id", rm.ID, "room_code", rm.Code, "players", len(rm.Players))
	}
	h.syncRooms()
}

func (h *Hub) syncRooms() {
	h.rooms.Store(int64(h.registry.Len()))
}
