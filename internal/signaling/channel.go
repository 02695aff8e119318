// Package signaling is the client side of the relay protocol: one
// websocket to the relay, reconnect with backoff, and a typed event feed.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/CadiZhang/space-shooter/internal/dns"
	"github.com/CadiZhang/space-shooter/internal/protocol"
	"github.com/CadiZhang/space-shooter/internal/room"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	sendBuffer = 64

	DefaultConnectTimeout       = 10 * time.Second
	DefaultMaxReconnectAttempts = 5
)

// BackoffDelay is the wait before reconnect attempt n (1-based):
// 1s, 2s, 4s, 8s, 16s.
func BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Second << (attempt - 1)
}

// Options configures a Channel.
type Options struct {
	// ConnectTimeout bounds each dial until connection-established.
	ConnectTimeout time.Duration

	// MaxReconnectAttempts after an unexpected close. Zero uses the default;
	// negative disables reconnecting.
	MaxReconnectAttempts int

	// NetDialContext overrides the TCP dialer. Defaults to a dialer that
	// falls back to public DNS.
	NetDialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	Clock  clock.Clock
	Logger *slog.Logger
}

// Channel manages the WebSocket connection to the signaling server.
type Channel struct {
	opts   Options
	clock  clock.Clock
	log    *slog.Logger
	dialer *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	url      string
	link     *link
	playerID string
	roomCode string
	roomID   string
	closed   bool

	subsMu sync.Mutex
	subs   map[EventType][]subscription
	nextID uint64

	queueMu      sync.Mutex
	queue        []Event
	queueClosed  bool
	wake         chan struct{}
	dispatchDone chan struct{}

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewChannel creates a disconnected channel. Its dispatch goroutine runs
// until Close.
func NewChannel(opts Options) *Channel {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.MaxReconnectAttempts == 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NetDialContext == nil {
		opts.NetDialContext = dns.DialContext
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		opts:  opts,
		clock: opts.Clock,
		log:   opts.Logger.With("component", "signaling"),
		dialer: &websocket.Dialer{
			NetDialContext:   opts.NetDialContext,
			HandshakeTimeout: opts.ConnectTimeout,
		},
		ctx:          ctx,
		cancel:       cancel,
		subs:         make(map[EventType][]subscription, len(eventTypes)),
		wake:         make(chan struct{}, 1),
		dispatchDone: make(chan struct{}),
	}
	for _, t := range eventTypes {
		c.subs[t] = nil
	}

	go c.dispatchLoop()
	return c
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PlayerID returns the ID the relay assigned on the current connection.
func (c *Channel) PlayerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerID
}

// RoomCode returns the code of the room this client created or joined.
func (c *Channel) RoomCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomCode
}

// RoomID returns the ID of the room this client is in, if any.
func (c *Channel) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// Connect dials url and returns once the relay has sent
// connection-established. It fails with ErrConnectTimeout if that takes
// longer than the connect timeout, and with ErrClosedBeforeEstablished if
// the socket drops first.
func (c *Channel) Connect(ctx context.Context, url string) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.state != StateDisconnected:
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.url = url
	c.mu.Unlock()

	l, err := c.establish(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil && c.link != l {
		err = ErrClosedBeforeEstablished
	}
	if err != nil {
		if c.state == StateConnecting {
			c.state = StateDisconnected
		}
		return err
	}
	c.state = StateConnected
	return nil
}

// establish dials and waits for connection-established.
func (c *Channel) establish(ctx context.Context) (*link, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	c.mu.Lock()
	url := c.url
	c.mu.Unlock()

	ws, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	l := newLink(ws)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return nil, ErrClosed
	}
	c.link = l
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readPump(l)
	go c.writePump(l)

	select {
	case <-l.established:
		return l, nil
	case <-l.done:
		return nil, ErrClosedBeforeEstablished
	case <-ctx.Done():
		l.close()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrConnectTimeout
		}
		return nil, ctx.Err()
	}
}

// CreateRoom asks the relay for a new room; the reply arrives as a
// room-created event.
func (c *Channel) CreateRoom() error {
	return c.send(&protocol.Message{Type: protocol.TypeCreateRoom})
}

// JoinRoom asks to join the room behind code. The code is remembered and
// re-joined automatically after a reconnect.
func (c *Channel) JoinRoom(code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !room.ValidCode(code) {
		return fmt.Errorf("%w: %q", ErrInvalidRoomCode, code)
	}
	c.mu.Lock()
	c.roomCode = code
	c.mu.Unlock()
	return c.send(&protocol.Message{Type: protocol.TypeJoinRoom, RoomCode: code})
}

// SendOffer forwards a session description to the other player.
func (c *Channel) SendOffer(roomID string, sdp any) error {
	raw, err := json.Marshal(sdp)
	if err != nil {
		return fmt.Errorf("marshal offer: %w", err)
	}
	return c.send(&protocol.Message{Type: protocol.TypeOffer, RoomID: roomID, Offer: raw})
}

// SendAnswer forwards a session description to the other player.
func (c *Channel) SendAnswer(roomID string, sdp any) error {
	raw, err := json.Marshal(sdp)
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}
	return c.send(&protocol.Message{Type: protocol.TypeAnswer, RoomID: roomID, Answer: raw})
}

// SendIceCandidate forwards one local candidate to the other player.
func (c *Channel) SendIceCandidate(roomID string, candidate any) error {
	raw, err := json.Marshal(candidate)
	if err != nil {
		return fmt.Errorf("marshal candidate: %w", err)
	}
	return c.send(&protocol.Message{Type: protocol.TypeICECandidate, RoomID: roomID, Candidate: raw})
}

func (c *Channel) send(msg *protocol.Message) error {
	c.mu.Lock()
	l := c.link
	state := c.state
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if l == nil || state != StateConnected {
		return ErrNotConnected
	}
	return l.enqueue(msg)
}

// Subscribe registers fn for events of type t. The returned function
// removes the subscription and is safe to call more than once.
func (c *Channel) Subscribe(t EventType, fn Handler) (func(), error) {
	if fn == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", t)
	}

	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	if _, ok := c.subs[t]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, t)
	}
	c.nextID++
	id := c.nextID
	c.subs[t] = append(c.subs[t], subscription{id: id, fn: fn})

	return func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		subs := c.subs[t]
		for i, s := range subs {
			if s.id == id {
				c.subs[t] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}, nil
}

// Close tears the connection down and stops reconnecting. A disconnected
// event is the last event delivered.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		l := c.link
		wasDown := c.state == StateDisconnected
		c.mu.Unlock()

		c.cancel()
		if l != nil {
			l.close()
		}
		c.wg.Wait()

		c.mu.Lock()
		c.state = StateDisconnected
		c.link = nil
		c.mu.Unlock()

		if !wasDown {
			c.emit(Event{Type: EventDisconnected})
		}
		c.closeQueue()
	})
	return nil
}

// readPump reads messages from the WebSocket connection.
func (c *Channel) readPump(l *link) {
	defer c.wg.Done()
	defer func() {
		l.close()
		close(l.done)
		c.linkDown(l)
	}()

	l.ws.SetReadLimit(maxMessageSize)
	l.ws.SetReadDeadline(time.Now().Add(pongWait))
	l.ws.SetPongHandler(func(string) error {
		l.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := l.ws.ReadMessage()
		if err != nil {
			if !l.closing.Load() {
				c.log.Debug("read error", "error", err)
			}
			return
		}

		msg, err := protocol.DecodeOutbound(data)
		if err != nil {
			c.log.Warn("ignoring relay message", "error", err)
			continue
		}
		c.observe(l, msg)
		c.emit(Event{Type: EventType(msg.Type), Message: msg})
	}
}

// observe records connection and room identity carried by relay replies.
func (c *Channel) observe(l *link, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeConnectionEstablished:
		c.mu.Lock()
		c.playerID = msg.PlayerID
		c.mu.Unlock()
		l.markEstablished()
	case protocol.TypeRoomCreated, protocol.TypeRoomJoined:
		c.mu.Lock()
		c.roomID = msg.RoomID
		if msg.RoomCode != "" {
			c.roomCode = msg.RoomCode
		}
		c.mu.Unlock()
	}
}

// writePump writes messages to the WebSocket connection and sends periodic pings.
func (c *Channel) writePump(l *link) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		l.ws.Close()
	}()

	for {
		select {
		case msg := <-l.send:
			l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.ws.WriteJSON(msg); err != nil {
				c.log.Debug("write error", "type", msg.Type, "error", err)
				l.close()
				return
			}

		case <-ticker.C:
			l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				l.close()
				return
			}

		case <-l.quit:
			l.ws.SetWriteDeadline(time.Now().Add(writeWait))
			l.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// linkDown runs once per link when its read side ends. Only an
// established, current link that dropped without Close starts the
// reconnect loop.
func (c *Channel) linkDown(l *link) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.link != l {
		return
	}
	c.link = nil
	if c.closed || !l.up.Load() || c.state != StateConnected {
		return
	}
	if c.opts.MaxReconnectAttempts < 0 {
		c.state = StateDisconnected
		c.emit(Event{Type: EventDisconnected})
		return
	}

	c.log.Info("connection lost, reconnecting")
	c.state = StateReconnecting
	c.wg.Add(1)
	go c.reconnect()
}

func (c *Channel) reconnect() {
	defer c.wg.Done()
	max := c.opts.MaxReconnectAttempts

	for attempt := 1; attempt <= max; attempt++ {
		delay := BackoffDelay(attempt)
		timer := c.clock.Timer(delay)
		c.emit(Event{Type: EventReconnecting, Attempt: attempt, MaxAttempts: max})

		select {
		case <-timer.C:
		case <-c.ctx.Done():
			timer.Stop()
			return
		}

		l, err := c.establish(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.Warn("reconnect attempt failed", "attempt", attempt, "max_attempts", max, "error", err)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if c.link != l {
			c.mu.Unlock()
			continue
		}
		c.state = StateConnected
		code := c.roomCode
		c.mu.Unlock()

		c.log.Info("reconnected", "attempt", attempt, "room_code", code)
		c.emit(Event{Type: EventReconnected, Attempt: attempt, MaxAttempts: max, RoomCode: code})
		if code != "" {
			if err := l.enqueue(&protocol.Message{Type: protocol.TypeJoinRoom, RoomCode: code}); err != nil {
				c.log.Warn("rejoin failed", "room_code", code, "error", err)
			}
		}
		return
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()

	c.log.Error("giving up on signaling server", "attempts", max)
	c.emit(Event{Type: EventMaxReconnectAttempts, Attempt: max, MaxAttempts: max, Err: ErrReconnectExhausted})
}

// emit queues ev for the dispatch goroutine. It never blocks.
func (c *Channel) emit(ev Event) {
	c.queueMu.Lock()
	if c.queueClosed {
		c.queueMu.Unlock()
		return
	}
	c.queue = append(c.queue, ev)
	c.queueMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Channel) closeQueue() {
	c.queueMu.Lock()
	c.queueClosed = true
	c.queueMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Channel) dispatchLoop() {
	defer close(c.dispatchDone)
	for {
		c.queueMu.Lock()
		batch := c.queue
		c.queue = nil
		closed := c.queueClosed
		c.queueMu.Unlock()

		for _, ev := range batch {
			c.dispatch(ev)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-c.wake
	}
}

func (c *Channel) dispatch(ev Event) {
	c.subsMu.Lock()
	subs := append([]subscription(nil), c.subs[ev.Type]...)
	c.subsMu.Unlock()

	for _, s := range subs {
		s.fn(ev)
	}
}

// Drained is closed once Close has run and every queued event was delivered.
func (c *Channel) Drained() <-chan struct{} {
	return c.dispatchDone
}

// link is one websocket connection. A Channel goes through several over
// its lifetime when it reconnects.
type link struct {
	ws          *websocket.Conn
	send        chan *protocol.Message
	quit        chan struct{} // closed to stop the write pump
	done        chan struct{} // closed when the read pump exits
	established chan struct{}

	up        atomic.Bool
	closing   atomic.Bool
	upOnce    sync.Once
	closeOnce sync.Once
}

func newLink(ws *websocket.Conn) *link {
	return &link{
		ws:          ws,
		send:        make(chan *protocol.Message, sendBuffer),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		established: make(chan struct{}),
	}
}

func (l *link) markEstablished() {
	l.upOnce.Do(func() {
		l.up.Store(true)
		close(l.established)
	})
}

func (l *link) enqueue(msg *protocol.Message) error {
	select {
	case l.send <- msg:
		return nil
	case <-l.quit:
		return ErrNotConnected
	}
}

// close stops both pumps. The read pump notices through the closed socket.
func (l *link) close() {
	l.closeOnce.Do(func() {
		l.closing.Store(true)
		close(l.quit)
		l.ws.SetReadDeadline(time.Now())
	})
}
