package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/CadiZhang/space-shooter/internal/protocol"
	"github.com/CadiZhang/space-shooter/internal/relay"
	"github.com/CadiZhang/space-shooter/internal/room"
)

// testRelay is a real hub behind an httptest server that can refuse new
// connections and drop existing ones on demand.
type testRelay struct {
	url    string
	accept atomic.Bool

	mu    sync.Mutex
	conns []*websocket.Conn
}

func startRelay(t *testing.T) *testRelay {
	t.Helper()

	hub := relay.NewHub(room.NewRegistry(), relay.HubConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := &testRelay{}
	r.accept.Store(true)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.accept.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conns = append(r.conns, conn)
		r.mu.Unlock()
		hub.ServeConn(conn)
	}))
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
		ts.Close()
	})

	r.url = "ws" + strings.TrimPrefix(ts.URL, "http")
	return r
}

// drop closes the server side of the i-th accepted connection.
func (r *testRelay) drop(i int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[i].Close()
}

// recorder collects events of the given types in delivery order.
type recorder struct {
	events chan Event
}

func record(t *testing.T, c *Channel, types ...EventType) *recorder {
	t.Helper()
	rec := &recorder{events: make(chan Event, 64)}
	for _, typ := range types {
		if _, err := c.Subscribe(typ, func(ev Event) { rec.events <- ev }); err != nil {
			t.Fatalf("subscribe %s: %v", typ, err)
		}
	}
	return rec
}

func (r *recorder) next(t *testing.T, want EventType) Event {
	t.Helper()
	select {
	case ev := <-r.events:
		if ev.Type != want {
			t.Fatalf("got event %s, want %s", ev.Type, want)
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
	return Event{}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.events:
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(150 * time.Millisecond):
	}
}

func newTestChannel(t *testing.T, opts Options) *Channel {
	t.Helper()
	c := NewChannel(opts)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestBackoffDelay(t *testing.T) {
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, d := range want {
		if got := BackoffDelay(i + 1); got != d {
			t.Fatalf("BackoffDelay(%d)=%s, want %s", i+1, got, d)
		}
	}
}

func TestConnect_ReceivesPlayerID(t *testing.T) {
	r := startRelay(t)
	c := newTestChannel(t, Options{})

	if err := c.Connect(context.Background(), r.url); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("state=%s, want connected", c.State())
	}
	if c.PlayerID() == "" {
		t.Fatalf("no player id after connect")
	}
	if err := c.Connect(context.Background(), r.url); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second Connect err=%v", err)
	}
}

func TestConnect_TimesOutWithoutEstablished(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Never say hello.
		conn.ReadMessage()
	}))
	defer ts.Close()

	c := newTestChannel(t, Options{ConnectTimeout: 200 * time.Millisecond})
	err := c.Connect(context.Background(), "ws"+strings.TrimPrefix(ts.URL, "http"))
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("err=%v, want ErrConnectTimeout", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state=%s, want disconnected", c.State())
	}
}

func TestConnect_ClosedBeforeEstablished(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer ts.Close()

	c := newTestChannel(t, Options{})
	err := c.Connect(context.Background(), "ws"+strings.TrimPrefix(ts.URL, "http"))
	if !errors.Is(err, ErrClosedBeforeEstablished) {
		t.Fatalf("err=%v, want ErrClosedBeforeEstablished", err)
	}
}

func TestSend_NotConnected(t *testing.T) {
	c := newTestChannel(t, Options{})
	if err := c.CreateRoom(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("CreateRoom err=%v, want ErrNotConnected", err)
	}
	if err := c.JoinRoom("nope"); !errors.Is(err, ErrInvalidRoomCode) {
		t.Fatalf("JoinRoom err=%v, want ErrInvalidRoomCode", err)
	}
}

func TestSubscribe_UnknownEventAndUnsubscribe(t *testing.T) {
	c := newTestChannel(t, Options{})
	if _, err := c.Subscribe("party-started", func(Event) {}); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("err=%v, want ErrUnknownEvent", err)
	}

	var calls atomic.Int32
	unsubscribe, err := c.Subscribe(EventReconnected, func(Event) { calls.Add(1) })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	unsubscribe()
	unsubscribe()

	c.emit(Event{Type: EventReconnected})
	c.Close()
	<-c.Drained()
	if calls.Load() != 0 {
		t.Fatalf("handler ran %d times after unsubscribe", calls.Load())
	}
}

func TestChannel_PairAndExchangeNegotiation(t *testing.T) {
	r := startRelay(t)
	x := newTestChannel(t, Options{})
	y := newTestChannel(t, Options{})
	xEvents := record(t, x, EventRoomCreated, EventPlayerJoined, EventAnswer)
	yEvents := record(t, y, EventRoomJoined, EventOffer, EventError)

	ctx := context.Background()
	if err := x.Connect(ctx, r.url); err != nil {
		t.Fatalf("connect x: %v", err)
	}
	if err := y.Connect(ctx, r.url); err != nil {
		t.Fatalf("connect y: %v", err)
	}

	if err := y.JoinRoom("ZZZZZZ"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if ev := yEvents.next(t, EventError); ev.Message.Error != "Room with code ZZZZZZ not found" {
		t.Fatalf("error=%q", ev.Message.Error)
	}

	if err := x.CreateRoom(); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	created := xEvents.next(t, EventRoomCreated)
	if x.RoomCode() != created.Message.RoomCode || x.RoomID() != created.Message.RoomID {
		t.Fatalf("room not recorded: code=%q id=%q", x.RoomCode(), x.RoomID())
	}

	if err := y.JoinRoom(strings.ToLower(created.Message.RoomCode)); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	yEvents.next(t, EventRoomJoined)
	if joined := xEvents.next(t, EventPlayerJoined); joined.Message.PlayerID != y.PlayerID() {
		t.Fatalf("player-joined for %q, want %q", joined.Message.PlayerID, y.PlayerID())
	}

	offer := map[string]string{"type": "offer", "sdp": "v=0"}
	if err := x.SendOffer(x.RoomID(), offer); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	got := yEvents.next(t, EventOffer)
	var decoded map[string]string
	if err := json.Unmarshal(got.Message.Offer, &decoded); err != nil || decoded["sdp"] != "v=0" {
		t.Fatalf("offer payload=%s (%v)", got.Message.Offer, err)
	}
	if got.Message.PlayerID != x.PlayerID() {
		t.Fatalf("offer from %q, want %q", got.Message.PlayerID, x.PlayerID())
	}

	if err := y.SendAnswer(y.RoomID(), map[string]string{"type": "answer", "sdp": "v=0"}); err != nil {
		t.Fatalf("SendAnswer: %v", err)
	}
	xEvents.next(t, EventAnswer)
}

func TestChannel_BackoffScheduleAndTerminalEvent(t *testing.T) {
	r := startRelay(t)
	mock := clock.NewMock()
	c := newTestChannel(t, Options{Clock: mock})
	events := record(t, c, EventReconnecting, EventReconnected, EventMaxReconnectAttempts)

	if err := c.Connect(context.Background(), r.url); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	r.accept.Store(false)
	r.drop(0)

	for attempt := 1; attempt <= DefaultMaxReconnectAttempts; attempt++ {
		ev := events.next(t, EventReconnecting)
		if ev.Attempt != attempt || ev.MaxAttempts != DefaultMaxReconnectAttempts {
			t.Fatalf("reconnecting=%d/%d, want %d/%d", ev.Attempt, ev.MaxAttempts, attempt, DefaultMaxReconnectAttempts)
		}
		if c.State() != StateReconnecting {
			t.Fatalf("state=%s, want reconnecting", c.State())
		}

		delay := BackoffDelay(attempt)
		mock.Add(delay - time.Millisecond)
		events.none(t)
		mock.Add(time.Millisecond)
	}

	ev := events.next(t, EventMaxReconnectAttempts)
	if ev.MaxAttempts != DefaultMaxReconnectAttempts || !errors.Is(ev.Err, ErrReconnectExhausted) {
		t.Fatalf("max-reconnect-attempts=%+v", ev)
	}
	mock.Add(time.Minute)
	events.none(t)

	if c.State() != StateDisconnected {
		t.Fatalf("state=%s, want disconnected", c.State())
	}
}

func TestChannel_ReconnectRejoinsRoom(t *testing.T) {
	r := startRelay(t)
	mock := clock.NewMock()

	x := newTestChannel(t, Options{})
	y := newTestChannel(t, Options{Clock: mock})
	xEvents := record(t, x, EventRoomCreated, EventPlayerJoined, EventPlayerDisconnected)
	yEvents := record(t, y, EventRoomJoined, EventReconnecting, EventReconnected)

	ctx := context.Background()
	if err := x.Connect(ctx, r.url); err != nil {
		t.Fatalf("connect x: %v", err)
	}
	if err := y.Connect(ctx, r.url); err != nil {
		t.Fatalf("connect y: %v", err)
	}
	if err := x.CreateRoom(); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	code := xEvents.next(t, EventRoomCreated).Message.RoomCode
	if err := y.JoinRoom(code); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	yEvents.next(t, EventRoomJoined)
	xEvents.next(t, EventPlayerJoined)
	firstID := y.PlayerID()

	// Server side of y's socket goes away.
	r.drop(1)

	if gone := xEvents.next(t, EventPlayerDisconnected); gone.Message.PlayerID != firstID {
		t.Fatalf("player-disconnected for %q, want %q", gone.Message.PlayerID, firstID)
	}
	if ev := yEvents.next(t, EventReconnecting); ev.Attempt != 1 {
		t.Fatalf("first reconnect attempt=%d", ev.Attempt)
	}
	mock.Add(BackoffDelay(1))

	if ev := yEvents.next(t, EventReconnected); ev.RoomCode != code {
		t.Fatalf("reconnected with room %q, want %q", ev.RoomCode, code)
	}
	yEvents.next(t, EventRoomJoined)

	rejoined := xEvents.next(t, EventPlayerJoined)
	if rejoined.Message.PlayerID == firstID || rejoined.Message.PlayerID != y.PlayerID() {
		t.Fatalf("rejoin player id=%q, first=%q current=%q", rejoined.Message.PlayerID, firstID, y.PlayerID())
	}
	if y.State() != StateConnected {
		t.Fatalf("state=%s, want connected", y.State())
	}
}

func TestClose_EmitsDisconnectedOnce(t *testing.T) {
	r := startRelay(t)
	c := NewChannel(Options{})
	events := record(t, c, EventDisconnected, EventReconnecting)

	if err := c.Connect(context.Background(), r.url); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Close()
	c.Close()
	<-c.Drained()

	events.next(t, EventDisconnected)
	events.none(t)
	if err := c.CreateRoom(); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close err=%v, want ErrClosed", err)
	}
}

func TestEventTypesCoverOutboundMessages(t *testing.T) {
	known := make(map[EventType]bool)
	for _, e := range eventTypes {
		known[e] = true
	}
	for _, typ := range []protocol.Type{
		protocol.TypeConnectionEstablished, protocol.TypeRoomCreated, protocol.TypeRoomJoined,
		protocol.TypePlayerJoined, protocol.TypePlayerDisconnected, protocol.TypeError,
		protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate,
	} {
		if !typ.Outbound() || !known[EventType(typ)] {
			t.Fatalf("outbound type %s has no event", typ)
		}
	}
}
