package match

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/transport/v3/vnet"
	pion "github.com/pion/webrtc/v4"

	"github.com/CadiZhang/space-shooter/internal/game"
	"github.com/CadiZhang/space-shooter/internal/peer"
	"github.com/CadiZhang/space-shooter/internal/protocol"
	"github.com/CadiZhang/space-shooter/internal/relay"
	"github.com/CadiZhang/space-shooter/internal/room"
	"github.com/CadiZhang/space-shooter/internal/signaling"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// fakeSignaling records outgoing negotiation and lets the test fire events
// directly into the coordinator's handlers.
type fakeSignaling struct {
	mu       sync.Mutex
	handlers map[signaling.EventType]signaling.Handler
	offers   int
	answers  int
	id       string
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{handlers: make(map[signaling.EventType]signaling.Handler)}
}

func (f *fakeSignaling) Subscribe(t signaling.EventType, fn signaling.Handler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[t] = fn
	return func() {
		f.mu.Lock()
		delete(f.handlers, t)
		f.mu.Unlock()
	}, nil
}

func (f *fakeSignaling) PlayerID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.id == "" {
		return "local"
	}
	return f.id
}

func (f *fakeSignaling) SendOffer(string, any) error {
	f.mu.Lock()
	f.offers++
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaling) SendAnswer(string, any) error {
	f.mu.Lock()
	f.answers++
	f.mu.Unlock()
	return nil
}

func (f *fakeSignaling) SendIceCandidate(string, any) error { return nil }

func (f *fakeSignaling) counts() (offers, answers int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers, f.answers
}

func (f *fakeSignaling) fire(t *testing.T, typ signaling.EventType, msg *protocol.Message) {
	t.Helper()
	f.mu.Lock()
	fn := f.handlers[typ]
	f.mu.Unlock()
	if fn == nil {
		t.Fatalf("no handler for %s", typ)
	}
	msg.Type = protocol.Type(typ)
	fn(signaling.Event{Type: typ, Message: msg})
}

func newTestCoordinator(t *testing.T, sig Signaling) *Coordinator {
	t.Helper()
	c := NewCoordinator(sig, Options{Logger: quietLogger()})
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// remoteOffer produces a real offer from a throwaway peer connection.
func remoteOffer(t *testing.T) json.RawMessage {
	t.Helper()
	pc, err := pion.NewPeerConnection(pion.Configuration{})
	if err != nil {
		t.Fatalf("peer connection: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	if _, err := pc.CreateDataChannel(peer.DataChannelLabel, nil); err != nil {
		t.Fatalf("data channel: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	b, err := json.Marshal(offer)
	if err != nil {
		t.Fatalf("marshal offer: %v", err)
	}
	return b
}

func TestCoordinator_OccupantOffers(t *testing.T) {
	sig := newFakeSignaling()
	c := newTestCoordinator(t, sig)

	sig.fire(t, signaling.EventRoomCreated, &protocol.Message{RoomID: "room-1", RoomCode: "AB12CD"})
	if c.Session() != nil {
		t.Fatalf("session created before a second player joined")
	}

	sig.fire(t, signaling.EventPlayerJoined, &protocol.Message{RoomID: "room-1", PlayerID: "guest"})
	s := c.Session()
	if s == nil || s.Role() != peer.RoleOfferer {
		t.Fatalf("occupant did not become offerer: %+v", s)
	}
	if offers, _ := sig.counts(); offers != 1 {
		t.Fatalf("offers=%d, want 1", offers)
	}

	// The guest came back with a new player ID: same session, fresh offer.
	sig.fire(t, signaling.EventPlayerJoined, &protocol.Message{RoomID: "room-1", PlayerID: "guest-2"})
	if c.Session() != s {
		t.Fatalf("repeat player-joined replaced the offerer session")
	}
	if offers, _ := sig.counts(); offers != 2 {
		t.Fatalf("offers=%d after rejoin, want 2", offers)
	}
	if st := s.Stats(); st.Restarts != 1 {
		t.Fatalf("restarts=%d, want 1", st.Restarts)
	}
}

func TestCoordinator_JoinerAnswers(t *testing.T) {
	sig := newFakeSignaling()
	c := newTestCoordinator(t, sig)

	sig.fire(t, signaling.EventRoomJoined, &protocol.Message{RoomID: "room-1", RoomCode: "AB12CD"})
	if c.RoomID() != "room-1" {
		t.Fatalf("room id=%q", c.RoomID())
	}

	sig.fire(t, signaling.EventOffer, &protocol.Message{RoomID: "room-1", PlayerID: "host", Offer: remoteOffer(t)})
	first := c.Session()
	if first == nil || first.Role() != peer.RoleAnswerer {
		t.Fatalf("joiner did not become answerer: %+v", first)
	}
	if offers, answers := sig.counts(); offers != 0 || answers != 1 {
		t.Fatalf("offers=%d answers=%d, want 0/1", offers, answers)
	}

	// A second offer means the other side restarted.
	sig.fire(t, signaling.EventOffer, &protocol.Message{RoomID: "room-1", PlayerID: "host", Offer: remoteOffer(t)})
	second := c.Session()
	if second == first {
		t.Fatalf("restart offer reused the answered session")
	}
	if first.State() != peer.StateClosed {
		t.Fatalf("replaced session state=%s, want closed", first.State())
	}
	if _, answers := sig.counts(); answers != 2 {
		t.Fatalf("answers=%d, want 2", answers)
	}
}

func TestCoordinator_SequenceSurvivesAnswererReplacement(t *testing.T) {
	sig := newFakeSignaling()
	c := newTestCoordinator(t, sig)

	sig.fire(t, signaling.EventRoomJoined, &protocol.Message{RoomID: "room-1", RoomCode: "AB12CD"})
	sig.fire(t, signaling.EventOffer, &protocol.Message{RoomID: "room-1", PlayerID: "host", Offer: remoteOffer(t)})
	first := c.Session()
	seq := c.sequencer("local")

	// Messages sent on the first link.
	for i := 0; i < 3; i++ {
		var m game.Message
		seq.Stamp(&m)
	}

	sig.fire(t, signaling.EventOffer, &protocol.Message{RoomID: "room-1", PlayerID: "host", Offer: remoteOffer(t)})
	if c.Session() == first {
		t.Fatalf("restart offer reused the answered session")
	}
	if got := c.sequencer("local"); got != seq {
		t.Fatalf("replacement session got a new sequencer")
	}
	var next game.Message
	seq.Stamp(&next)
	if next.Sequence != 4 || next.PlayerID != "local" {
		t.Fatalf("next message=%+v, want sequence 4 from local", next)
	}

	// A new identity on the relay starts its own numbering.
	sig.mu.Lock()
	sig.id = "local-2"
	sig.mu.Unlock()
	sig.fire(t, signaling.EventOffer, &protocol.Message{RoomID: "room-1", PlayerID: "host", Offer: remoteOffer(t)})
	fresh := c.sequencer("local-2")
	if fresh == seq || fresh.Last() != 0 {
		t.Fatalf("new player id reused the old sequencer (last=%d)", fresh.Last())
	}
}

func TestCoordinator_IgnoresOfferWhileOffering(t *testing.T) {
	sig := newFakeSignaling()
	c := newTestCoordinator(t, sig)

	sig.fire(t, signaling.EventRoomCreated, &protocol.Message{RoomID: "room-1"})
	sig.fire(t, signaling.EventPlayerJoined, &protocol.Message{RoomID: "room-1", PlayerID: "guest"})
	s := c.Session()

	sig.fire(t, signaling.EventOffer, &protocol.Message{RoomID: "room-1", PlayerID: "guest", Offer: remoteOffer(t)})
	if c.Session() != s || s.Role() != peer.RoleOfferer {
		t.Fatalf("offer replaced the offerer")
	}
	if _, answers := sig.counts(); answers != 0 {
		t.Fatalf("offerer answered an offer")
	}
}

func TestCoordinator_PeerLeftDisconnects(t *testing.T) {
	sig := newFakeSignaling()
	c := newTestCoordinator(t, sig)

	sig.fire(t, signaling.EventRoomCreated, &protocol.Message{RoomID: "room-1"})
	sig.fire(t, signaling.EventPlayerJoined, &protocol.Message{RoomID: "room-1", PlayerID: "guest"})
	sig.fire(t, signaling.EventPlayerDisconnected, &protocol.Message{RoomID: "room-1", PlayerID: "guest"})

	if st := c.Session().State(); st != peer.StateDisconnected {
		t.Fatalf("state=%s, want disconnected", st)
	}
}

func TestCoordinator_CloseUnsubscribes(t *testing.T) {
	sig := newFakeSignaling()
	c := NewCoordinator(sig, Options{Logger: quietLogger()})
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Close()
	c.Close()

	sig.mu.Lock()
	n := len(sig.handlers)
	sig.mu.Unlock()
	if n != 0 {
		t.Fatalf("%d handlers left after Close", n)
	}
}

func startRelay(t *testing.T) string {
	t.Helper()

	hub := relay.NewHub(room.NewRegistry(), relay.HubConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.ServeConn(conn)
	}))
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func newVNetPair(t *testing.T) (*vnet.Net, *vnet.Net) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	for _, n := range []*vnet.Net{netA, netB} {
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net: %v", err)
		}
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return netA, netB
}

type player struct {
	ch    *signaling.Channel
	coord *Coordinator
	inbox chan game.Message
}

func newPlayer(t *testing.T, url string, nw *vnet.Net) *player {
	t.Helper()
	logger := quietLogger()

	p := &player{inbox: make(chan game.Message, 64)}
	p.ch = signaling.NewChannel(signaling.Options{Logger: logger})
	t.Cleanup(func() { p.ch.Close() })

	p.coord = NewCoordinator(p.ch, Options{
		Peer: peer.Options{
			API:               peer.NewAPI(logger, nw),
			HeartbeatInterval: 100 * time.Millisecond,
			HeartbeatTimeout:  time.Second,
		},
		OnSession: func(s *peer.Session) {
			s.OnMessage(func(m game.Message) { p.inbox <- m })
		},
		Logger: logger,
	})
	if err := p.coord.Start(); err != nil {
		t.Fatalf("coordinator start: %v", err)
	}
	t.Cleanup(p.coord.Close)

	if err := p.ch.Connect(context.Background(), url); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return p
}

func (p *player) state() peer.State {
	s := p.coord.Session()
	if s == nil {
		return peer.StateIdle
	}
	return s.State()
}

func TestCoordinator_PairsOverRelay(t *testing.T) {
	url := startRelay(t)
	netA, netB := newVNetPair(t)

	host := newPlayer(t, url, netA)
	codes := make(chan string, 1)
	if _, err := host.ch.Subscribe(signaling.EventRoomCreated, func(ev signaling.Event) {
		codes <- ev.Message.RoomCode
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := host.ch.CreateRoom(); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	var code string
	select {
	case code = <-codes:
	case <-time.After(5 * time.Second):
		t.Fatalf("room never created")
	}

	guest := newPlayer(t, url, netB)
	if err := guest.ch.JoinRoom(code); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	waitFor(t, "both players connected", func() bool {
		return host.state() == peer.StateConnected && guest.state() == peer.StateConnected
	})
	if host.coord.Session().Role() != peer.RoleOfferer || guest.coord.Session().Role() != peer.RoleAnswerer {
		t.Fatalf("roles: host=%s guest=%s", host.coord.Session().Role(), guest.coord.Session().Role())
	}

	ok := host.coord.Session().SendMessage(game.Message{
		Type:     game.TypePositionUpdate,
		Position: &game.Position{X: 3, Y: 4, Rotation: 1.5},
	})
	if !ok {
		t.Fatalf("SendMessage failed on a connected session")
	}
	select {
	case m := <-guest.inbox:
		if m.PlayerID != host.ch.PlayerID() || m.Position == nil || m.Position.Rotation != 1.5 {
			t.Fatalf("received %+v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("position never arrived")
	}

	// The host leaves the relay: the guest learns about it from the relay
	// and waits without offering.
	host.coord.Close()
	host.ch.Close()
	waitFor(t, "guest disconnected", func() bool {
		return guest.state() == peer.StateDisconnected
	})
	time.Sleep(1500 * time.Millisecond)
	if st := guest.state(); st != peer.StateDisconnected {
		t.Fatalf("guest left disconnected on its own: %s", st)
	}
}
