// Package match turns relay events into peer sessions: who offers, who
// answers, and when a session is replaced.
package match

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v4"

	"github.com/CadiZhang/space-shooter/internal/game"
	"github.com/CadiZhang/space-shooter/internal/peer"
	"github.com/CadiZhang/space-shooter/internal/protocol"
	"github.com/CadiZhang/space-shooter/internal/signaling"
)

// Signaling is the part of *signaling.Channel the coordinator uses.
type Signaling interface {
	peer.Signaler
	Subscribe(t signaling.EventType, fn signaling.Handler) (func(), error)
	PlayerID() string
}

// Options configures a Coordinator.
type Options struct {
	// Peer is the template for every session; PlayerID is filled in from
	// the signaling channel when the session is created, and Sequencer,
	// if nil, with one kept for as long as that player ID holds.
	Peer peer.Options

	// OnSession is called with each new session before it starts, so the
	// caller can attach message and state handlers.
	OnSession func(*peer.Session)

	Logger *slog.Logger
}

// Coordinator owns at most one peer session at a time. All its event
// handlers run on the signaling dispatch goroutine.
type Coordinator struct {
	sig  Signaling
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	roomID  string
	session *peer.Session
	unsubs  []func()
	closed  bool

	// Candidates that arrived while no session could take them; replayed
	// into the next answerer.
	early []pion.ICECandidateInit

	// One sequencer per local player ID, shared by every session that
	// replaces another.
	seq       *game.Sequencer
	seqPlayer string
}

// NewCoordinator creates a coordinator; call Start to begin listening.
func NewCoordinator(sig Signaling, opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Peer.Logger == nil {
		opts.Peer.Logger = opts.Logger
	}
	return &Coordinator{
		sig:  sig,
		opts: opts,
		log:  opts.Logger.With("component", "match"),
	}
}

// Start subscribes to the relay events that drive pairing.
func (c *Coordinator) Start() error {
	handlers := map[signaling.EventType]signaling.Handler{
		signaling.EventRoomCreated:        c.onRoomCreated,
		signaling.EventRoomJoined:         c.onRoomJoined,
		signaling.EventPlayerJoined:       c.onPlayerJoined,
		signaling.EventPlayerDisconnected: c.onPlayerDisconnected,
		signaling.EventOffer:              c.onOffer,
		signaling.EventAnswer:             c.onAnswer,
		signaling.EventICECandidate:       c.onCandidate,
		signaling.EventReconnected:        c.onReconnected,
	}
	for t, fn := range handlers {
		unsub, err := c.sig.Subscribe(t, fn)
		if err != nil {
			c.Close()
			return fmt.Errorf("subscribe %s: %w", t, err)
		}
		c.mu.Lock()
		c.unsubs = append(c.unsubs, unsub)
		c.mu.Unlock()
	}
	return nil
}

// Session returns the current peer session, or nil.
func (c *Coordinator) Session() *peer.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// RoomID returns the room being played in.
func (c *Coordinator) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// Close unsubscribes and closes the current session.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubs := c.unsubs
	c.unsubs = nil
	s := c.session
	c.session = nil
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if s != nil {
		s.Close()
	}
}

func (c *Coordinator) onRoomCreated(ev signaling.Event) {
	c.mu.Lock()
	c.roomID = ev.Message.RoomID
	c.mu.Unlock()
	c.log.Info("room created, waiting for a second player", "room_code", ev.Message.RoomCode)
}

// onRoomJoined: whoever joins answers. A session left from before a
// rejoin is dropped; the other player will offer again.
func (c *Coordinator) onRoomJoined(ev signaling.Event) {
	c.mu.Lock()
	c.roomID = ev.Message.RoomID
	c.mu.Unlock()
	c.replace(nil)
	c.log.Info("joined room, waiting for offer", "room_code", ev.Message.RoomCode)
}

// onPlayerJoined: the occupant already in the room offers. A repeat
// player-joined restarts the existing offerer on a fresh connection.
func (c *Coordinator) onPlayerJoined(ev signaling.Event) {
	c.mu.Lock()
	if ev.Message.RoomID != "" {
		c.roomID = ev.Message.RoomID
	}
	s := c.session
	c.mu.Unlock()

	if s != nil && s.Role() == peer.RoleOfferer && s.State() != peer.StateClosed {
		c.log.Info("player rejoined, restarting negotiation", "player_id", ev.Message.PlayerID)
		if err := s.PeerReturned(); err != nil {
			c.log.Warn("restart after rejoin", "error", err)
		}
		return
	}

	s, err := c.newSession(peer.RoleOfferer)
	if err != nil {
		c.log.Error("create offerer session", "error", err)
		return
	}
	c.log.Info("player joined, sending offer", "player_id", ev.Message.PlayerID)
	if err := s.Start(); err != nil {
		c.log.Warn("start offerer", "error", err)
	}
}

func (c *Coordinator) onPlayerDisconnected(ev signaling.Event) {
	c.log.Info("other player disconnected", "player_id", ev.Message.PlayerID)
	if s := c.Session(); s != nil {
		s.PeerLeft()
	}
}

// onOffer: the first offer creates the answerer; an offer arriving after
// the answerer already answered means the offerer restarted, so the
// answerer is replaced.
func (c *Coordinator) onOffer(ev signaling.Event) {
	var offer pion.SessionDescription
	if err := decode(ev.Message, ev.Message.Offer, &offer); err != nil {
		c.log.Warn("bad offer", "error", err)
		return
	}

	s := c.Session()
	switch {
	case s != nil && s.Role() == peer.RoleOfferer && s.State() != peer.StateClosed:
		c.log.Warn("ignoring offer while offering", "player_id", ev.Message.PlayerID)
		return
	case s == nil || !s.AwaitingOffer():
		var err error
		if s, err = c.newSession(peer.RoleAnswerer); err != nil {
			c.log.Error("create answerer session", "error", err)
			return
		}
	}

	if err := s.HandleOffer(offer); err != nil {
		c.log.Warn("handle offer", "error", err)
	}
}

func (c *Coordinator) onAnswer(ev signaling.Event) {
	var answer pion.SessionDescription
	if err := decode(ev.Message, ev.Message.Answer, &answer); err != nil {
		c.log.Warn("bad answer", "error", err)
		return
	}
	s := c.Session()
	if s == nil || s.Role() != peer.RoleOfferer {
		return
	}
	if err := s.HandleAnswer(answer); err != nil {
		c.log.Warn("handle answer", "error", err)
	}
}

func (c *Coordinator) onCandidate(ev signaling.Event) {
	var cand pion.ICECandidateInit
	if err := decode(ev.Message, ev.Message.Candidate, &cand); err != nil {
		c.log.Warn("bad candidate", "error", err)
		return
	}
	s := c.Session()
	if s == nil || (s.Role() == peer.RoleAnswerer && s.State() == peer.StateDisconnected) {
		c.mu.Lock()
		c.early = append(c.early, cand)
		c.mu.Unlock()
		return
	}
	if err := s.HandleCandidate(cand); err != nil {
		c.log.Debug("handle candidate", "error", err)
	}
}

func (c *Coordinator) onReconnected(ev signaling.Event) {
	c.log.Info("signaling reconnected", "room_code", ev.RoomCode, "attempt", ev.Attempt)
}

// newSession closes the current session and installs a new one.
func (c *Coordinator) newSession(role peer.Role) (*peer.Session, error) {
	roomID := c.RoomID()
	if roomID == "" {
		return nil, fmt.Errorf("no room")
	}

	opts := c.opts.Peer
	opts.PlayerID = c.sig.PlayerID()
	if opts.Sequencer == nil {
		opts.Sequencer = c.sequencer(opts.PlayerID)
	}
	s, err := peer.NewSession(role, roomID, c.sig, opts)
	if err != nil {
		return nil, err
	}
	if !c.replace(s) {
		s.Close()
		return nil, fmt.Errorf("coordinator closed")
	}
	if c.opts.OnSession != nil {
		c.opts.OnSession(s)
	}

	c.mu.Lock()
	early := c.early
	c.early = nil
	c.mu.Unlock()
	if role == peer.RoleAnswerer {
		for _, cand := range early {
			_ = s.HandleCandidate(cand)
		}
	}
	return s, nil
}

func (c *Coordinator) sequencer(playerID string) *game.Sequencer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seq == nil || c.seqPlayer != playerID {
		var now func() time.Time
		if c.opts.Peer.Clock != nil {
			now = c.opts.Peer.Clock.Now
		}
		c.seq = game.NewSequencer(playerID, now)
		c.seqPlayer = playerID
	}
	return c.seq
}

// replace swaps in next, closing the previous session first.
func (c *Coordinator) replace(next *peer.Session) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	prev := c.session
	c.session = nil
	c.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.session = next
	return true
}

func decode(msg *protocol.Message, raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%s without payload", msg.Type)
	}
	return json.Unmarshal(raw, v)
}
