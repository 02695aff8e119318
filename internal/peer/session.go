// Package peer runs one player's side of the WebRTC data channel:
// negotiation over the relay, heartbeat liveness and offerer-driven
// restarts.
package peer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	pion "github.com/pion/webrtc/v4"

	"github.com/CadiZhang/space-shooter/internal/game"
)

const (
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultHeartbeatTimeout  = 10 * time.Second
	DefaultRestartDelay      = 1 * time.Second
)

// Signaler delivers negotiation messages to the other player of a room.
// *signaling.Channel satisfies it.
type Signaler interface {
	SendOffer(roomID string, sdp any) error
	SendAnswer(roomID string, sdp any) error
	SendIceCandidate(roomID string, candidate any) error
}

// Options configures a Session.
type Options struct {
	// PlayerID stamps outgoing gameplay messages.
	PlayerID string
	// Sequencer numbers outgoing gameplay messages. Sessions that replace
	// one another for the same player must share it; nil creates one
	// from PlayerID.
	Sequencer *game.Sequencer

	ICEServers []pion.ICEServer
	RelayOnly  bool

	// API builds peer connections. Nil uses NewAPI(Logger, nil).
	API *pion.API

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	RestartDelay      time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Stats counts what a session has done so far.
type Stats struct {
	MessagesSent       uint64
	MessagesReceived   uint64
	MessagesDropped    uint64
	HeartbeatsSent     uint64
	HeartbeatAcks      uint64
	LastRTT            time.Duration
	OffersSent         uint64
	AnswersSent        uint64
	CandidatesSent     uint64
	CandidatesReceived uint64
	Restarts           uint64
}

// Session owns one logical peer link. The underlying peer connection is
// replaced on every restart; gen identifies the current one, and callbacks
// from older generations are ignored.
type Session struct {
	role   Role
	roomID string
	sig    Signaler
	opts   Options
	api    *pion.API
	clock  clock.Clock
	log    *slog.Logger
	seq    *game.Sequencer

	mu          sync.Mutex
	state       State
	gen         uint64
	pc          *pion.PeerConnection
	dc          *pion.DataChannel
	remoteSet   bool
	pending     []pion.ICECandidateInit
	peerPresent bool

	// Local candidates are held until this generation's offer or answer
	// has gone out.
	signaled bool
	outgoing []pion.ICECandidateInit

	// Per-connection timers; cancelled together on every exit path.
	stopHeartbeat context.CancelFunc
	restartTimer  *clock.Timer

	heartbeatSeq  uint64
	heartbeatSent time.Time
	lastAck       time.Time

	stats Stats

	onMessage func(game.Message)
	onState   func(from, to State)
}

// NewSession creates an idle session for roomID.
func NewSession(role Role, roomID string, sig Signaler, opts Options) (*Session, error) {
	if sig == nil {
		return nil, fmt.Errorf("new session: nil signaler")
	}
	if roomID == "" {
		return nil, fmt.Errorf("new session: empty room id")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.API == nil {
		opts.API = NewAPI(opts.Logger, nil)
	}
	if opts.Sequencer == nil {
		opts.Sequencer = game.NewSequencer(opts.PlayerID, opts.Clock.Now)
	}

	return &Session{
		role:        role,
		roomID:      roomID,
		sig:         sig,
		opts:        opts,
		api:         opts.API,
		clock:       opts.Clock,
		log:         opts.Logger.With("role", role.String(), "room_id", roomID),
		seq:         opts.Sequencer,
		peerPresent: true,
	}, nil
}

// Role returns the session's fixed role.
func (s *Session) Role() Role { return s.role }

// RoomID returns the room the session negotiates in.
func (s *Session) RoomID() string { return s.roomID }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AwaitingOffer reports whether an answerer can still take an offer.
func (s *Session) AwaitingOffer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.role != RoleAnswerer {
		return false
	}
	return s.state == StateIdle || (s.state == StateNegotiating && !s.remoteSet)
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// OnMessage sets the handler for gameplay messages. Heartbeats never
// reach it.
func (s *Session) OnMessage(fn func(game.Message)) {
	s.mu.Lock()
	s.onMessage = fn
	s.mu.Unlock()
}

// OnStateChange sets the handler for state transitions.
func (s *Session) OnStateChange(fn func(from, to State)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

// Start begins negotiation. The offerer opens the data channel and sends
// an offer; the answerer prepares to receive one.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.state != StateIdle {
		st := s.state
		s.mu.Unlock()
		if st == StateClosed {
			return ErrClosed
		}
		return nil
	}
	n := s.transition(StateNegotiating)
	s.mu.Unlock()
	n.fire()

	return s.negotiate()
}

// negotiate builds a fresh peer connection for the current generation.
func (s *Session) negotiate() error {
	pc, err := s.newPeerConnection()
	if err != nil {
		s.fail(0, err)
		return err
	}

	s.mu.Lock()
	if s.state != StateNegotiating || s.pc != nil {
		s.mu.Unlock()
		_ = pc.Close()
		return nil
	}
	s.gen++
	gen := s.gen
	s.pc = pc
	s.remoteSet = false
	s.signaled = false
	s.outgoing = nil
	s.mu.Unlock()

	s.wire(gen, pc)

	if s.role == RoleAnswerer {
		return nil
	}

	dc, err := createDataChannel(pc)
	if err != nil {
		s.fail(gen, err)
		return err
	}
	s.attach(gen, dc)

	offer, err := createOffer(pc)
	if err != nil {
		s.fail(gen, err)
		return err
	}
	if err := s.sig.SendOffer(s.roomID, offer); err != nil {
		err = newError("send offer", err)
		s.fail(gen, err)
		return err
	}

	s.mu.Lock()
	s.stats.OffersSent++
	s.mu.Unlock()
	s.log.Debug("offer sent", "generation", gen)
	s.flushCandidates(gen)
	return nil
}

// wire installs the peer connection callbacks for generation gen.
func (s *Session) wire(gen uint64, pc *pion.PeerConnection) {
	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			return
		}
		cand := c.ToJSON()
		s.mu.Lock()
		if s.gen != gen || s.state == StateClosed {
			s.mu.Unlock()
			return
		}
		if !s.signaled {
			s.outgoing = append(s.outgoing, cand)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.sendCandidate(gen, cand)
	})

	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		s.log.Debug("peer connection state", "state", state.String(), "generation", gen)
		if state == pion.PeerConnectionStateFailed || state == pion.PeerConnectionStateClosed {
			s.transportLost(gen, wrapError("peer connection", ErrConnectionFailed, state.String()))
		}
	})

	pc.OnDataChannel(func(dc *pion.DataChannel) {
		if dc.Label() != DataChannelLabel {
			return
		}
		s.attach(gen, dc)
	})
}

func (s *Session) attach(gen uint64, dc *pion.DataChannel) {
	s.mu.Lock()
	if s.gen != gen || s.state == StateClosed {
		s.mu.Unlock()
		_ = dc.Close()
		return
	}
	s.dc = dc
	s.mu.Unlock()

	dc.OnOpen(func() { s.channelOpen(gen) })
	dc.OnClose(func() { s.transportLost(gen, newError("data channel", ErrChannelClosed)) })
	dc.OnMessage(func(m pion.DataChannelMessage) { s.receive(gen, m.Data) })
}

// flushCandidates marks gen's description as sent and releases the
// candidates gathered before it.
func (s *Session) flushCandidates(gen uint64) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.signaled = true
	queued := s.outgoing
	s.outgoing = nil
	s.mu.Unlock()

	for _, c := range queued {
		s.sendCandidate(gen, c)
	}
}

func (s *Session) sendCandidate(gen uint64, c pion.ICECandidateInit) {
	if !s.current(gen) {
		return
	}
	if err := s.sig.SendIceCandidate(s.roomID, c); err != nil {
		s.log.Debug("send candidate", "error", err)
		return
	}
	s.mu.Lock()
	s.stats.CandidatesSent++
	s.mu.Unlock()
}

// HandleOffer applies a remote offer and answers it. Answerer only.
func (s *Session) HandleOffer(offer pion.SessionDescription) error {
	if s.role != RoleAnswerer {
		return wrapError("handle offer", ErrWrongRole, s.role.String())
	}
	if offer.Type != pion.SDPTypeOffer {
		return wrapError("handle offer", ErrUnexpectedSignal, offer.Type.String())
	}
	if err := s.Start(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateNegotiating || s.pc == nil || s.remoteSet {
		st := s.state
		s.mu.Unlock()
		return wrapError("handle offer", ErrUnexpectedSignal, "session is "+st.String())
	}
	pc, gen := s.pc, s.gen
	s.mu.Unlock()

	answer, err := createAnswer(pc, offer)
	if err != nil {
		s.fail(gen, err)
		return err
	}
	s.remoteApplied(gen)

	if err := s.sig.SendAnswer(s.roomID, answer); err != nil {
		err = newError("send answer", err)
		s.fail(gen, err)
		return err
	}
	s.mu.Lock()
	s.stats.AnswersSent++
	s.mu.Unlock()
	s.flushCandidates(gen)
	return nil
}

// HandleAnswer applies the remote answer. Offerer only; an answer that
// does not belong to the negotiation in progress is ignored.
func (s *Session) HandleAnswer(answer pion.SessionDescription) error {
	if s.role != RoleOfferer {
		return wrapError("handle answer", ErrWrongRole, s.role.String())
	}
	if answer.Type != pion.SDPTypeAnswer {
		return wrapError("handle answer", ErrUnexpectedSignal, answer.Type.String())
	}

	s.mu.Lock()
	if s.state != StateNegotiating || s.pc == nil || s.remoteSet {
		s.mu.Unlock()
		s.log.Debug("ignoring stale answer")
		return nil
	}
	pc, gen := s.pc, s.gen
	s.mu.Unlock()

	if err := pc.SetRemoteDescription(answer); err != nil {
		err = newError("set remote description", err)
		s.fail(gen, err)
		return err
	}
	s.remoteApplied(gen)
	return nil
}

// HandleCandidate applies a remote candidate, or holds it until the
// remote description is in place.
func (s *Session) HandleCandidate(c pion.ICECandidateInit) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.stats.CandidatesReceived++
	if s.pc == nil || !s.remoteSet {
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		return nil
	}
	pc := s.pc
	s.mu.Unlock()

	if err := pc.AddICECandidate(c); err != nil {
		return newError("add ICE candidate", err)
	}
	return nil
}

// remoteApplied marks the remote description set and flushes candidates
// that arrived early.
func (s *Session) remoteApplied(gen uint64) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	pc := s.pc
	s.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			s.log.Debug("add buffered candidate", "error", err)
		}
	}
}

// PeerLeft records that the other player left the room. The session goes
// to Disconnected and does not restart until PeerReturned.
func (s *Session) PeerLeft() {
	s.mu.Lock()
	s.peerPresent = false
	s.stopRestartLocked()
	var n notice
	if s.state == StateNegotiating || s.state == StateConnected {
		s.stopHeartbeatLocked()
		n = s.transition(StateDisconnected)
	}
	s.mu.Unlock()
	n.fire()
}

// PeerReturned records that a player (re)joined the room. An offerer
// renegotiates immediately on a fresh peer connection.
func (s *Session) PeerReturned() error {
	if s.role != RoleOfferer {
		return wrapError("peer returned", ErrWrongRole, s.role.String())
	}

	s.mu.Lock()
	s.peerPresent = true
	switch s.state {
	case StateIdle:
		s.mu.Unlock()
		return s.Start()
	case StateClosed:
		s.mu.Unlock()
		return ErrClosed
	case StateNegotiating, StateConnected:
		s.stopHeartbeatLocked()
		n := s.transition(StateDisconnected)
		s.mu.Unlock()
		n.fire()
	default:
		s.mu.Unlock()
	}
	return s.restart()
}

// transportLost moves a negotiating or connected session to Disconnected.
// The offerer schedules a restart if the other player is still there.
func (s *Session) transportLost(gen uint64, cause error) {
	s.mu.Lock()
	if s.gen != gen || (s.state != StateNegotiating && s.state != StateConnected) {
		s.mu.Unlock()
		return
	}
	s.log.Info("peer link lost", "error", cause)
	s.stopHeartbeatLocked()
	n := s.transition(StateDisconnected)
	if s.role == RoleOfferer && s.peerPresent {
		s.scheduleRestartLocked()
	}
	s.mu.Unlock()
	n.fire()
}

// fail handles a local negotiation error for generation gen (0 means
// the current one).
func (s *Session) fail(gen uint64, err error) {
	s.mu.Lock()
	if gen == 0 {
		gen = s.gen
	}
	s.mu.Unlock()
	s.log.Warn("negotiation failed", "error", err)
	s.transportLost(gen, err)
}

func (s *Session) scheduleRestartLocked() {
	s.stopRestartLocked()
	s.restartTimer = s.clock.AfterFunc(s.opts.RestartDelay, func() {
		if err := s.restart(); err != nil {
			s.log.Warn("restart failed", "error", err)
		}
	})
}

func (s *Session) stopRestartLocked() {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
}

// restart closes the current peer connection and negotiates a new one in
// the same room.
func (s *Session) restart() error {
	s.mu.Lock()
	if s.state != StateDisconnected || !s.peerPresent {
		s.mu.Unlock()
		return nil
	}
	s.stopRestartLocked()
	n1 := s.transition(StateRestarting)
	pc, dc := s.pc, s.dc
	s.pc, s.dc = nil, nil
	s.gen++
	s.remoteSet = false
	s.pending = nil
	s.signaled = false
	s.outgoing = nil
	s.stats.Restarts++
	s.mu.Unlock()
	n1.fire()

	// The old connection must be gone before the next one exists.
	detach(pc, dc)

	s.mu.Lock()
	if s.state != StateRestarting {
		s.mu.Unlock()
		return nil
	}
	n2 := s.transition(StateNegotiating)
	s.mu.Unlock()
	n2.fire()

	s.log.Info("restarting negotiation")
	return s.negotiate()
}

// Close ends the session and releases the peer connection.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.stopHeartbeatLocked()
	s.stopRestartLocked()
	n := s.transition(StateClosed)
	pc, dc := s.pc, s.dc
	s.pc, s.dc = nil, nil
	s.gen++
	s.mu.Unlock()
	n.fire()

	detach(pc, dc)
	return nil
}

// SendMessage stamps msg and sends it to the other player. It returns
// false, without retrying, when the session is not connected or the send
// fails.
func (s *Session) SendMessage(msg game.Message) bool {
	if msg.Type.Control() {
		return false
	}

	s.mu.Lock()
	dc := s.dc
	ok := s.state == StateConnected && dc != nil && dc.ReadyState() == pion.DataChannelStateOpen
	if !ok {
		s.stats.MessagesDropped++
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	s.seq.Stamp(&msg)
	if err := s.sendFrame(dc, &msg); err != nil {
		s.log.Debug("send message", "type", msg.Type, "error", err)
		s.mu.Lock()
		s.stats.MessagesDropped++
		s.mu.Unlock()
		return false
	}

	s.mu.Lock()
	s.stats.MessagesSent++
	s.mu.Unlock()
	return true
}

func (s *Session) sendFrame(dc *pion.DataChannel, msg *game.Message) error {
	if dc == nil {
		return newError("send", ErrChannelClosed)
	}
	data, err := game.Encode(msg)
	if err != nil {
		return err
	}
	return dc.Send(data)
}

// receive handles one data channel frame.
func (s *Session) receive(gen uint64, data []byte) {
	msg, err := game.Decode(data)
	if err != nil {
		s.log.Debug("dropping frame", "error", err)
		return
	}

	s.mu.Lock()
	if s.gen != gen || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	switch msg.Type {
	case game.TypeHeartbeat:
		dc := s.dc
		s.mu.Unlock()
		ack := game.Message{
			Type:      game.TypeHeartbeatAck,
			PlayerID:  s.opts.PlayerID,
			Timestamp: s.clock.Now().UnixMilli(),
			Sequence:  msg.Sequence,
		}
		if err := s.sendFrame(dc, &ack); err != nil {
			s.log.Debug("send heartbeat ack", "error", err)
		}
		return

	case game.TypeHeartbeatAck:
		s.lastAck = s.clock.Now()
		s.stats.HeartbeatAcks++
		if msg.Sequence == s.heartbeatSeq {
			s.stats.LastRTT = s.lastAck.Sub(s.heartbeatSent)
		}
		s.mu.Unlock()
		return
	}

	s.stats.MessagesReceived++
	fn := s.onMessage
	s.mu.Unlock()

	if fn != nil {
		fn(*msg)
	}
}

// channelOpen marks the session connected and starts the heartbeat.
func (s *Session) channelOpen(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.state != StateNegotiating {
		s.mu.Unlock()
		return
	}
	n := s.transition(StateConnected)
	s.lastAck = s.clock.Now()
	s.startHeartbeatLocked(gen)
	s.mu.Unlock()
	n.fire()
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen && s.state != StateClosed
}

// notice is a state change to report once the lock is released.
type notice struct {
	fn       func(from, to State)
	from, to State
}

func (n notice) fire() {
	if n.fn != nil {
		n.fn(n.from, n.to)
	}
}

// transition must be called with s.mu held.
func (s *Session) transition(to State) notice {
	from := s.state
	if !CanTransition(s.role, from, to) {
		s.log.Error("invalid transition", "from", from.String(), "to", to.String())
		return notice{}
	}
	s.state = to
	s.log.Debug("state change", "from", from.String(), "to", to.String())
	return notice{fn: s.onState, from: from, to: to}
}
