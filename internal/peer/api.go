package peer

import (
	"log/slog"

	"github.com/pion/transport/v3"
	pion "github.com/pion/webrtc/v4"

	"github.com/CadiZhang/space-shooter/internal/config"
	"github.com/CadiZhang/space-shooter/internal/logging"
)

// DataChannelLabel names the gameplay channel.
const DataChannelLabel = "game"

// NewAPI builds a WebRTC API whose internal logs go to logger. A non-nil
// nw replaces the host network stack (a vnet.Net in tests).
func NewAPI(logger *slog.Logger, nw transport.Net) *pion.API {
	se := pion.SettingEngine{
		LoggerFactory: logging.NewPionFactory(logger),
	}
	if nw != nil {
		se.SetNet(nw)
	}
	return pion.NewAPI(pion.WithSettingEngine(se))
}

// ICEServers returns the STUN and TURN servers from cfg.
func ICEServers(cfg *config.Config) []pion.ICEServer {
	var servers []pion.ICEServer
	if stun := cfg.STUNServers(); stun != nil {
		servers = append(servers, pion.ICEServer{URLs: stun})
	}

	if turn := cfg.TURNServers(); turn != nil {
		username, password := cfg.TURNCredentials()
		servers = append(servers, pion.ICEServer{
			URLs:       turn,
			Username:   username,
			Credential: password,
		})
	}
	return servers
}

func (s *Session) newPeerConnection() (*pion.PeerConnection, error) {
	policy := pion.ICETransportPolicyAll
	if s.opts.RelayOnly {
		policy = pion.ICETransportPolicyRelay
	}

	pc, err := s.api.NewPeerConnection(pion.Configuration{
		ICEServers:         s.opts.ICEServers,
		ICETransportPolicy: policy,
	})
	if err != nil {
		return nil, newError("create peer connection", err)
	}
	return pc, nil
}

// createDataChannel opens the gameplay channel. Position updates are
// superseded by the next one, so the channel is unordered and never
// retransmits.
func createDataChannel(pc *pion.PeerConnection) (*pion.DataChannel, error) {
	ordered := false
	maxRetransmits := uint16(0)

	dc, err := pc.CreateDataChannel(DataChannelLabel, &pion.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		return nil, newError("create data channel", err)
	}
	return dc, nil
}

func createOffer(pc *pion.PeerConnection) (*pion.SessionDescription, error) {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, newError("create offer", err)
	}

	if err = pc.SetLocalDescription(offer); err != nil {
		return nil, newError("set local description", err)
	}

	return pc.LocalDescription(), nil
}

func createAnswer(pc *pion.PeerConnection, offer pion.SessionDescription) (*pion.SessionDescription, error) {
	if err := pc.SetRemoteDescription(offer); err != nil {
		return nil, newError("set remote description", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, newError("create answer", err)
	}

	if err = pc.SetLocalDescription(answer); err != nil {
		return nil, newError("set local description", err)
	}

	return pc.LocalDescription(), nil
}

// detach replaces the callbacks of an old connection with no-ops and
// closes pc. OnOpen is left alone: re-registering it races with pion's
// own open dispatch, and channelOpen already ignores stale generations.
func detach(pc *pion.PeerConnection, dc *pion.DataChannel) {
	if dc != nil {
		dc.OnClose(func() {})
		dc.OnMessage(func(pion.DataChannelMessage) {})
	}
	if pc == nil {
		return
	}
	pc.OnICECandidate(func(*pion.ICECandidate) {})
	pc.OnConnectionStateChange(func(pion.PeerConnectionState) {})
	pc.OnDataChannel(func(*pion.DataChannel) {})
	_ = pc.Close()
}
