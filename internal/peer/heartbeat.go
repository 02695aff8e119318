package peer

import (
	"context"

	"github.com/CadiZhang/space-shooter/internal/game"
)

// startHeartbeatLocked begins probing the data channel for generation gen.
func (s *Session) startHeartbeatLocked(gen uint64) {
	s.stopHeartbeatLocked()
	ctx, cancel := context.WithCancel(context.Background())
	s.stopHeartbeat = cancel

	ticker := s.clock.Ticker(s.opts.HeartbeatInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !s.heartbeatTick(gen) {
					return
				}
			}
		}
	}()
}

func (s *Session) stopHeartbeatLocked() {
	if s.stopHeartbeat != nil {
		s.stopHeartbeat()
		s.stopHeartbeat = nil
	}
}

// heartbeatTick checks liveness and sends the next heartbeat. It returns false
// once the heartbeat for gen should stop.
func (s *Session) heartbeatTick(gen uint64) bool {
	s.mu.Lock()
	if s.gen != gen || s.state != StateConnected {
		s.mu.Unlock()
		return false
	}

	now := s.clock.Now()
	if silent := now.Sub(s.lastAck); silent > s.opts.HeartbeatTimeout {
		s.mu.Unlock()
		s.transportLost(gen, wrapError("heartbeat", ErrHeartbeatTimeout, silent.String()))
		return false
	}

	s.heartbeatSeq++
	s.heartbeatSent = now
	beat := game.Message{
		Type:      game.TypeHeartbeat,
		PlayerID:  s.opts.PlayerID,
		Timestamp: now.UnixMilli(),
		Sequence:  s.heartbeatSeq,
	}
	dc := s.dc
	s.mu.Unlock()

	if err := s.sendFrame(dc, &beat); err != nil {
		s.log.Debug("send heartbeat", "error", err)
		return true
	}
	s.mu.Lock()
	s.stats.HeartbeatsSent++
	s.mu.Unlock()
	return true
}
