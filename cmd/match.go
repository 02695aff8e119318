package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/CadiZhang/space-shooter/internal/config"
	"github.com/CadiZhang/space-shooter/internal/game"
	"github.com/CadiZhang/space-shooter/internal/match"
	"github.com/CadiZhang/space-shooter/internal/peer"
	"github.com/CadiZhang/space-shooter/internal/signaling"
	"github.com/CadiZhang/space-shooter/internal/ui"
)

const roomReplyTimeout = 10 * time.Second

var errNoReply = errors.New("no reply from relay")

// runMatch connects to the relay, creates a room (code == "") or joins
// one, and plays until the player leaves.
func runMatch(ctx context.Context, cfg *config.Config, code string) error {
	logger := slog.Default()

	ch := signaling.NewChannel(signaling.Options{
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		Logger:               logger,
	})
	defer ch.Close()

	var coord *match.Coordinator
	submit := func(line string) string {
		return sendCommand(coord.Session(), line)
	}

	var screen ui.Screen
	if flagPlain || !isatty.IsTerminal(os.Stdout.Fd()) {
		screen = ui.NewPlainScreen(os.Stdin, os.Stdout, submit)
	} else {
		screen = ui.NewTerminalScreen("Space Shooter", submit)
	}

	coord = match.NewCoordinator(ch, match.Options{
		Peer: peer.Options{
			ICEServers:        peer.ICEServers(cfg),
			RelayOnly:         cfg.RelayOnly(),
			HeartbeatInterval: cfg.HeartbeatInterval,
			HeartbeatTimeout:  cfg.HeartbeatTimeout,
			Logger:            logger,
		},
		OnSession: func(s *peer.Session) {
			s.OnMessage(func(m game.Message) { screen.Log(describe(m)) })
			s.OnStateChange(func(_, to peer.State) {
				screen.SetStatus(statusText(s.Role(), to))
			})
		},
		Logger: logger,
	})
	if err := coord.Start(); err != nil {
		return err
	}
	defer coord.Close()

	reply, err := watchRelay(ch, screen)
	if err != nil {
		return err
	}

	sp := ui.NewConnectionSpinner("Connecting to relay...").Start()
	if err := ch.Connect(ctx, cfg.SignalingURL); err != nil {
		sp.Error("Could not reach the relay")
		return fmt.Errorf("connect to %s: %w", cfg.SignalingURL, err)
	}
	sp.Success("Connected to relay")

	if code == "" {
		ev, err := reply.await(ctx, ch.CreateRoom)
		if err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		ui.RenderRoomCode(ev.Message.RoomCode)
		screen.SetStatus(ui.IconWaiting+" Waiting for an opponent to join", true)
	} else {
		if _, err := reply.await(ctx, func() error { return ch.JoinRoom(code) }); err != nil {
			return fmt.Errorf("join room %s: %w", code, err)
		}
		ui.PrintSuccessf("Joined room %s", code)
		screen.SetStatus(ui.IconWaiting+" Waiting for the host's offer", true)
	}

	started := time.Now()
	runErr := screen.Run(ctx)

	summary := ui.SessionSummary{RoomCode: ch.RoomCode(), Duration: time.Since(started)}
	if s := coord.Session(); s != nil {
		summary.Role = s.Role()
		summary.Stats = s.Stats()
		summary.State = s.State()
	}
	fmt.Println()
	ui.RenderSummary(summary)
	return runErr
}

// roomReply hands the first room-created, room-joined or error event after
// a request back to the caller.
type roomReply struct {
	waiting atomic.Bool
	ch      chan signaling.Event
}

func (r *roomReply) offer(ev signaling.Event) bool {
	if !r.waiting.CompareAndSwap(true, false) {
		return false
	}
	r.ch <- ev
	return true
}

func (r *roomReply) await(ctx context.Context, request func() error) (signaling.Event, error) {
	r.waiting.Store(true)
	defer r.waiting.Store(false)
	if err := request(); err != nil {
		return signaling.Event{}, err
	}

	timer := time.NewTimer(roomReplyTimeout)
	defer timer.Stop()
	select {
	case ev := <-r.ch:
		if ev.Type == signaling.EventError {
			return ev, errors.New(ev.Message.Error)
		}
		return ev, nil
	case <-timer.C:
		return signaling.Event{}, errNoReply
	case <-ctx.Done():
		return signaling.Event{}, ctx.Err()
	}
}

// watchRelay reports relay-level events on the screen.
func watchRelay(ch *signaling.Channel, screen ui.Screen) (*roomReply, error) {
	reply := &roomReply{ch: make(chan signaling.Event, 1)}

	handlers := map[signaling.EventType]signaling.Handler{
		signaling.EventRoomCreated: func(ev signaling.Event) { reply.offer(ev) },
		signaling.EventRoomJoined: func(ev signaling.Event) {
			if !reply.offer(ev) {
				screen.Log(ui.SuccessStyle.Render("rejoined room " + ev.Message.RoomCode))
			}
		},
		signaling.EventError: func(ev signaling.Event) {
			if !reply.offer(ev) {
				screen.Log(ui.ErrorStyle.Render("relay: " + ev.Message.Error))
			}
		},
		signaling.EventPlayerJoined: func(ev signaling.Event) {
			screen.Log(ui.IconPeer + " opponent joined")
		},
		signaling.EventPlayerDisconnected: func(ev signaling.Event) {
			screen.Log(ui.IconPeer + " opponent left the room")
		},
		signaling.EventReconnecting: func(ev signaling.Event) {
			screen.Log(ui.WarningStyle.Render(fmt.Sprintf("relay lost, reconnecting (%d/%d)", ev.Attempt, ev.MaxAttempts)))
		},
		signaling.EventReconnected: func(ev signaling.Event) {
			screen.Log(ui.IconConnect + " relay reconnected")
		},
		signaling.EventMaxReconnectAttempts: func(ev signaling.Event) {
			screen.Log(ui.ErrorStyle.Render(fmt.Sprintf("relay: %v; the current match continues without it", ev.Err)))
		},
	}
	for t, fn := range handlers {
		if _, err := ch.Subscribe(t, fn); err != nil {
			return nil, err
		}
	}
	return reply, nil
}

func sendCommand(s *peer.Session, line string) string {
	msg, err := parseCommand(line)
	if err != nil {
		return ui.WarningStyle.Render(err.Error())
	}
	if s == nil || !s.SendMessage(msg) {
		return ui.MutedStyle.Render("not connected, dropped: " + line)
	}
	return ui.MutedStyle.Render("> " + line)
}

func statusText(role peer.Role, st peer.State) (string, bool) {
	switch st {
	case peer.StateNegotiating:
		return "Negotiating peer connection...", true
	case peer.StateConnected:
		return fmt.Sprintf("Connected as %s", role), false
	case peer.StateDisconnected:
		if role == peer.RoleAnswerer {
			return "Connection lost, waiting for the host to reconnect", true
		}
		return "Connection lost, waiting to reconnect", true
	case peer.StateRestarting:
		return "Restarting peer connection...", true
	case peer.StateClosed:
		return "Match over", false
	default:
		return st.String(), false
	}
}
