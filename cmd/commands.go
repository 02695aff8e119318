package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/CadiZhang/space-shooter/internal/game"
)

// parseCommand turns a typed line into a gameplay message.
//
//	move <x> <y> [rotation]   position update
//	say <text>                chat, carried as action data
//	<verb> [args...]          any other action, e.g. "fire"
func parseCommand(line string) (game.Message, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return game.Message{}, fmt.Errorf("empty command")
	}
	verb := strings.ToLower(fields[0])
	args := fields[1:]

	switch verb {
	case "move":
		if len(args) < 2 || len(args) > 3 {
			return game.Message{}, fmt.Errorf("usage: move <x> <y> [rotation]")
		}
		var nums [3]float64
		for i, a := range args {
			v, err := strconv.ParseFloat(a, 64)
			if err != nil {
				return game.Message{}, fmt.Errorf("move: %q is not a number", a)
			}
			nums[i] = v
		}
		return game.Message{
			Type:     game.TypePositionUpdate,
			Position: &game.Position{X: nums[0], Y: nums[1], Rotation: nums[2]},
		}, nil

	case "say":
		if len(args) == 0 {
			return game.Message{}, fmt.Errorf("usage: say <text>")
		}
		return game.Message{Type: game.TypePlayerAction, Action: "say"}.WithData(strings.Join(args, " "))

	default:
		msg := game.Message{Type: game.TypePlayerAction, Action: verb}
		if len(args) > 0 {
			return msg.WithData(args)
		}
		return msg, nil
	}
}

// describe renders a received gameplay message for the event log.
func describe(m game.Message) string {
	switch m.Type {
	case game.TypePositionUpdate:
		if m.Position == nil {
			return fmt.Sprintf("#%d opponent moved", m.Sequence)
		}
		return fmt.Sprintf("#%d opponent at (%.1f, %.1f) heading %.2f",
			m.Sequence, m.Position.X, m.Position.Y, m.Position.Rotation)
	case game.TypePlayerAction:
		if m.Action == "say" {
			var text string
			if err := m.DecodeData(&text); err == nil {
				return fmt.Sprintf("#%d opponent: %s", m.Sequence, text)
			}
		}
		var args []string
		if len(m.Data) > 0 && m.DecodeData(&args) == nil && len(args) > 0 {
			return fmt.Sprintf("#%d opponent %s %s", m.Sequence, m.Action, strings.Join(args, " "))
		}
		return fmt.Sprintf("#%d opponent %s", m.Sequence, m.Action)
	default:
		return fmt.Sprintf("#%d %s", m.Sequence, m.Type)
	}
}
