package cmd

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/spf13/cobra"

	"github.com/CadiZhang/space-shooter/internal/room"
)

var joinCmd = &cobra.Command{
	Use:     "join <code|link>",
	Aliases: []string{"j"},
	Short:   "Join a room by its code",
	Long: `Join the room behind a six-character code. Codes are not case
sensitive, and a link ending in the code works too.

Examples:
  space-shooter join AB12CD
  space-shooter join ab12cd --relay --turn turn.example.com`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := parseRoomCode(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runMatch(cmd.Context(), cfg, code)
	},
}

// parseRoomCode accepts a bare code or any URL whose last path segment is
// the code.
func parseRoomCode(input string) (string, error) {
	input = strings.TrimSpace(input)
	if u, err := url.Parse(input); err == nil && u.Scheme != "" && u.Host != "" {
		input = path.Base(strings.TrimSuffix(u.Path, "/"))
	}
	code := strings.ToUpper(input)
	if !room.ValidCode(code) {
		return "", fmt.Errorf("invalid room code %q: want %d letters or digits", input, room.CodeLength)
	}
	return code, nil
}

func init() {
	rootCmd.AddCommand(joinCmd)
}
