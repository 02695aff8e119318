package cmd

import (
	"github.com/spf13/cobra"
)

var hostCmd = &cobra.Command{
	Use:     "host",
	Aliases: []string{"h", "create"},
	Short:   "Create a room and wait for an opponent",
	Long: `Create a room on the relay and print its code. The match starts as soon
as a second player joins.

Examples:
  space-shooter host
  space-shooter host --server wss://relay.example.com/ws`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runMatch(cmd.Context(), cfg, "")
	},
}

func init() {
	rootCmd.AddCommand(hostCmd)
}
