package cmd

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/CadiZhang/space-shooter/internal/config"
	"github.com/CadiZhang/space-shooter/internal/ui"
	"github.com/CadiZhang/space-shooter/internal/version"
)

var (
	flagServer        string
	flagSTUN          string
	flagTURN          string
	flagTURNUser      string
	flagTURNPass      string
	flagRelay         bool
	flagPlain         bool
	flagHeartbeat     time.Duration
	flagHeartbeatWait time.Duration
	flagMaxReconnects int
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "space-shooter",
	Short: "Two-player space shooter over a peer-to-peer WebRTC link",
	Long: `space-shooter pairs two players through a small signaling relay and then
plays entirely over a direct WebRTC data channel.

One player hosts and shares the six-character room code; the other joins
with it. If the relay connection drops the client reconnects and rejoins
the room on its own.`,
	Version: version.Version,
}

// Execute runs the root command. Interrupts cancel the command's context
// so the match can leave the room cleanly.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ui.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(config.Options{
		SignalingURL:         flagServer,
		STUNServer:           flagSTUN,
		TURNServer:           flagTURN,
		TURNUser:             flagTURNUser,
		TURNPass:             flagTURNPass,
		ForceRelay:           flagRelay,
		HeartbeatInterval:    flagHeartbeat,
		HeartbeatTimeout:     flagHeartbeatWait,
		MaxReconnectAttempts: flagMaxReconnects,
	})
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&flagServer, "server", "s", "", "Signaling relay URL (ws:// or wss://)")
	f.StringVar(&flagSTUN, "stun", "", "Custom STUN server")
	f.StringVarP(&flagTURN, "turn", "t", "", "Custom TURN server")
	f.StringVarP(&flagTURNUser, "turn-user", "u", "", "TURN username")
	f.StringVarP(&flagTURNPass, "turn-pass", "p", "", "TURN password")
	f.BoolVarP(&flagRelay, "relay", "r", false, "Force relay mode (requires --turn)")
	f.BoolVar(&flagPlain, "plain", false, "Line-based output instead of the interactive screen")
	f.DurationVar(&flagHeartbeat, "heartbeat-interval", 0, "Interval between peer heartbeats")
	f.DurationVar(&flagHeartbeatWait, "heartbeat-timeout", 0, "Silence after which the peer link counts as lost")
	f.IntVar(&flagMaxReconnects, "max-reconnects", 0, "Relay reconnect attempts before giving up")
}
