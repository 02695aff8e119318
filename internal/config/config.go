package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Default configuration values
const (
	DefaultSignalingURL = "ws://localhost:8080/ws"
	DefaultSTUN         = "stun:stun.l.google.com:19302"

	DefaultHeartbeatInterval    = 2 * time.Second
	DefaultHeartbeatTimeout     = 10 * time.Second
	DefaultMaxReconnectAttempts = 5
)

// Config holds the game client's configuration
type Config struct {
	// SignalingURL is the relay's websocket endpoint
	SignalingURL string

	// ICE servers for WebRTC. TURNServer is a bare host, optionally with
	// the turn: scheme; ports are filled in by TURNServers.
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string

	// ForceRelay restricts ICE to TURN candidates
	ForceRelay bool

	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	MaxReconnectAttempts int
}

// Options for loading config with CLI flag overrides. Zero values mean
// "not set on the command line".
type Options struct {
	SignalingURL string
	STUNServer   string
	TURNServer   string
	TURNUser     string
	TURNPass     string
	ForceRelay   bool

	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	MaxReconnectAttempts int
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	cfg := &Config{
		SignalingURL: pick(opts.SignalingURL, "SIGNALING_URL", DefaultSignalingURL),
		STUNServer:   pick(opts.STUNServer, "STUN_SERVER", DefaultSTUN),
		TURNServer:   pick(opts.TURNServer, "TURN_SERVER", ""),
		TURNUser:     pick(opts.TURNUser, "TURN_USERNAME", ""),
		TURNPass:     pick(opts.TURNPass, "TURN_PASSWORD", ""),
		ForceRelay:   opts.ForceRelay,
	}

	if !cfg.ForceRelay {
		if v, ok := os.LookupEnv("FORCE_RELAY"); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("FORCE_RELAY: %w", err)
			}
			cfg.ForceRelay = b
		}
	}

	var err error
	if cfg.HeartbeatInterval, err = pickDuration(opts.HeartbeatInterval, "HEARTBEAT_INTERVAL", DefaultHeartbeatInterval); err != nil {
		return nil, err
	}
	if cfg.HeartbeatTimeout, err = pickDuration(opts.HeartbeatTimeout, "HEARTBEAT_TIMEOUT", DefaultHeartbeatTimeout); err != nil {
		return nil, err
	}
	if cfg.MaxReconnectAttempts, err = pickInt(opts.MaxReconnectAttempts, "MAX_RECONNECT_ATTEMPTS", DefaultMaxReconnectAttempts); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would only fail much later, mid-session.
func (c *Config) Validate() error {
	u, err := url.Parse(c.SignalingURL)
	if err != nil {
		return fmt.Errorf("signaling url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("signaling url %q: scheme must be ws or wss", c.SignalingURL)
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout (%s) must exceed interval (%s)", c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max reconnect attempts must not be negative")
	}
	return nil
}

// STUNServers returns STUN server URLs as strings
func (c *Config) STUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

// TURNServers returns TURN server URLs if configured
func (c *Config) TURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	host := c.TURNServer
	if len(host) > 5 && host[:5] == "turn:" {
		host = host[5:]
	}
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// TURNCredentials returns TURN username and password
func (c *Config) TURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}

// RelayOnly reports whether ICE should be limited to TURN candidates:
// either requested explicitly or detected from the local interfaces.
// Without a TURN server there is nothing to relay through.
func (c *Config) RelayOnly() bool {
	if c.TURNServer == "" {
		return false
	}
	return c.ForceRelay || ShouldForceRelay()
}

func pick(flag, env, def string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return def
}

func pickDuration(flag time.Duration, env string, def time.Duration) (time.Duration, error) {
	if flag > 0 {
		return flag, nil
	}
	if v := os.Getenv(env); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", env, err)
		}
		return d, nil
	}
	return def, nil
}

func pickInt(flag int, env string, def int) (int, error) {
	if flag > 0 {
		return flag, nil
	}
	if v := os.Getenv(env); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", env, err)
		}
		return n, nil
	}
	return def, nil
}
