package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Relay defaults
const (
	DefaultListenAddr    = ":8080"
	DefaultRoomTTL       = time.Hour
	DefaultSweepInterval = time.Minute
	DefaultMessageRate   = 20.0
	DefaultMessageBurst  = 40
)

// ServerConfig is the signaling relay's configuration.
type ServerConfig struct {
	// ListenAddr is the HTTP listen address, e.g. ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// RoomTTL bounds how long a room lives, occupied or not.
	RoomTTL time.Duration `yaml:"room_ttl"`

	// SweepInterval is how often expired rooms are collected.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// AllowedOrigins restricts websocket upgrades. Empty allows all.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// MessageRate is the sustained per-connection message rate (per
	// second). Zero disables limiting.
	MessageRate float64 `yaml:"message_rate"`

	// MessageBurst is the per-connection burst allowance.
	MessageBurst int `yaml:"message_burst"`

	// LogLevel is used when LOG_LEVEL is not set.
	LogLevel string `yaml:"log_level"`
}

// ServerOptions carries command-line overrides. Zero values are unset.
type ServerOptions struct {
	ConfigFile     string
	ListenAddr     string
	RoomTTL        time.Duration
	SweepInterval  time.Duration
	AllowedOrigins []string
	MessageRate    float64
	MessageBurst   int
}

// LoadServer resolves the relay configuration with the priority
// flags > environment > config file > defaults.
func LoadServer(opts ServerOptions) (*ServerConfig, error) {
	cfg := &ServerConfig{
		ListenAddr:    DefaultListenAddr,
		RoomTTL:       DefaultRoomTTL,
		SweepInterval: DefaultSweepInterval,
		MessageRate:   DefaultMessageRate,
		MessageBurst:  DefaultMessageBurst,
		LogLevel:      "info",
	}

	path := opts.ConfigFile
	if path == "" {
		path = os.Getenv("RELAY_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyOptions(opts)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ServerConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *ServerConfig) applyEnv() error {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	} else if v := os.Getenv("PORT"); v != "" {
		c.ListenAddr = ":" + v
	}

	var err error
	if c.RoomTTL, err = pickDuration(0, "ROOM_TTL", c.RoomTTL); err != nil {
		return err
	}
	if c.SweepInterval, err = pickDuration(0, "SWEEP_INTERVAL", c.SweepInterval); err != nil {
		return err
	}
	if c.MessageBurst, err = pickInt(0, "MESSAGE_BURST", c.MessageBurst); err != nil {
		return err
	}
	if v := os.Getenv("MESSAGE_RATE"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("MESSAGE_RATE: %w", err)
		}
		c.MessageRate = r
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitList(v)
	}
	return nil
}

func (c *ServerConfig) applyOptions(opts ServerOptions) {
	if opts.ListenAddr != "" {
		c.ListenAddr = opts.ListenAddr
	}
	if opts.RoomTTL > 0 {
		c.RoomTTL = opts.RoomTTL
	}
	if opts.SweepInterval > 0 {
		c.SweepInterval = opts.SweepInterval
	}
	if len(opts.AllowedOrigins) > 0 {
		c.AllowedOrigins = opts.AllowedOrigins
	}
	if opts.MessageRate > 0 {
		c.MessageRate = opts.MessageRate
	}
	if opts.MessageBurst > 0 {
		c.MessageBurst = opts.MessageBurst
	}
}

// Validate checks that the configuration is usable.
func (c *ServerConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.RoomTTL <= 0 {
		return fmt.Errorf("room_ttl must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	if c.MessageRate < 0 || c.MessageBurst < 0 {
		return fmt.Errorf("message_rate and message_burst must not be negative")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
