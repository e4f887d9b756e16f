// Package config holds the CLI configuration types and their viper loader.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/1ureka/peerlink/internal/signaling"
)

// Role represents which half of the system this process runs.
type Role string

const (
	RoleRelay Role = "relay"
	RolePeer  Role = "peer"
)

// Config stores every parameter gathered from flags, environment and the
// optional config file.
type Config struct {
	Role  Role        `mapstructure:"role"`
	Debug bool        `mapstructure:"debug"`
	Relay RelayConfig `mapstructure:"relay"`
	Peer  PeerConfig  `mapstructure:"peer"`
}

// RelayConfig configures the signaling relay.
type RelayConfig struct {
	Listen         string        `mapstructure:"listen"`          // HTTP listen address
	PIN            string        `mapstructure:"pin"`             // optional access PIN, "" disables the check
	QueueSize      int           `mapstructure:"queue_size"`      // per-link outbound queue capacity
	PingInterval   time.Duration `mapstructure:"ping_interval"`   // heartbeat period; a link is dead after 2 missed pongs
	ReportInterval time.Duration `mapstructure:"report_interval"` // stats reporter period, 0 disables
}

// PeerConfig configures a negotiating peer.
type PeerConfig struct {
	URL                string          `mapstructure:"url"`     // relay WebSocket URL
	Dialect            string          `mapstructure:"dialect"` // "standard" or "alternate"
	Call               string          `mapstructure:"call"`    // target id to call right away
	STUNServers        []string        `mapstructure:"stun_servers"`
	NegotiationTimeout time.Duration   `mapstructure:"negotiation_timeout"`
	MaxRestarts        int             `mapstructure:"max_restarts"`
	Reconnect          ReconnectConfig `mapstructure:"reconnect"`
}

// ReconnectConfig is the relay reconnect backoff policy.
type ReconnectConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			Listen:         ":8080",
			QueueSize:      64,
			PingInterval:   15 * time.Second,
			ReportInterval: 10 * time.Second,
		},
		Peer: PeerConfig{
			Dialect: "standard",
			STUNServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
			NegotiationTimeout: 10 * time.Second,
			MaxRestarts:        1,
			Reconnect: ReconnectConfig{
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     10 * time.Second,
				MaxAttempts:     8,
			},
		},
	}
}

// SetDefaults registers the defaults on v so that Unmarshal sees them even
// for keys that no flag or file provides.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("relay.listen", d.Relay.Listen)
	v.SetDefault("relay.pin", d.Relay.PIN)
	v.SetDefault("relay.queue_size", d.Relay.QueueSize)
	v.SetDefault("relay.ping_interval", d.Relay.PingInterval)
	v.SetDefault("relay.report_interval", d.Relay.ReportInterval)
	v.SetDefault("peer.dialect", d.Peer.Dialect)
	v.SetDefault("peer.stun_servers", d.Peer.STUNServers)
	v.SetDefault("peer.negotiation_timeout", d.Peer.NegotiationTimeout)
	v.SetDefault("peer.max_restarts", d.Peer.MaxRestarts)
	v.SetDefault("peer.reconnect.initial_interval", d.Peer.Reconnect.InitialInterval)
	v.SetDefault("peer.reconnect.max_interval", d.Peer.Reconnect.MaxInterval)
	v.SetDefault("peer.reconnect.max_attempts", d.Peer.Reconnect.MaxAttempts)
}

// Load reads the optional config file, the SIGNAL_* environment and whatever
// has already been bound on v, and returns the validated result.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix("signal")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields the selected role depends on.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleRelay:
		if c.Relay.Listen == "" {
			return fmt.Errorf("relay.listen must not be empty")
		}
		if c.Relay.QueueSize < 4 {
			return fmt.Errorf("relay.queue_size must be at least 4, got %d", c.Relay.QueueSize)
		}
	case RolePeer:
		if _, err := NormalizeWSURL(c.Peer.URL); err != nil {
			return err
		}
		if _, ok := signaling.ParseDialect(c.Peer.Dialect); !ok {
			return fmt.Errorf("peer.dialect must name the standard or alternate dialect, got %q", c.Peer.Dialect)
		}
		if c.Peer.NegotiationTimeout <= 0 {
			return fmt.Errorf("peer.negotiation_timeout must be positive")
		}
		if c.Peer.Reconnect.MaxAttempts < 0 {
			return fmt.Errorf("peer.reconnect.max_attempts must not be negative")
		}
	default:
		return fmt.Errorf("invalid role %q: must be 'relay' or 'peer'", c.Role)
	}
	return nil
}

// NormalizeWSURL validates a raw relay URL and fills in the ws/wss scheme
// and the /ws path when they are missing. Query parameters are kept.
func NormalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("missing relay URL")
	}
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid WebSocket URL scheme: %s", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}
