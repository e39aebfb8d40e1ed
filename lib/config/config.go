// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete tether configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Channel   ChannelConfig   `yaml:"channel"`
	Router    RouterConfig    `yaml:"router"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Payload   PayloadConfig   `yaml:"payload"`
	Mediums   MediumsConfig   `yaml:"mediums"`
}

// LogConfig configures the slog handler built by the daemon.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// ChannelConfig bounds channel framing and liveness.
type ChannelConfig struct {
	// MaxFrameSize is the largest frame body a channel accepts.
	MaxFrameSize int `yaml:"max_frame_size"`

	// KeepAliveInterval is how often an idle endpoint is pinged.
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`

	// KeepAliveTimeout disconnects an endpoint that has sent nothing
	// for this long.
	KeepAliveTimeout time.Duration `yaml:"keep_alive_timeout"`
}

// RouterConfig configures the command router.
type RouterConfig struct {
	// TeardownTimeout bounds Close. Exceeding it is fatal.
	TeardownTimeout time.Duration `yaml:"teardown_timeout"`
}

// DiscoveryConfig configures endpoint discovery.
type DiscoveryConfig struct {
	// PollInterval is how often the directory is browsed.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Peers are statically known endpoints, reported as discovered
	// when their service id matches.
	Peers []Peer `yaml:"peers"`
}

// Peer is one statically configured endpoint.
type Peer struct {
	EndpointID   string `yaml:"endpoint_id"`
	ServiceID    string `yaml:"service_id"`
	EndpointInfo string `yaml:"endpoint_info"`
	Medium       string `yaml:"medium"`
	Address      string `yaml:"address"`
}

// PayloadConfig configures payload transfer.
type PayloadConfig struct {
	// ChunkSize is the body size of one payload chunk.
	ChunkSize int `yaml:"chunk_size"`

	// Compression is none, lz4 or zstd.
	Compression string `yaml:"compression"`

	// SaveDirectory receives incoming file payloads.
	SaveDirectory string `yaml:"save_directory"`
}

// MediumsConfig enables and configures each medium.
type MediumsConfig struct {
	// Memory enables the in-process medium.
	Memory bool `yaml:"memory"`

	LAN    LANConfig    `yaml:"lan"`
	WebRTC WebRTCConfig `yaml:"webrtc"`
}

// LANConfig configures the TCP medium.
type LANConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddress string        `yaml:"listen_address"`
	DialAttempts  int           `yaml:"dial_attempts"`
	DialMinDelay  time.Duration `yaml:"dial_min_delay"`
	DialMaxDelay  time.Duration `yaml:"dial_max_delay"`
}

// WebRTCConfig configures the WebRTC upgrade medium.
type WebRTCConfig struct {
	Enabled bool `yaml:"enabled"`

	// ICEServers are STUN/TURN URLs. Empty means host candidates only.
	ICEServers []string `yaml:"ice_servers"`
}

// Default returns the configuration used for fields the file omits.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Channel: ChannelConfig{
			MaxFrameSize:      1 << 20,
			KeepAliveInterval: 5 * time.Second,
			KeepAliveTimeout:  30 * time.Second,
		},
		Router: RouterConfig{TeardownTimeout: 10 * time.Second},
		Discovery: DiscoveryConfig{
			PollInterval: time.Second,
		},
		Payload: PayloadConfig{
			ChunkSize:     64 << 10,
			Compression:   "none",
			SaveDirectory: "${HOME}/Downloads/tether",
		},
		Mediums: MediumsConfig{
			LAN: LANConfig{
				Enabled:       true,
				ListenAddress: "0.0.0.0:0",
				DialAttempts:  3,
				DialMinDelay:  100 * time.Millisecond,
				DialMaxDelay:  2 * time.Second,
			},
		},
	}
}

// Load reads the file named by TETHER_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv("TETHER_CONFIG")
	if path == "" {
		return nil, errors.New("TETHER_CONFIG environment variable not set; " +
			"point it at a tether.yaml file or pass --config")
	}
	return LoadFile(path)
}

// LoadFile reads the file at path over Default and expands path
// variables. The result is not validated.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.Payload.SaveDirectory = filepath.Clean(expandVars(cfg.Payload.SaveDirectory))
	return cfg, nil
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${VAR} and ${VAR:-default} with environment
// values.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	if c.Channel.MaxFrameSize <= 0 {
		errs = append(errs, fmt.Errorf("channel.max_frame_size must be positive, got %d", c.Channel.MaxFrameSize))
	}
	if c.Channel.KeepAliveInterval <= 0 {
		errs = append(errs, errors.New("channel.keep_alive_interval must be positive"))
	}
	if c.Channel.KeepAliveTimeout <= c.Channel.KeepAliveInterval {
		errs = append(errs, errors.New("channel.keep_alive_timeout must exceed keep_alive_interval"))
	}
	if c.Router.TeardownTimeout <= 0 {
		errs = append(errs, errors.New("router.teardown_timeout must be positive"))
	}
	if c.Discovery.PollInterval <= 0 {
		errs = append(errs, errors.New("discovery.poll_interval must be positive"))
	}
	for i, peer := range c.Discovery.Peers {
		if peer.EndpointID == "" || peer.ServiceID == "" || peer.Address == "" {
			errs = append(errs, fmt.Errorf("discovery.peers[%d] needs endpoint_id, service_id and address", i))
		}
	}
	if c.Payload.ChunkSize <= 0 || c.Payload.ChunkSize >= c.Channel.MaxFrameSize {
		errs = append(errs, fmt.Errorf("payload.chunk_size must be positive and below channel.max_frame_size, got %d", c.Payload.ChunkSize))
	}
	if !slices.Contains([]string{"none", "lz4", "zstd"}, c.Payload.Compression) {
		errs = append(errs, fmt.Errorf("payload.compression %q must be none, lz4 or zstd", c.Payload.Compression))
	}
	if !c.Mediums.Memory && !c.Mediums.LAN.Enabled && !c.Mediums.WebRTC.Enabled {
		errs = append(errs, errors.New("mediums: at least one medium must be enabled"))
	}
	if c.Mediums.LAN.Enabled {
		if c.Mediums.LAN.ListenAddress == "" {
			errs = append(errs, errors.New("mediums.lan.listen_address is required"))
		}
		if c.Mediums.LAN.DialAttempts < 1 {
			errs = append(errs, errors.New("mediums.lan.dial_attempts must be at least 1"))
		}
	}

	return errors.Join(errs...)
}
