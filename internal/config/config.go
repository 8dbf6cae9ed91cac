// Package config loads farplay settings from a YAML file, then applies
// environment overrides. Command-line flags are applied last by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/zsiec/farplay/internal/protocol"
)

const (
	TransportQUIC      = "quic"
	TransportWebSocket = "websocket"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the full set of runtime settings.
type Config struct {
	Role      string `yaml:"role"`
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"`

	// Addr is the listen address of a host or the dial target of a client.
	// For WebSocket clients it is a ws:// or wss:// URL.
	Addr    string `yaml:"addr"`
	APIAddr string `yaml:"api_addr"`

	// Fingerprint pins the host certificate on a QUIC client, hex or base64.
	Fingerprint string `yaml:"fingerprint"`
	CertFile    string `yaml:"cert_file"`
	KeyFile     string `yaml:"key_file"`

	Stream StreamConfig `yaml:"stream"`
	Audio  AudioConfig  `yaml:"audio"`
	Debug  bool         `yaml:"debug"`
}

// StreamConfig tunes frame pacing and rate control.
type StreamConfig struct {
	TickRate          float64       `yaml:"tick_rate"`
	FrameInterval     int           `yaml:"frame_interval"`
	MaxInterval       int           `yaml:"max_interval"`
	ByteRate          int           `yaml:"byte_rate"`
	AdaptiveRate      bool          `yaml:"adaptive_rate"`
	Width             int           `yaml:"width"`
	Height            int           `yaml:"height"`
	KeyframeWait      time.Duration `yaml:"keyframe_wait"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
}

// AudioConfig describes the PCM stream and voice relay.
type AudioConfig struct {
	SampleRate int           `yaml:"sample_rate"`
	Voice      bool          `yaml:"voice"`
	MaxLatency time.Duration `yaml:"max_latency"`

	// Record, when set, writes relayed audio to this WAV file.
	Record string `yaml:"record"`
}

// Default returns the settings used when no file or override is given.
func Default() Config {
	return Config{
		Role:      "host",
		Name:      "farplay",
		Transport: TransportQUIC,
		Addr:      ":4450",
		APIAddr:   ":4451",
		Stream: StreamConfig{
			TickRate:          60,
			FrameInterval:     1,
			MaxInterval:       4,
			ByteRate:          250_000,
			AdaptiveRate:      true,
			Width:             256,
			Height:            224,
			KeyframeWait:      5 * time.Second,
			DisconnectTimeout: 30 * time.Second,
			IdleTimeout:       30 * time.Second,
		},
		Audio: AudioConfig{
			SampleRate: 44100,
			MaxLatency: 250 * time.Millisecond,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := Parse(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg. Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	return yaml.UnmarshalStrict(data, cfg)
}

// ApplyEnv overrides settings from FARPLAY_* environment variables.
func (c *Config) ApplyEnv() error {
	c.Role = envOr("FARPLAY_ROLE", c.Role)
	c.Name = envOr("FARPLAY_NAME", c.Name)
	c.Transport = envOr("FARPLAY_TRANSPORT", c.Transport)
	c.Addr = envOr("FARPLAY_ADDR", c.Addr)
	c.APIAddr = envOr("FARPLAY_API_ADDR", c.APIAddr)
	c.Fingerprint = envOr("FARPLAY_FINGERPRINT", c.Fingerprint)
	c.Audio.Record = envOr("FARPLAY_RECORD", c.Audio.Record)

	if v := os.Getenv("FARPLAY_BYTE_RATE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: FARPLAY_BYTE_RATE %q: %v", ErrInvalid, v, err)
		}
		c.Stream.ByteRate = n
	}
	if os.Getenv("DEBUG") != "" {
		c.Debug = true
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if _, err := c.ProtocolRole(); err != nil {
		errs = append(errs, err)
	}
	if c.Transport != TransportQUIC && c.Transport != TransportWebSocket {
		bad("transport %q, want %s or %s", c.Transport, TransportQUIC, TransportWebSocket)
	}
	if c.Addr == "" {
		bad("addr is empty")
	}
	if len(c.Name) > protocol.MaxNameLen {
		bad("name is %d bytes, max %d", len(c.Name), protocol.MaxNameLen)
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		bad("cert_file and key_file must be set together")
	}

	s := c.Stream
	if s.TickRate <= 0 {
		bad("stream.tick_rate %v must be positive", s.TickRate)
	}
	if s.FrameInterval < 1 {
		bad("stream.frame_interval %d must be at least 1", s.FrameInterval)
	}
	if s.MaxInterval < s.FrameInterval {
		bad("stream.max_interval %d below frame_interval %d", s.MaxInterval, s.FrameInterval)
	}
	if s.ByteRate < 0 {
		bad("stream.byte_rate %d is negative", s.ByteRate)
	}
	if s.Width <= 0 || s.Height <= 0 {
		bad("stream geometry %dx%d", s.Width, s.Height)
	}
	if s.KeyframeWait < 0 || s.DisconnectTimeout < 0 || s.IdleTimeout < 0 {
		bad("stream timeouts must not be negative")
	}

	if c.Audio.SampleRate < 8000 || c.Audio.SampleRate > 192000 {
		bad("audio.sample_rate %d out of range", c.Audio.SampleRate)
	}
	if c.Audio.MaxLatency < 0 {
		bad("audio.max_latency %v is negative", c.Audio.MaxLatency)
	}
	return errors.Join(errs...)
}

// ProtocolRole maps Role to the wire role.
func (c *Config) ProtocolRole() (protocol.Role, error) {
	switch c.Role {
	case "host":
		return protocol.RoleHost, nil
	case "client":
		return protocol.RoleClient, nil
	}
	return 0, fmt.Errorf("%w: role %q, want host or client", ErrInvalid, c.Role)
}

// MaxLatencyBytes converts the audio latency cap to bytes of 16-bit mono PCM.
func (a AudioConfig) MaxLatencyBytes() int {
	return int(a.MaxLatency.Seconds()*float64(a.SampleRate)) * 2
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
