// Copyright 2025 The simverse Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lludp

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MonitorConfig controls the embedded HTTP monitor.
type MonitorConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Addr    string `mapstructure:"addr" json:"addr"`
}

// Config is the root server configuration.
type Config struct {
	// BindAddr is the interface the UDP socket binds to.
	BindAddr string `mapstructure:"bind_addr" json:"bind_addr"`
	// Port is the UDP listen port.
	Port int `mapstructure:"port" json:"port"`

	// MaxPacketSize caps the encoded datagram size, acks included.
	MaxPacketSize int `mapstructure:"max_packet_size" json:"max_packet_size"`

	// ResendTimeout is how long a reliable packet may sit unacknowledged
	// before it is retransmitted.
	ResendTimeout time.Duration `mapstructure:"resend_timeout" json:"resend_timeout"`
	// MaxResends is the number of retransmissions before delivery fails.
	MaxResends int `mapstructure:"max_resends" json:"max_resends"`

	// AckTimeout bounds how long received-packet acks may be withheld
	// waiting for a batch or a piggyback opportunity.
	AckTimeout time.Duration `mapstructure:"ack_timeout" json:"ack_timeout"`
	// AckBatchSize flushes pending acks early once this many accumulate.
	AckBatchSize int `mapstructure:"ack_batch_size" json:"ack_batch_size"`

	// PingInterval is the keepalive probe period per circuit.
	PingInterval time.Duration `mapstructure:"ping_interval" json:"ping_interval"`
	// ClientTimeout closes a circuit after this long without inbound traffic.
	ClientTimeout time.Duration `mapstructure:"client_timeout" json:"client_timeout"`
	// HandshakeTimeout bounds how long a circuit may stay in Handshaking.
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" json:"handshake_timeout"`

	// TickInterval is the maintenance loop period (resends, ack flushes,
	// throttle refills, idle sweeps).
	TickInterval time.Duration `mapstructure:"tick_interval" json:"tick_interval"`

	// Throttle shapes outbound bandwidth per circuit.
	Throttle ThrottleConfig `mapstructure:"throttle" json:"throttle"`
	// GlobalThrottle shapes aggregate outbound bandwidth across circuits.
	GlobalThrottle ThrottleConfig `mapstructure:"global_throttle" json:"global_throttle"`

	// Workers sizes the handler dispatch pool.
	Workers int `mapstructure:"workers" json:"workers"`
	// EventBuffer sizes the lifecycle event channel.
	EventBuffer int `mapstructure:"event_buffer" json:"event_buffer"`

	// Monitor configures the HTTP stats endpoint.
	Monitor MonitorConfig `mapstructure:"monitor" json:"monitor"`
}

// DefaultConfig returns a Config populated with viewer-scale defaults.
func DefaultConfig() *Config {
	return &Config{
		BindAddr:         "0.0.0.0",
		Port:             9000,
		MaxPacketSize:    DefaultMaxPacketSize,
		ResendTimeout:    100 * time.Millisecond,
		MaxResends:       3,
		AckTimeout:       1000 * time.Millisecond,
		AckBatchSize:     50,
		PingInterval:     5 * time.Second,
		ClientTimeout:    60 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		TickInterval:     15 * time.Millisecond,
		Throttle:         DefaultThrottleConfig(),
		GlobalThrottle:   DefaultGlobalThrottleConfig(),
		Workers:          32,
		EventBuffer:      128,
		Monitor: MonitorConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9001",
		},
	}
}

// ListenAddr returns the bind address in host:port form.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddr, c.Port)
}

// LoadConfig reads configuration from path (if non-empty), otherwise from
// lludp.yaml in the working directory, with environment overrides under the
// LLUDP prefix. Example: LLUDP_CLIENT_TIMEOUT=30s.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LLUDP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("bind_addr", cfg.BindAddr)
	v.SetDefault("port", cfg.Port)
	v.SetDefault("max_packet_size", cfg.MaxPacketSize)
	v.SetDefault("resend_timeout", cfg.ResendTimeout)
	v.SetDefault("max_resends", cfg.MaxResends)
	v.SetDefault("ack_timeout", cfg.AckTimeout)
	v.SetDefault("ack_batch_size", cfg.AckBatchSize)
	v.SetDefault("ping_interval", cfg.PingInterval)
	v.SetDefault("client_timeout", cfg.ClientTimeout)
	v.SetDefault("handshake_timeout", cfg.HandshakeTimeout)
	v.SetDefault("tick_interval", cfg.TickInterval)
	v.SetDefault("workers", cfg.Workers)
	v.SetDefault("event_buffer", cfg.EventBuffer)
	v.SetDefault("monitor.enabled", cfg.Monitor.Enabled)
	v.SetDefault("monitor.addr", cfg.Monitor.Addr)
	seedThrottleDefaults(v, "throttle", cfg.Throttle)
	seedThrottleDefaults(v, "global_throttle", cfg.GlobalThrottle)

	if path == "" {
		if envPath := os.Getenv("LLUDP_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("lludp")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("lludp: read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("lludp: decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func seedThrottleDefaults(v *viper.Viper, prefix string, tc ThrottleConfig) {
	set := func(name string, b BucketConfig) {
		v.SetDefault(prefix+"."+name+".capacity_bytes", b.CapacityBytes)
		v.SetDefault(prefix+"."+name+".bytes_per_sec", b.BytesPerSec)
	}
	set("resend", tc.Resend)
	set("task", tc.Task)
	set("texture", tc.Texture)
	set("asset", tc.Asset)
	set("land", tc.Land)
	set("wind", tc.Wind)
	set("cloud", tc.Cloud)
}

func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("lludp: invalid port: %d", c.Port)
	}
	if c.MaxPacketSize < headerSize+4 {
		return fmt.Errorf("lludp: max_packet_size %d too small", c.MaxPacketSize)
	}
	if c.MaxResends < 0 {
		return fmt.Errorf("lludp: max_resends must be non-negative")
	}
	if c.ResendTimeout <= 0 || c.AckTimeout <= 0 || c.TickInterval <= 0 {
		return fmt.Errorf("lludp: timers must be positive")
	}
	if c.PingInterval <= 0 || c.ClientTimeout <= 0 || c.HandshakeTimeout <= 0 {
		return fmt.Errorf("lludp: keepalive timers must be positive")
	}
	if c.AckBatchSize <= 0 {
		c.AckBatchSize = 50
	}
	if c.AckBatchSize > maxAppendedAcks {
		c.AckBatchSize = maxAppendedAcks
	}
	if c.Workers <= 0 {
		c.Workers = 32
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 128
	}
	return nil
}
