// SPDX-FileCopyrightText: © 2024 The Kestrel Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ipc

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kestrelipc/kestrel/core/log"
	"github.com/kestrelipc/kestrel/wire"
)

// Limits bounds per connection resources. Zero values take defaults.
type Limits struct {
	// MaxPayloadBytes caps inbound frame payloads (default 64 MiB).
	MaxPayloadBytes int64

	// MaxPendingReplies caps outstanding awaited replies (default 10000).
	MaxPendingReplies int

	// SendQueueDepth is the bounded send queue length (default 64).
	SendQueueDepth int

	// ReplyTimeoutMs is the default AwaitReply deadline in milliseconds
	// (default 30000).
	ReplyTimeoutMs int
}

// Logging configures the log backend.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File is the log destination; empty means stderr.
	File string

	// Level is one of ERROR, WARNING, NOTICE, INFO, DEBUG.
	Level string
}

// Config is the TOML configuration surface mapped onto a Builder.
type Config struct {
	// Address is "host:port" for TCP transports, a path for Unix ones.
	Address string

	// Transport is one of "tcp", "unix", "tcp+secure", "unix+secure".
	Transport string

	// Secret is hex encoded pre-shared key material for the secure
	// transports.
	Secret string

	Limits  *Limits
	Logging *Logging
}

// LoadConfig parses and validates a TOML config file.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FixupAndValidate applies defaults and sanity checks the config.
func (c *Config) FixupAndValidate() error {
	if c.Address == "" {
		return errors.New("config: Address is not set")
	}
	switch c.Transport {
	case "":
		c.Transport = "tcp"
	case "tcp", "unix", "tcp+secure", "unix+secure":
	default:
		return fmt.Errorf("config: invalid Transport '%v'", c.Transport)
	}
	if c.Limits == nil {
		c.Limits = &Limits{}
	}
	if c.Limits.MaxPayloadBytes <= 0 {
		c.Limits.MaxPayloadBytes = wire.DefaultMaxPayloadSize
	}
	if c.Limits.MaxPendingReplies <= 0 {
		c.Limits.MaxPendingReplies = 10000
	}
	if c.Limits.SendQueueDepth <= 0 {
		c.Limits.SendQueueDepth = 64
	}
	if c.Limits.ReplyTimeoutMs <= 0 {
		c.Limits.ReplyTimeoutMs = 30000
	}
	if c.Logging == nil {
		c.Logging = &Logging{Level: "NOTICE"}
	}
	if _, err := hex.DecodeString(c.Secret); err != nil {
		return fmt.Errorf("config: Secret is not valid hex: %v", err)
	}
	return nil
}

func (c *Config) transportKind() (TransportKind, error) {
	switch c.Transport {
	case "tcp":
		return TCP, nil
	case "unix":
		return Unix, nil
	case "tcp+secure":
		return SecureTCP, nil
	case "unix+secure":
		return SecureUnix, nil
	}
	return 0, fmt.Errorf("config: invalid Transport '%v'", c.Transport)
}

// FromConfig maps a validated Config onto the builder.
func (b *Builder) FromConfig(cfg *Config) (*Builder, error) {
	kind, err := cfg.transportKind()
	if err != nil {
		return nil, err
	}
	backend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}
	psk, err := hex.DecodeString(cfg.Secret)
	if err != nil {
		return nil, err
	}

	b.Address(cfg.Address).
		Transport(kind).
		Logging(backend).
		MaxPayload(cfg.Limits.MaxPayloadBytes).
		Timeout(time.Duration(cfg.Limits.ReplyTimeoutMs) * time.Millisecond)
	if len(psk) > 0 {
		b.Secret(psk)
	}
	b.opts.maxPendingReplies = cfg.Limits.MaxPendingReplies
	b.opts.sendQueueDepth = cfg.Limits.SendQueueDepth
	return b, nil
}
